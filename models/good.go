package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/sellerops_backend/config"
	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
)

// Good is the read model of a catalog item; catalog CRUD lives elsewhere.
type Good struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	UserId    string    `gorm:"type:char(36);index;not null" json:"-"`
	ProjectId string    `gorm:"type:char(36);index" json:"project_id"`
	Name      string    `gorm:"size:255" json:"name"`
	NmId      *int64    `gorm:"index" json:"nm_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ResolveGoodForShipment maps an upstream good reference (nm id) to the user's good id.
func ResolveGoodForShipment(ctx context.Context, userId string, nmId int64) (string, error) {
	db := config.GetDB()
	var good Good
	err := db.WithContext(ctx).Select("id").
		Where("user_id = ? AND nm_id = ?", userId, nmId).
		Order("created_at").
		First(&good).Error
	if err != nil {
		return "", utils.ClassifyDBError(err)
	}
	return good.ID, nil
}

func GetGood(ctx context.Context, userId string, goodId string) (*Good, error) {
	db := config.GetDB()
	var good Good
	if err := db.WithContext(ctx).Where("id = ? AND user_id = ?", goodId, userId).First(&good).Error; err != nil {
		return nil, utils.ClassifyDBError(err)
	}
	return &good, nil
}
