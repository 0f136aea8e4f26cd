package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/sellerops_backend/config"
	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
)

// User is the read model of an account; registration and login live in the auth service.
type User struct {
	ID                    string    `gorm:"type:char(36);primaryKey" json:"id"`
	Email                 string    `gorm:"size:100;unique" json:"email"`
	MarketStatisticsToken string    `gorm:"size:1024" json:"-"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

/*
caches:
	UserFeedToken:$userId
*/

const userFeedTokenLifespan = 10 * time.Minute

var ErrorFeedTokenMissing = errors.New("marketplace statistics token is not set")

// GetUserFeedToken returns the user's marketplace statistics token.
func GetUserFeedToken(ctx context.Context, userId string) (string, error) {
	key := "UserFeedToken:" + userId
	var token string
	exists, err := config.GetRedisObject(key, &token)
	if err != nil {
		config.LogError(config.GetLogger(), "models", "GetUserFeedToken", "reading cache", key, err)
	}
	if exists && token != "" {
		return token, nil
	}

	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Select("id", "market_statistics_token").
		Where("id = ?", userId).First(&user).Error; err != nil {
		return "", utils.ClassifyDBError(err)
	}
	if user.MarketStatisticsToken == "" {
		return "", fmt.Errorf("user %s: %w", userId, ErrorFeedTokenMissing)
	}
	if err := config.SetRedisObject(key, user.MarketStatisticsToken, userFeedTokenLifespan); err != nil {
		config.LogError(config.GetLogger(), "models", "GetUserFeedToken", "writing cache", key, err)
	}
	return user.MarketStatisticsToken, nil
}

// RemoveUserFeedTokenCache drops the cached token after the user changes it.
func RemoveUserFeedTokenCache(userId string) error {
	return config.RemoveRedisKey("UserFeedToken:" + userId)
}
