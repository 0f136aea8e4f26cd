package models

import (
	"log"

	"bitbucket.org/mmdatafocus/sellerops_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{}, &Good{},
		&Procurement{}, &ProcurementSupply{},
		&Supply{}, &SupplyProcurement{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
