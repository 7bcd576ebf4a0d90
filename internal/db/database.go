package db

import (
	"log"
	"time"

	"toll-backend/internal/config"
	"toll-backend/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDB() {
	var err error

	if config.AppConfig == nil || config.AppConfig.Database.DSN == "" {
		log.Fatalf("Database DSN is required")
	}

	dsn := config.AppConfig.Database.DSN

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}

	log.Println("✅ Database connected successfully")

	if err := DB.AutoMigrate(
		&models.Vehicle{},
		&models.TollTransaction{},
		&models.User{},
		&models.TollPlaza{},
		&models.PlazaRate{},
		&models.DiscountCode{},
	); err != nil {
		log.Fatalf("AutoMigrate failed: %v", err)
	}

	seedDefaultPlaza(DB)

	log.Println("✅ Database schema migrated successfully")
}

// seedDefaultPlaza creates a default plaza rate table on first boot so that
// quote requests work before an operator has configured rates.
func seedDefaultPlaza(db *gorm.DB) {
	var count int64
	if err := db.Model(&models.TollPlaza{}).Count(&count).Error; err != nil {
		log.Printf("⚠️ Failed to count toll plazas: %v", err)
		return
	}
	if count > 0 {
		return
	}

	plaza := models.TollPlaza{
		PlazaID:           "plaza-default",
		Name:              "Default Plaza",
		Currency:          "ETH",
		PeakStart:         "07:00",
		PeakEnd:           "19:00",
		PeakMultiplier:    1.5,
		OffPeakMultiplier: 1.0,
		Rates: []models.PlazaRate{
			{VehicleCategory: string(models.VehicleCategoryBike), BaseRate: "0.0001"},
			{VehicleCategory: string(models.VehicleCategoryCar), BaseRate: "0.0003"},
			{VehicleCategory: string(models.VehicleCategoryBus), BaseRate: "0.0008"},
			{VehicleCategory: string(models.VehicleCategoryTruck), BaseRate: "0.001"},
		},
		DiscountCodes: []models.DiscountCode{
			{
				Code:      "SAVE10",
				Type:      models.DiscountTypePercentage,
				Value:     "10",
				ValidFrom: time.Now(),
				ValidTo:   time.Now().AddDate(1, 0, 0),
				MaxUsage:  100,
			},
		},
	}

	if err := db.Create(&plaza).Error; err != nil {
		log.Printf("⚠️ Failed to seed default plaza: %v", err)
		return
	}
	log.Printf("✅ Seeded default plaza rate table: %s", plaza.PlazaID)
}
