package db

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"shopfloor-backend/config"
	"shopfloor-backend/internal/model"
)

// Init initializes the database connection and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	}

	log.Println("Running database migrations...")
	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Println("Database initialization complete.")
	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Stage{},
		&model.TimeSession{},
		&model.OpenTimer{},
		&model.TimerEvent{},
		&model.Batch{},
		&model.BatchWorker{},
		&model.BatchWorkerSession{},
		&model.Order{},
		&model.UserRate{},
		&model.DailyLimitAck{},
		&model.PushSubscription{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

// DefaultStages is the stage catalog seeded on first start.
var DefaultStages = []model.Stage{
	{ID: "cutting", Workflow: model.WorkflowProduction, Name: "Cutting", Position: 1},
	{ID: "sewing", Workflow: model.WorkflowProduction, Name: "Sewing", Position: 2},
	{ID: "assembly", Workflow: model.WorkflowProduction, Name: "Assembly", Position: 3},
	{ID: "quality-check", Workflow: model.WorkflowProduction, Name: "Quality Check", Position: 4},
	{ID: "picking", Workflow: model.WorkflowFulfillment, Name: "Picking", Position: 1},
	{ID: "packing", Workflow: model.WorkflowFulfillment, Name: "Pack & Ship", Position: 2},
	{ID: "labeling", Workflow: model.WorkflowFulfillment, Name: "Labeling", Position: 3},
}
