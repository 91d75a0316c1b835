package db

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"biodata-backend/config"
	"biodata-backend/internal/model"
)

// Init opens the SQL database selected by cfg.Driver and runs migrations.
func Init(cfg *config.DatabaseConfig, log *logrus.Entry) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
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
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	log.Info("Running database migrations...")
	if err := Migrate(db); err != nil {
		return nil, err
	}

	if cfg.EnableTimescale && cfg.Driver == "postgres" {
		log.Info("TimescaleDB is enabled, applying TimescaleDB-specific DDL...")
		if err := applyTimescaleDDL(db); err != nil {
			log.WithError(err).Warn("Failed to apply some TimescaleDB DDL. Continuing without them.")
		}
	}

	log.Info("Database initialization complete.")
	return db, nil
}

// Migrate creates or updates every table the store uses.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.DoorEvent{},
		&model.TenMinData{},
		&model.FourHData{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

func applyTimescaleDDL(db *gorm.DB) error {
	ddls := []string{
		"CREATE EXTENSION IF NOT EXISTS timescaledb;",

		// Both slot tables are keyed by (username, time_slot), so time_slot can
		// be the time dimension.
		"SELECT create_hypertable('ten_min_data', 'time_slot', chunk_time_interval => INTERVAL '7 days', if_not_exists => TRUE, migrate_data => TRUE);",
		"SELECT create_hypertable('four_h_data', 'time_slot', chunk_time_interval => INTERVAL '90 days', if_not_exists => TRUE, migrate_data => TRUE);",

		"CREATE INDEX IF NOT EXISTS idx_ten_min_data_username_time_slot ON ten_min_data (username, time_slot DESC);",
		"CREATE INDEX IF NOT EXISTS idx_four_h_data_username_time_slot ON four_h_data (username, time_slot DESC);",
		"CREATE INDEX IF NOT EXISTS idx_door_events_status_opened ON door_events (status, opened_at DESC);",
	}

	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}

// InitMongo connects to MongoDB and verifies the primary is reachable.
func InitMongo(ctx context.Context, cfg *config.DatabaseConfig, log *logrus.Entry) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.DSN).
		SetConnectTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log.WithField("database", cfg.Name).Info("MongoDB connected")
	return client, nil
}
