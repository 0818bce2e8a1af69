package config

import (
	"fmt"
	"time"

	"topic-chat/backend/pkg/logger"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Dialector returns the gorm dialector for the configured driver
func (c *Config) Dialector() (gorm.Dialector, error) {
	switch c.Database.Driver {
	case "postgres", "":
		dsn := fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Host,
			c.Database.Port,
			c.Database.User,
			c.Database.Password,
			c.Database.Name,
			c.Database.SSLMode,
		)
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(c.Database.SQLitePath), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
}

// NewDB opens the database, retrying while it comes up
func NewDB(cfg *Config, log *logger.Logger) (*gorm.DB, error) {
	dialector, err := cfg.Dialector()
	if err != nil {
		return nil, err
	}

	gormConfig := &gorm.Config{}
	if cfg.Server.Env == "development" {
		gormConfig.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	} else {
		gormConfig.Logger = gormlogger.Default.LogMode(gormlogger.Error)
	}

	retries := cfg.Database.Retries
	if retries < 1 {
		retries = 1
	}

	var db *gorm.DB
	for i := 0; i < retries; i++ {
		db, err = gorm.Open(dialector, gormConfig)
		if err == nil {
			break
		}
		log.Warn("database connection failed, retrying",
			"driver", cfg.Database.Driver,
			"attempt", i+1,
			"delay", cfg.Database.RetryDelay.String(),
		)
		time.Sleep(cfg.Database.RetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d retries: %w", retries, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if cfg.Database.Driver == "sqlite" {
		// sqlite serialises writers
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(cfg.Database.MaxConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	}

	return db, nil
}

// TestConnection checks if the database connection is working
func TestConnection(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}
