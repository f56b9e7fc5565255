package orm

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	DSN         string `mapstructure:"dsn"`
	MaxIdle     int    `mapstructure:"max_idle"`
	MaxOpen     int    `mapstructure:"max_open"`
	MaxLifetime int    `mapstructure:"max_lifetime"` // seconds
	LogSQL      bool   `mapstructure:"log_sql"`
}

// NewMySQL opens a GORM handle with a bounded pool.
func NewMySQL(c *Config) (*gorm.DB, error) {
	level := logger.Warn
	if c.LogSQL {
		level = logger.Info
	}
	db, err := gorm.Open(mysql.Open(c.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("mysql pool: %w", err)
	}

	maxIdle, maxOpen, lifetime := c.MaxIdle, c.MaxOpen, c.MaxLifetime
	if maxIdle <= 0 {
		maxIdle = 2
	}
	if maxOpen <= 0 {
		maxOpen = 4
	}
	if lifetime <= 0 {
		lifetime = 300
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Duration(lifetime) * time.Second)

	return db, nil
}
