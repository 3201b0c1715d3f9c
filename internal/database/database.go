package database

import (
	"example.com/backstage/simul/config"
	"example.com/backstage/simul/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Databases bundles the write connection and the read replica
type Databases struct {
	Write    *gorm.DB
	ReadOnly *gorm.DB
}

// Connect opens the write and read-only connections. An empty read-only DSN
// reuses the write connection.
func Connect(cfg config.DatabaseConfig) (*Databases, error) {
	write, err := open(cfg, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	readOnly := write
	if cfg.ReadOnlyDSN != "" && cfg.ReadOnlyDSN != cfg.DSN {
		readOnly, err = open(cfg, cfg.ReadOnlyDSN)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to read-only database")
		}
	}

	return &Databases{Write: write, ReadOnly: readOnly}, nil
}

func open(cfg config.DatabaseConfig, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get DB instance")
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// Migrate runs the model migrations on the write connection
func (d *Databases) Migrate() error {
	log.Info().Msg("Running database migrations")
	return models.SetupModels(d.Write)
}

// Close closes both connections
func (d *Databases) Close() error {
	dbs := []*gorm.DB{d.Write}
	if d.ReadOnly != d.Write {
		dbs = append(dbs, d.ReadOnly)
	}

	var firstErr error
	for _, db := range dbs {
		sqlDB, err := db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
