package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/infigaming-com/go-dlock/config"
	"github.com/infigaming-com/go-dlock/lock"
	"github.com/infigaming-com/go-dlock/lock/driver/database"
	"github.com/infigaming-com/go-dlock/lock/driver/inmem"
	"github.com/infigaming-com/go-dlock/lock/driver/lease"
	redisdriver "github.com/infigaming-com/go-dlock/lock/driver/redis"
	"github.com/infigaming-com/go-dlock/migrate"
)

// openProvider builds the provider named by cfg.Driver. The returned
// cleanup is always safe to call.
func openProvider(ctx context.Context, lg *zap.Logger, cfg config.Config) (lock.Provider, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case config.DriverRedis:
		p, cleanup, err := redisdriver.NewFromConfig(ctx, lg, &redisdriver.Config{
			Addr:           cfg.Redis.Addr,
			DB:             cfg.Redis.DB,
			ConnectTimeout: cfg.Redis.ConnectTimeout,
			KeyPrefix:      cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, noop, err
		}
		return p, cleanup, nil

	case config.DriverDatabase:
		return openDatabase(lg, cfg.Database)

	case config.DriverKubernetes:
		p, err := lease.NewFromConfig(lg, &lease.Config{
			Namespace:    cfg.Kubernetes.Namespace,
			Kubeconfig:   cfg.Kubernetes.Kubeconfig,
			PollInterval: cfg.Kubernetes.PollInterval,
		})
		if err != nil {
			return nil, noop, err
		}
		return p, noop, nil

	case config.DriverMemory:
		lg.Warn("using in-process locks, exclusion does not span processes")
		return inmem.New(inmem.WithLogger(lg)), noop, nil
	}
	return nil, noop, fmt.Errorf("unknown driver %q", cfg.Driver)
}

type tableMigration int

const (
	migrateNone tableMigration = iota
	migrateEmbedded
	migrateFromPath
	migrateAuto
)

// lockTableMigration picks how the lock table is created. The embedded
// migration only knows the default table name, so custom tables without
// their own migrations are created by gorm.
func lockTableMigration(cfg config.DatabaseConfig) tableMigration {
	switch {
	case !cfg.Migrate:
		return migrateNone
	case cfg.MigrationsPath != "":
		return migrateFromPath
	case cfg.Table == "" || cfg.Table == database.DefaultTableName:
		return migrateEmbedded
	default:
		return migrateAuto
	}
}

func openDatabase(lg *zap.Logger, cfg config.DatabaseConfig) (lock.Provider, func(), error) {
	noop := func() {}
	switch lockTableMigration(cfg) {
	case migrateEmbedded:
		if err := migrate.MigrateLockTable(cfg.DSN); err != nil {
			return nil, noop, fmt.Errorf("migrate lock table: %w", err)
		}
		lg.Info("lock table migrated")
	case migrateFromPath:
		if err := migrate.Migrate(cfg.DSN, cfg.MigrationsPath); err != nil {
			return nil, noop, fmt.Errorf("migrate lock table: %w", err)
		}
		lg.Info("lock table migrated", zap.String("path", cfg.MigrationsPath))
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, noop, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, noop, err
	}
	cleanup := func() {
		_ = sqlDB.Close()
		lg.Info("closed database connection for locks")
	}

	p, err := newDatabaseProvider(lg, db, cfg)
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	return p, cleanup, nil
}

func newDatabaseProvider(lg *zap.Logger, db *gorm.DB, cfg config.DatabaseConfig) (*database.Provider, error) {
	opts := []database.Option{
		database.WithLogger(lg),
		database.WithTableName(cfg.Table),
		database.WithPollInterval(cfg.PollInterval),
	}
	if lockTableMigration(cfg) == migrateAuto {
		lg.Info("creating custom lock table", zap.String("table", cfg.Table))
		opts = append(opts, database.WithAutoMigrate())
	}
	return database.New(db, opts...)
}
