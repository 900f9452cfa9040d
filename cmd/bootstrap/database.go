package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/LingByte/LingHuddle/pkg/config"
	"github.com/LingByte/LingHuddle/pkg/constants"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/store"
	"github.com/LingByte/LingHuddle/pkg/store/memory"
	"github.com/LingByte/LingHuddle/pkg/store/redisstore"
	"github.com/LingByte/LingHuddle/pkg/store/sqlstore"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Stores bundles the roster store and signal relay of one backend.
type Stores struct {
	Sessions store.SessionStore
	Relay    store.SignalRelay
	close    func() error
}

func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// SetupDatabase opens a gorm connection for driver and migrates the huddle tables.
func SetupDatabase(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := sqlstore.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// SetupStore builds the configured backend.
func SetupStore(ctx context.Context, cfg config.StoreConfig) (*Stores, error) {
	log := logger.Named("store")
	switch cfg.Backend {
	case constants.StoreMemory:
		return &Stores{Sessions: memory.NewSessions(), Relay: memory.NewRelay()}, nil

	case constants.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return &Stores{
			Sessions: redisstore.NewSessions(rdb, log),
			Relay:    redisstore.NewRelay(rdb, log),
			close:    rdb.Close,
		}, nil

	case constants.StoreSQL:
		db, err := SetupDatabase(cfg.DBDriver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Sessions: sqlstore.NewSessions(db, cfg.PollInterval, log),
			Relay:    sqlstore.NewRelay(db, cfg.PollInterval, log),
			close: func() error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.Close()
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
