package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"codepad/api/internal/logging"
	"codepad/api/internal/metrics"
)

// PoolConfig sizes the connection pool. Zero values take the defaults below.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
	// ConnectWait bounds how long Open keeps retrying the first ping.
	ConnectWait time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxOpen <= 0 {
		c.MaxOpen = 20
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 10
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 30 * time.Minute
	}
	if c.ConnectWait <= 0 {
		c.ConnectWait = 30 * time.Second
	}
	return c
}

// Open connects through the pgx stdlib driver and waits until the server answers.
func Open(ctx context.Context, databaseURL string, pool PoolConfig) (*sql.DB, error) {
	pool = pool.withDefaults()
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(pool.MaxIdleTime)
	db.SetConnMaxLifetime(pool.MaxLifetime)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetMaxOpenConns(pool.MaxOpen)

	if err := waitForPing(ctx, db, pool.ConnectWait); err != nil {
		_ = db.Close()
		return nil, err
	}
	metrics.RegisterDB(db, "codepad")
	return db, nil
}

func waitForPing(ctx context.Context, db *sql.DB, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	backoff := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		logging.L().Warn("database not ready", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping db: %w", err)
		case <-time.After(backoff):
		}
		if backoff < 4*time.Second {
			backoff *= 2
		}
	}
}
