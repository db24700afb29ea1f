package pg

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"convocore/tools/errs"
)

var (
	pgOnce sync.Once
	pgMgr  *PgManager
)

type PgManager struct {
	pool *pgxpool.Pool
}

type Config struct {
	URL         string
	MaxConns    int32
	PingTimeout time.Duration
}

// InitPg connects the singleton pgx pool.
func InitPg(ctx context.Context, c Config) error {
	var initErr error
	pgOnce.Do(func() {
		cfg, err := pgxpool.ParseConfig(c.URL)
		if err != nil {
			initErr = errs.WrapMsg(err, "parse postgres url")
			return
		}
		if c.MaxConns > 0 {
			cfg.MaxConns = c.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			initErr = errs.WrapMsg(err, "connect postgres")
			return
		}

		timeout := c.PingTimeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := pool.Ping(pctx); err != nil {
			initErr = errs.WrapMsg(err, "ping postgres")
			return
		}
		pgMgr = &PgManager{pool: pool}
	})
	return initErr
}

// GetPool returns the shared pool; InitPg must have run.
func GetPool() *pgxpool.Pool {
	if pgMgr == nil {
		panic("postgres not initialized, call InitPg first")
	}
	return pgMgr.pool
}

func ClosePg() {
	if pgMgr != nil && pgMgr.pool != nil {
		pgMgr.pool.Close()
	}
}
