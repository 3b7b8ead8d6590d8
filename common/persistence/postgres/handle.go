package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrClosed = errors.New("persistence handle closed")

type Handle struct {
	pool    atomic.Pointer[pgxpool.Pool]
	running atomic.Bool
	mu      sync.Mutex
}

func NewHandle(ctx context.Context, config *config.Persistence) (*Handle, error) {
	conf, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, err
	}

	if config.MaxConns > 0 {
		conf.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	handle := &Handle{}

	handle.pool.Store(pool)
	handle.running.Store(true)

	return handle, nil
}

func (h *Handle) db() (*pgxpool.Pool, error) {
	if !h.running.Load() {
		return nil, ErrClosed
	}
	pool := h.pool.Load()
	if pool == nil {
		return nil, ErrClosed
	}
	return pool, nil
}

func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running.Load() {
		h.running.Swap(false)
		pool := h.pool.Swap(nil)
		if pool != nil {
			pool.Close()
		}
	}
	return nil
}
