// Package dbpool implements the Connection Pool Registry (C1): a
// process-wide mapping from database URL to a lazily created pgxpool.Pool.
// Pools are never evicted; the registry's lifetime equals the process's.
package dbpool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vectorhub/pgml-go/pgmlerr"
)

const (
	maxRetries    = 10
	retryBaseWait = 1 * time.Second
	retryMaxWait  = 10 * time.Second
)

// requiredExtensions must be installed before a pool is handed back to a
// caller; a pool that fails this check is closed and never cached.
var requiredExtensions = []string{"uuid-ossp", "vector"}

// Options tunes pool creation. A zero Options uses the teacher-derived
// defaults below.
type Options struct {
	MaxConns       int32
	MinConns       int32
	ConnectTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConns == 0 {
		o.MaxConns = 20
	}
	if o.MinConns == 0 {
		o.MinConns = 2
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	return o
}

// Registry is the process-wide url -> pool map guarded by a reader/writer
// lock, matching spec §4.1: writes only happen on first use of a URL, all
// other accesses are reads.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*pgxpool.Pool
	opts  Options
	log   *slog.Logger
}

func New(opts Options, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		pools: make(map[string]*pgxpool.Pool),
		opts:  opts.withDefaults(),
		log:   log,
	}
}

// Get returns the existing pool for url, or creates one. url precedence:
// explicit argument > DATABASE_URL environment variable; missing both fails
// with Configuration, per spec §4.1.
func (r *Registry) Get(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		return nil, pgmlerr.New(pgmlerr.Configuration, "no database URL given and DATABASE_URL is not set")
	}

	r.mu.RLock()
	pool, ok := r.pools[url]
	r.mu.RUnlock()
	if ok {
		return pool, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock: another goroutine may have created it
	// while we waited.
	if pool, ok := r.pools[url]; ok {
		return pool, nil
	}

	pool, err := r.connect(ctx, url)
	if err != nil {
		return nil, err
	}
	r.pools[url] = pool
	return pool, nil
}

// Close closes every pool the registry has ever created. Intended for use
// at process shutdown or in tests; not part of the spec's normal lifecycle.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for url, pool := range r.pools {
		pool.Close()
		delete(r.pools, url)
	}
}

func (r *Registry) connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, pgmlerr.Wrap(pgmlerr.Configuration, "parse database URL", err)
	}

	config.MaxConns = r.opts.MaxConns
	config.MinConns = r.opts.MinConns
	config.ConnConfig.ConnectTimeout = r.opts.ConnectTimeout
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	var pool *pgxpool.Pool
	wait := retryBaseWait

	for attempt := 1; attempt <= maxRetries; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if pingErr := pool.Ping(ctx); pingErr == nil {
				r.log.Info("database connected", "attempt", attempt)
				break
			} else {
				err = pingErr
				pool.Close()
				pool = nil
			}
		}

		if attempt == maxRetries {
			return nil, pgmlerr.Wrap(pgmlerr.Configuration,
				fmt.Sprintf("database connection failed after %d attempts", maxRetries), err)
		}

		r.log.Warn("database connection failed, retrying",
			"attempt", attempt, "max_retries", maxRetries, "wait", wait.String(), "error", err)

		select {
		case <-ctx.Done():
			return nil, pgmlerr.Wrap(pgmlerr.Configuration, "context cancelled during connect", ctx.Err())
		case <-time.After(wait):
		}

		wait *= 2
		if wait > retryMaxWait {
			wait = retryMaxWait
		}
	}

	if err := checkExtensions(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func checkExtensions(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ext := range requiredExtensions {
		var exists bool
		err := pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = $1)", ext,
		).Scan(&exists)
		if err != nil {
			return pgmlerr.Wrap(pgmlerr.Configuration, fmt.Sprintf("check extension %q", ext), err)
		}
		if !exists {
			return pgmlerr.New(pgmlerr.Configuration, fmt.Sprintf("required extension %q is not installed", ext))
		}
	}
	return nil
}
