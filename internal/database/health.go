package database

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Probe reports whether one backing store is reachable.
type Probe func(ctx context.Context) error

// Checker runs readiness probes against the stores the service depends on.
type Checker struct {
	timeout time.Duration
	names   []string
	probes  map[string]Probe
}

// NewChecker creates a new Checker with a per-check timeout.
func NewChecker(timeout time.Duration) *Checker {
	return &Checker{timeout: timeout, probes: make(map[string]Probe)}
}

// NewStoreChecker probes PostgreSQL and Redis.
func NewStoreChecker(pool *pgxpool.Pool, rdb *redis.Client, timeout time.Duration) *Checker {
	return NewChecker(timeout).
		Add("postgres", pool.Ping).
		Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
}

// Add registers a named probe.
func (c *Checker) Add(name string, p Probe) *Checker {
	if _, ok := c.probes[name]; !ok {
		c.names = append(c.names, name)
	}
	c.probes[name] = p
	return c
}

// Check runs every probe concurrently and returns "ok" or the error text per
// store, plus whether all of them passed.
func (c *Checker) Check(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		healthy = true
		status  = make(map[string]string, len(c.names))
	)
	for _, name := range c.names {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			result := "ok"
			if err := probe(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			status[name] = result
			if result != "ok" {
				healthy = false
			}
		}(name, c.probes[name])
	}
	wg.Wait()
	return status, healthy
}
