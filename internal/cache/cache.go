// Package cache provides the read-through cache used by rollups. Every
// data-mutating operation clears it wholesale.
package cache

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// Cache is the port injected into rollup and mutation paths.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Clear(ctx context.Context) error
}

// Config selects and tunes a cache backend.
type Config struct {
	Backend string      `yaml:"backend" mapstructure:"backend"` // memory, redis, none
	Redis   RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// Key joins key parts with ':'.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// New builds the cache named by cfg.Backend.
func New(ctx context.Context, cfg Config) (Cache, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemory(), nil
	case "none", "noop":
		return Noop{}, nil
	case "redis":
		return NewRedis(ctx, cfg.Redis)
	default:
		return nil, eris.Errorf("cache: unknown backend %q (valid: memory, redis, none)", cfg.Backend)
	}
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte) error         { return nil }
func (Noop) Clear(context.Context) error                       { return nil }
