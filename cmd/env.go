package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grant-datastore/internal/cache"
	"github.com/sells-group/grant-datastore/internal/checker"
	"github.com/sells-group/grant-datastore/internal/config"
	"github.com/sells-group/grant-datastore/internal/entity"
	"github.com/sells-group/grant-datastore/internal/ingest"
	"github.com/sells-group/grant-datastore/internal/ledger"
	"github.com/sells-group/grant-datastore/internal/monitoring"
	"github.com/sells-group/grant-datastore/internal/promote"
	"github.com/sells-group/grant-datastore/internal/rollup"
	"github.com/sells-group/grant-datastore/internal/store"
)

// appEnv holds the components shared by every command.
type appEnv struct {
	cfg     *config.Config
	store   store.Store
	cache   cache.Cache
	metrics *monitoring.Metrics
}

// initStore opens the configured database backend.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// openEnv validates config, opens and migrates the store and connects the
// rollup cache.
func openEnv(ctx context.Context, c *config.Config, mode string) (*appEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	ch, err := cache.New(ctx, c.Cache)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return newAppEnv(c, st, ch), nil
}

func newAppEnv(c *config.Config, st store.Store, ch cache.Cache) *appEnv {
	return &appEnv{cfg: c, store: st, cache: ch, metrics: monitoring.NewMetrics()}
}

// Close releases the cache connection and the store.
func (e *appEnv) Close() {
	if cl, ok := e.cache.(io.Closer); ok {
		if err := cl.Close(); err != nil {
			zap.L().Warn("close cache", zap.Error(err))
		}
	}
	if err := e.store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func (e *appEnv) ledger() *ledger.Ledger {
	return ledger.New(e.store, e.cache)
}

func (e *appEnv) promoter() *promote.Promoter {
	return promote.New(e.store, promote.WithCache(e.cache), promote.WithRecorder(e.metrics))
}

func (e *appEnv) rebuilder() *entity.Rebuilder {
	return entity.NewRebuilder(e.store, e.store, e.cache)
}

func (e *appEnv) rollups() *rollup.Service {
	return rollup.NewService(e.store, e.cache, e.cfg.Rollup)
}

func (e *appEnv) loader(chk checker.Checker) *ingest.Loader {
	return ingest.NewLoader(e.store, chk, e.cfg.Ingest)
}

func (e *appEnv) rechecker(chk checker.Checker) *ingest.Rechecker {
	return ingest.NewRechecker(e.store, chk, e.cache)
}

// withEnv opens the environment for the duration of fn.
func withEnv(ctx context.Context, fn func(*appEnv) error) error {
	env, err := openEnv(ctx, cfg, "store")
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
