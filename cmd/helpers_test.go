package main

import (
	"testing"

	"github.com/sells-group/grant-datastore/internal/cache"
	"github.com/sells-group/grant-datastore/internal/config"
	"github.com/sells-group/grant-datastore/internal/store/storetest"
)

func testConfig() *config.Config {
	return &config.Config{
		Store:  config.StoreConfig{Driver: "sqlite", SQLitePath: "unused.db"},
		Server: config.ServerConfig{Port: 8080, AllowedOrigins: []string{"*"}},
		Monitoring: config.MonitoringConfig{
			CheckIntervalSecs:       300,
			StaleSnapshotHours:      192,
			GrantDropThreshold:      0.2,
			IneligibleRateThreshold: 0.25,
		},
	}
}

// newTestEnv returns an environment over a migrated temp SQLite store.
func newTestEnv(t *testing.T) *appEnv {
	t.Helper()
	return newAppEnv(testConfig(), storetest.NewSQLite(t), cache.NewMemory())
}
