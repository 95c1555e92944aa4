package store

import (
	_ "embed"
)

//go:embed migrations/postgres.sql
var postgresSchema string

//go:embed migrations/sqlite.sql
var sqliteSchema string

// migrationLockID is the advisory lock held while the Postgres schema is applied.
const migrationLockID = 4_711_042

// promotionLockID serializes promotions across processes.
const promotionLockID = 4_711_043
