// Package sqlite implements storage.Executor on modernc.org/sqlite.
//
// Key design points vs Postgres:
//   - SQLite runs every statement on one writer; salting an all-pairs join buys
//     nothing, so Capabilities.SupportsSaltedBlocking is false.
//   - In-memory databases exist per connection. The pool is capped at one
//     connection for ":memory:" DSNs so every materialized table stays visible.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"linkage/internal/storage"
)

// maxBindParams is SQLITE_MAX_VARIABLE_NUMBER for modernc builds.
const maxBindParams = 32766

func init() {
	storage.Register("sqlite", New)
}

// New opens a SQLite executor for cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Executor, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	switch {
	case isMemoryDSN(cfg.DSN):
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return storage.NewSQLExecutor(db, Dialect{}, storage.Capabilities{
		SupportsSaltedBlocking: false,
		MaxBindParams:          maxBindParams,
	}), nil
}

func isMemoryDSN(dsn string) bool {
	d := strings.TrimSpace(dsn)
	return d == "" || strings.Contains(d, ":memory:") || strings.Contains(d, "mode=memory")
}
