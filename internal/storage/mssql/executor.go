// Package mssql implements storage.Executor for Microsoft SQL Server.
//
// Materialization uses SELECT ... INTO, since SQL Server has no CREATE TABLE
// AS. The "sqlserver" database/sql driver is registered by go-mssqldb.
package mssql

import (
	"context"
	"database/sql"

	_ "github.com/microsoft/go-mssqldb"

	"linkage/internal/storage"
)

// maxBindParams is SQL Server's limit of 2100 parameters per request, minus
// headroom for the driver.
const maxBindParams = 2000

func init() {
	storage.Register("mssql", New)
}

// New constructs an executor using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Executor, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	conns := cfg.MaxOpenConns
	if conns <= 0 {
		conns = 16
	}
	raw.SetMaxOpenConns(conns)
	raw.SetMaxIdleConns(conns)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return storage.NewSQLExecutor(raw, Dialect{}, storage.Capabilities{
		SupportsSaltedBlocking: true,
		MaxBindParams:          maxBindParams,
	}), nil
}
