// Package all registers every storage backend.
package all

import (
	_ "linkage/internal/storage/mssql"
	_ "linkage/internal/storage/postgres"
	_ "linkage/internal/storage/sqlite"
)
