// Package migrations embeds the SQL schema into the binary, one directory
// per database dialect.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

//go:embed postgres/*.sql
var postgresFS embed.FS

// ForDriver returns the migration files for a database driver name
// ("sqlite3" or "pgx"), rooted so the .sql files sit at ".".
func ForDriver(driver string) (fs.FS, error) {
	switch driver {
	case "sqlite3", "":
		return fs.Sub(sqliteFS, "sqlite")
	case "pgx", "postgres":
		return fs.Sub(postgresFS, "postgres")
	default:
		return nil, fmt.Errorf("migrations: no schema for driver %q", driver)
	}
}
