package hooks

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the SQL schema for events, idempotency claims,
// processed markers and queued jobs, with sqlite variants under
// data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

func GetMigrationsFS() fs.FS {
	return migrationsFS
}
