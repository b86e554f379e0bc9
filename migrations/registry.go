package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	persistence "github.com/goliatone/go-persistence-bun"

	hooks "github.com/goliatone/go-hooks"
	"github.com/goliatone/go-hooks/core"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	root = "data/sql/migrations"
)

// Tables lists the tables the hook schema creates, in creation order.
var Tables = []string{
	"hook_events",
	"hook_idempotency_claims",
	"hook_processed_markers",
	"hook_jobs",
}

// Dialect maps a store.driver value to the migration dialect it uses.
func Dialect(storeDriver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(storeDriver)) {
	case core.StoreDriverSQLite, "sqlite3":
		return DialectSQLite, nil
	case core.StoreDriverPostgres, "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("migrations: store driver %q has no sql schema", storeDriver)
	}
}

// Filesystem returns the migration files for one dialect. Postgres files sit
// at the root of data/sql/migrations, sqlite overrides under sqlite/. A
// custom source replaces the embedded schema.
func Filesystem(dialect string, source ...fs.FS) (fs.FS, error) {
	base := hooks.GetMigrationsFS()
	if len(source) > 0 && source[0] != nil {
		base = source[0]
	}
	dir := root
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case DialectPostgres:
	case DialectSQLite:
		dir = root + "/sqlite"
	default:
		return nil, fmt.Errorf("migrations: unknown dialect %q", dialect)
	}

	sub, err := fs.Sub(base, dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", dir, err)
	}
	matches, err := fs.Glob(sub, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("migrations: %s has no *.up.sql files", dir)
	}
	return sub, nil
}

type RegisterFunc func(ctx context.Context, dialect string, fsys fs.FS) error

// Register hands the filesystem of each requested dialect to fn. With no
// dialects both are registered.
func Register(ctx context.Context, fn RegisterFunc, dialects ...string) error {
	if fn == nil {
		return fmt.Errorf("migrations: register function is required")
	}
	if len(dialects) == 0 {
		dialects = []string{DialectPostgres, DialectSQLite}
	}
	seen := map[string]bool{}
	for _, dialect := range dialects {
		dialect = strings.ToLower(strings.TrimSpace(dialect))
		if dialect == "" || seen[dialect] {
			continue
		}
		seen[dialect] = true
		fsys, err := Filesystem(dialect)
		if err != nil {
			return err
		}
		if err := fn(ctx, dialect, fsys); err != nil {
			return fmt.Errorf("migrations: register %s: %w", dialect, err)
		}
	}
	return nil
}

// Apply registers the dialect's schema with the persistence client and runs
// its migrations.
func Apply(ctx context.Context, client *persistence.Client, dialect string) error {
	if client == nil {
		return fmt.Errorf("migrations: persistence client is required")
	}
	err := Register(ctx, func(_ context.Context, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, dialect)
	if err != nil {
		return err
	}
	return client.Migrate(ctx)
}
