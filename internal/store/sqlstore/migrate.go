package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

//go:embed migrations/*/*.sql
var migrations embed.FS

// Migrate applies the dialect's pending migrations. 000 creates the
// schema_migrations table and records itself.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := path.Join("migrations", dialect.Name)
	entries, err := migrations.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	checkQuery := dialect.Rebind(queryMigrationApplied)
	recordQuery := dialect.Rebind(queryRecordMigration)

	for _, name := range files {
		version := strings.SplitN(name, "_", 2)[0]

		if version != "000" {
			var n int
			if err := db.QueryRowContext(ctx, checkQuery, version).Scan(&n); err != nil {
				return applied, errors.Wrapf(err, "check migration %s", name)
			}
			if n > 0 {
				logger.Debug("migration already applied", zap.String("migration", name))
				continue
			}
		}

		body, err := migrations.ReadFile(path.Join(dir, name))
		if err != nil {
			return applied, errors.Wrapf(err, "read %s", name)
		}

		logger.Info("applying migration", zap.String("migration", name), zap.String("dialect", dialect.Name))
		for _, stmt := range splitStatements(string(body)) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return applied, errors.Wrapf(err, "execute %s", name)
			}
		}

		if version == "000" {
			var n int
			if err := db.QueryRowContext(ctx, checkQuery, version).Scan(&n); err != nil {
				return applied, errors.Wrapf(err, "check migration %s", name)
			}
			if n > 0 {
				continue
			}
		}
		if _, err := db.ExecContext(ctx, recordQuery, version, time.Now().UnixMilli()); err != nil {
			return applied, errors.Wrapf(err, "record %s", name)
		}
		applied++
	}

	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(files)))
	return applied, nil
}

// splitStatements splits a migration on ';'. Migrations never contain
// semicolons inside literals.
func splitStatements(body string) []string {
	var out []string
	for _, s := range strings.Split(body, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
