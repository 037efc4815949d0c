package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type OpenOptions struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	// BusyTimeout applies to sqlite only.
	BusyTimeout time.Duration
}

// Open connects to dsn with the dialect's driver and verifies the connection.
func Open(ctx context.Context, dialect Dialect, dsn string, opts OpenOptions) (*sql.DB, error) {
	if dialect.Name == MySQL.Name {
		var err error
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dialect.Name)
	}

	switch dialect.Name {
	case SQLite.Name:
		// One writer; conditional updates serialize through this connection.
		db.SetMaxOpenConns(1)
		if err := sqlitePragmas(ctx, db, opts.BusyTimeout); err != nil {
			db.Close()
			return nil, err
		}
	default:
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
			db.SetMaxIdleConns(opts.MaxOpenConns)
		}
		if opts.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s", dialect.Name)
	}
	return db, nil
}

// mysqlDSN makes UPDATE report matched rather than changed rows, so a lease
// renewal that rewrites the same expiry still counts as owned.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql dsn")
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

func sqlitePragmas(ctx context.Context, db *sql.DB, busy time.Duration) error {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return errors.Wrapf(err, "sqlite %s", p)
		}
	}
	return nil
}
