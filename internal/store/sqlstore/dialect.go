package sqlstore

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Dialect captures the few places where the supported engines disagree.
// Everything that matters for coordination is an ordinary conditional UPDATE
// and behaves the same on all of them.
type Dialect struct {
	Name       string
	DriverName string

	dollarPlaceholders bool
	insertIgnore       bool
	nowMillis          string
}

var (
	Postgres = Dialect{
		Name:               "postgres",
		DriverName:         "postgres",
		dollarPlaceholders: true,
		nowMillis:          "SELECT CAST(EXTRACT(EPOCH FROM clock_timestamp()) * 1000 AS BIGINT)",
	}
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		nowMillis:  "SELECT CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)",
	}
	MySQL = Dialect{
		Name:         "mysql",
		DriverName:   "mysql",
		insertIgnore: true,
		nowMillis:    "SELECT CAST(UNIX_TIMESTAMP(NOW(3)) * 1000 AS SIGNED)",
	}
)

func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "mysql":
		return MySQL, nil
	}
	return Dialect{}, errors.Newf("unsupported database driver %q", name)
}

// Rebind rewrites '?' placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if !d.dollarPlaceholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d Dialect) insertIfAbsent(table, columns string, n int) string {
	values := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
	if d.insertIgnore {
		return "INSERT IGNORE INTO " + table + " (" + columns + ") VALUES (" + values + ")"
	}
	return "INSERT INTO " + table + " (" + columns + ") VALUES (" + values + ") ON CONFLICT DO NOTHING"
}
