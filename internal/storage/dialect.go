package storage

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

type dialect struct {
	name       string
	goose      string
	migrations string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var (
	dialectSQLite   = dialect{name: "sqlite", goose: "sqlite3", migrations: "migrations/sqlite"}
	dialectPostgres = dialect{name: "postgres", goose: "postgres", migrations: "migrations/postgres", numbered: true}
)

// rebind rewrites ? placeholders for dialects that number them.
// Queries in this package never contain a literal ?.
func (d dialect) rebind(q string) string {
	if !d.numbered || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// isUniqueViolation recognizes unique constraint errors from either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
