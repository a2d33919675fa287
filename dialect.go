package zrel

import (
	"database/sql"
	"strconv"
	"strings"
	"sync"
)

// Dialect describes the few SQL differences the engine cares about.
type Dialect struct {
	Name string

	// DollarPlaceholders rewrites ? into $1, $2, ...
	DollarPlaceholders bool

	// Returning reports support for INSERT ... RETURNING.
	// Without it, generated keys are read from sql.Result.LastInsertId.
	Returning bool
}

var (
	Postgres = &Dialect{Name: "postgres", DollarPlaceholders: true, Returning: true}
	MySQL    = &Dialect{Name: "mysql"}
	SQLite   = &Dialect{Name: "sqlite3", Returning: true}
)

// DefaultDialect is used for connections that were not opened through Open
// and have no registered dialect.
var DefaultDialect = Postgres

var dialects sync.Map // *sql.DB -> *Dialect

// RegisterDialect associates a dialect with a connection pool.
func RegisterDialect(db *sql.DB, d *Dialect) {
	if db == nil || d == nil {
		return
	}
	dialects.Store(db, d)
}

// DialectFor returns the dialect matching a database/sql driver name, or nil.
func DialectFor(driverName string) *Dialect {
	switch driverName {
	case "pgx", "postgres", "postgresql":
		return Postgres
	case "mysql":
		return MySQL
	case "sqlite3", "sqlite":
		return SQLite
	}
	return nil
}

func dialectOf(db *sql.DB) *Dialect {
	if db != nil {
		if d, ok := dialects.Load(db); ok {
			return d.(*Dialect)
		}
	}
	return DefaultDialect
}

// Rebind converts ? placeholders for the dialect.
func (d *Dialect) Rebind(query string) string {
	if d == nil || !d.DollarPlaceholders {
		return query
	}
	return rebind(query)
}

// rebind converts ? placeholders to $1, $2, ... leaving quoted literals alone.
func rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 10)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			sb.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// writePlaceholders writes n comma separated ? placeholders.
func writePlaceholders(sb *strings.Builder, n int) {
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('?')
	}
}
