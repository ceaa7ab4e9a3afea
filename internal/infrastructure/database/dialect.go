package database

import (
	"strconv"
	"strings"
)

// Dialect identifies the SQL flavour spoken by the active driver.
type Dialect int

// Supported dialects.
const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// String returns the driver name of the dialect.
func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	default:
		return "sqlite3"
	}
}

// SupportsSkipLocked reports whether SELECT ... FOR UPDATE SKIP LOCKED is
// available. SQLite serialises writers with BEGIN IMMEDIATE instead.
func (d Dialect) SupportsSkipLocked() bool {
	return d == DialectPostgres
}

// Rebind rewrites ? placeholders into $1, $2, ... for PostgreSQL.
// Question marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// LockClause returns the row-locking suffix for batch pollers.
func (d Dialect) LockClause() string {
	if d.SupportsSkipLocked() {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}
