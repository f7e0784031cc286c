// Package mirror implements the optional SQL write-through/load-on-start
// sidecar: it keeps a relational backing store in eventual sync with
// the in-memory entity graph and RBAC table. Dialect selection is by
// connection-string scheme, following the parse-then-dispatch shape of
// pkg/dbcapabilities/connection_parser.go, generalized from that
// package's many capability profiles down to the four dialects named.
package mirror

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

// Dialect identifies one of the four supported backing-store families.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectMSSQL    Dialect = "sqlserver"
	DialectSQLite   Dialect = "sqlite"
)

// detect maps a connection string's scheme prefix to a dialect and the
// database/sql driver name that serves it, and rewrites the connection
// string into the form that driver expects.
func detect(connStr string) (Dialect, string, string, error) {
	lower := strings.ToLower(connStr)
	switch {
	case strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, "pgx", connStr, nil
	case strings.HasPrefix(lower, "mysql://"):
		dsn := strings.TrimPrefix(connStr, "mysql://")
		return DialectMySQL, "mysql", dsn, nil
	case strings.HasPrefix(lower, "sqlserver://"):
		return DialectMSSQL, "sqlserver", connStr, nil
	case strings.HasPrefix(lower, "sqlite://"):
		path := strings.TrimPrefix(connStr, "sqlite://")
		return DialectSQLite, "sqlite", path, nil
	default:
		u, err := url.Parse(connStr)
		if err != nil || u.Scheme == "" {
			return "", "", "", fmt.Errorf("mirror: cannot determine dialect from connection string %q", connStr)
		}
		return "", "", "", fmt.Errorf("mirror: unsupported connection string scheme %q", u.Scheme)
	}
}

// placeholder renders the n-th (1-based) bind parameter for d's driver.
func (d Dialect) placeholder(n int) string {
	switch d {
	case DialectPostgres:
		return fmt.Sprintf("$%d", n)
	case DialectMSSQL:
		return fmt.Sprintf("@p%d", n)
	default: // MySQL, SQLite
		return "?"
	}
}

// open dials the backing store and returns its dialect alongside the
// *sql.DB handle.
func open(connStr string) (Dialect, *sql.DB, error) {
	dialect, driver, dsn, err := detect(connStr)
	if err != nil {
		return "", nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return "", nil, fmt.Errorf("mirror: open %s: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return "", nil, fmt.Errorf("mirror: ping %s: %w", dialect, err)
	}
	return dialect, db, nil
}
