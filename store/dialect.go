package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Dialect captures the per-engine differences of the SQL store.
type Dialect struct {
	Name   string
	Driver string
	schema string
	rebind bool
}

var (
	// SQLite runs on modernc.org/sqlite.
	SQLite = Dialect{Name: "sqlite", Driver: "sqlite", schema: "schema/sqlite.sql"}
	// Postgres runs on the pgx stdlib driver.
	Postgres = Dialect{Name: "postgres", Driver: "pgx", schema: "schema/postgres.sql", rebind: true}
)

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return Dialect{}, errors.New("unsupported sql dialect: " + name)
	}
}

// Rebind rewrites ? placeholders into the dialect's positional form.
func (d Dialect) Rebind(query string) string {
	if !d.rebind {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) statements() ([]string, error) {
	raw, err := schemaFS.ReadFile(d.schema)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(string(raw), ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out, nil
}

type sqlExecContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (d Dialect) ensureSchema(ctx context.Context, exec sqlExecContext) error {
	stmts, err := d.statements()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
