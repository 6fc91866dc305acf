package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"gmoodle/internal/config"
	appLog "gmoodle/internal/log"
	"gmoodle/internal/store/migrations"
)

// DB wraps the connection together with the dialect specific bits the
// repositories need.
type DB struct {
	*sql.DB
	dialect string
	builder sq.StatementBuilderType
}

// Open connects to the configured database and pings it.
func Open(ctx context.Context, cfg config.StorageConfig) (*DB, error) {
	var driverName, dialect string

	switch cfg.Driver {
	case "sqlite", "":
		driverName, dialect = "sqlite3", "sqlite3"
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	case "postgres":
		driverName, dialect = "pgx", "postgres"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	conn, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("error opening connection to DB: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error connecting database (ping): %w", err)
	}

	if dialect == "sqlite3" {
		// SQLite only supports one writer at a time.
		conn.SetMaxOpenConns(1)
	}

	appLog.Debug("connected to database", "driver", cfg.Driver)
	return NewDB(conn, dialect), nil
}

// NewDB wraps an existing connection. dialect is "sqlite3" or "postgres".
func NewDB(conn *sql.DB, dialect string) *DB {
	placeholder := sq.PlaceholderFormat(sq.Question)
	if dialect == "postgres" {
		placeholder = sq.Dollar
	}
	return &DB{
		DB:      conn,
		dialect: dialect,
		builder: sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

// Migrate applies the embedded goose migrations.
func (db *DB) Migrate(ctx context.Context) error {
	return migrations.Migrate(ctx, db.DB, db.dialect)
}

func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
