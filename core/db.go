package core

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteConfig describes how the chat database is opened.
type SQLiteConfig struct {
	File string
	// WAL switches the journal to write-ahead logging so readers do not
	// block the single writer.
	WAL         bool
	BusyTimeout time.Duration
	MaxOpen     int
}

func (c SQLiteConfig) dsn() string {
	q := url.Values{}
	q.Set("mode", "rwc")
	q.Set("_foreign_keys", "on")
	if c.WAL {
		q.Set("_journal_mode", "WAL")
	}
	if c.BusyTimeout > 0 {
		q.Set("_busy_timeout", strconv.FormatInt(c.BusyTimeout.Milliseconds(), 10))
	}
	return "file:" + c.File + "?" + q.Encode()
}

// OpenSQLite opens the database, checks that it is reachable and brings the
// schema up to date.
func OpenSQLite(ctx context.Context, c SQLiteConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", c.dsn())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.File, err)
	}
	if c.MaxOpen > 0 {
		db.SetMaxOpenConns(c.MaxOpen)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", c.File, err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
