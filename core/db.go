package core

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"net/url"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

// SQLiteOptions are the connection parameters of a sqlite database.
type SQLiteOptions struct {
	// Mode is ro, rw, rwc or memory.
	Mode string
	// Cache is shared or private.
	Cache string
	// JournalMode is one of DELETE, TRUNCATE, PERSIST, MEMORY, WAL or OFF.
	JournalMode string
	// BusyTimeout is in milliseconds.
	BusyTimeout int
	// ForeignKeys turns on foreign key enforcement.
	ForeignKeys bool
}

func (o *SQLiteOptions) dsn(file string) string {
	q := url.Values{}
	if o != nil {
		if o.Mode != "" {
			q.Set("mode", o.Mode)
		}
		if o.Cache != "" {
			q.Set("cache", o.Cache)
		}
		if o.JournalMode != "" {
			q.Set("_journal_mode", o.JournalMode)
		}
		if o.BusyTimeout > 0 {
			q.Set("_busy_timeout", strconv.Itoa(o.BusyTimeout))
		}
		if o.ForeignKeys {
			q.Set("_foreign_keys", "on")
		}
	}
	if len(q) == 0 {
		return "file:" + file
	}
	return "file:" + file + "?" + q.Encode()
}

type SQLiteDB struct {
	*sql.DB
	file string
}

// OpenSQLite opens file and checks that the database answers.
func OpenSQLite(ctx context.Context, file string, opts *SQLiteOptions) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite3", opts.dsn(file))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", file, err)
	}
	if err := d.PingContext(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", file, err)
	}
	return &SQLiteDB{DB: d, file: file}, nil
}

// Migrate applies the pending migrations in migrations and returns the
// versions it applied.
func (db *SQLiteDB) Migrate(ctx context.Context, migrations fs.FS) ([]int64, error) {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db.DB, migrations)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate %s: %w", db.file, err)
	}
	applied := make([]int64, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Version)
	}
	return applied, nil
}
