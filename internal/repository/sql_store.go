package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"delegate-assistant/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// SQLStore keeps conversations, the transcript, the catalog and dialogue
// sessions in one relational database. SQLite and PostgreSQL are supported.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// OpenSQL connects, pings and migrates. For SQLite, dsn is a file path.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	driver = strings.TrimSpace(driver)
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("repository: dsn must not be empty")
	}
	switch driver {
	case DriverSQLite:
		if path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?"); path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("repository: create dir: %w", err)
			}
		}
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("repository: unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time; a second connection would only hit SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping %s: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) migrate(ctx context.Context) error {
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for i, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("execute schema statement %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) rebind(query string) string {
	return s.db.Rebind(query)
}

// lookupErr maps sql.ErrNoRows to domain.ErrNotFound.
func lookupErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("repository: %s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("repository: %s: %w", op, err)
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
