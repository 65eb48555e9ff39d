package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/aussiebroadwan/carelink/pkg/credstore/migrations"
	"github.com/aussiebroadwan/carelink/pkg/cryptox"
	"github.com/aussiebroadwan/carelink/pkg/domain"
)

// SQLiteStore persists values in a SQLite file. Every value is sealed with
// AES-GCM before it reaches disk.
type SQLiteStore struct {
	db     *sql.DB
	sealer *cryptox.Sealer
}

// NewSQLiteStore opens the database at dsn. Call ApplyMigrations before use.
func NewSQLiteStore(dsn string, sealer *cryptox.Sealer) (*SQLiteStore, error) {
	if sealer == nil {
		return nil, errors.New("credstore: sealer is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// A single connection serialises writers and keeps the
	// check-then-write sequences inside WithTx atomic.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db, sealer: sealer}, nil
}

// ApplyMigrations applies pending schema migrations from the embedded files.
func (s *SQLiteStore) ApplyMigrations() error {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	source, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return err
	}

	instance, err := migrate.NewWithInstance("iofs", source, "", driver)
	if err != nil {
		return err
	}

	err = instance.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (string, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, string(key)).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &StorageError{Op: "get", Key: key, Err: err}
	}

	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return "", &StorageError{Op: "get", Key: key, Err: err}
	}
	return string(plain), nil
}

func (s *SQLiteStore) Set(ctx context.Context, key Key, value string) error {
	if err := s.put(ctx, s.db, key, value); err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key Key) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, string(key)); err != nil {
		return &StorageError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) SetCredentials(ctx context.Context, creds domain.Credentials) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, kv := range []struct {
			key   Key
			value string
		}{
			{KeyAccessToken, creds.AccessToken},
			{KeyRefreshToken, creds.RefreshToken},
		} {
			if kv.value == "" {
				if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, string(kv.key)); err != nil {
					return err
				}
				continue
			}
			if err := s.put(ctx, tx, kv.key, kv.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &StorageError{Op: "set credentials", Err: err}
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM credentials WHERE key IN (?, ?)`,
			string(KeyAccessToken), string(KeyRefreshToken),
		)
		return err
	})
	if err != nil {
		return &StorageError{Op: "clear", Err: err}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) put(ctx context.Context, ex execer, key Key, value string) error {
	sealed, err := s.sealer.Seal([]byte(value))
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(key), sealed, time.Now().UTC(),
	)
	return err
}

// withTx executes fn within a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
