package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aussiebroadwan/carelink/pkg/domain"
)

// Key names a durable value.
type Key string

const (
	KeyAccessToken  Key = "access_token"
	KeyRefreshToken Key = "refresh_token"
	KeyLanguage     Key = "language"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("credstore: not found")

// StorageError reports that the underlying storage failed. Read paths treat it
// like ErrNotFound; write paths surface it to the triggering operation.
type StorageError struct {
	Op  string
	Key Key
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("credstore: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("credstore: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store is durable key-value storage for the session credentials and the
// language preference. Implementations are safe for concurrent use.
//
// Only the refresh coordinator and the login/logout flows write credentials.
type Store interface {
	// Get returns ErrNotFound for an absent key and *StorageError when the
	// storage itself fails.
	Get(ctx context.Context, key Key) (string, error)
	Set(ctx context.Context, key Key, value string) error
	Remove(ctx context.Context, key Key) error

	// SetCredentials writes both tokens atomically.
	SetCredentials(ctx context.Context, creds domain.Credentials) error

	// Clear removes both tokens atomically. Other keys are kept.
	Clear(ctx context.Context) error

	Close() error
}

// ReadToken reads key and fails open: an absent value and a storage failure
// both come back as "". Storage failures are logged.
func ReadToken(ctx context.Context, s Store, key Key, logger *slog.Logger) string {
	value, err := s.Get(ctx, key)
	if err == nil {
		return value
	}
	if !errors.Is(err, ErrNotFound) {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("credential read failed, treating as absent", "key", key, "error", err)
	}
	return ""
}

// ReadCredentials reads both tokens with ReadToken semantics.
func ReadCredentials(ctx context.Context, s Store, logger *slog.Logger) domain.Credentials {
	return domain.Credentials{
		AccessToken:  ReadToken(ctx, s, KeyAccessToken, logger),
		RefreshToken: ReadToken(ctx, s, KeyRefreshToken, logger),
	}
}
