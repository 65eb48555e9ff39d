package credstore_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aussiebroadwan/carelink/pkg/credstore"
	"github.com/aussiebroadwan/carelink/pkg/cryptox"
	"github.com/aussiebroadwan/carelink/pkg/domain"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSealer(t *testing.T) *cryptox.Sealer {
	t.Helper()
	s, err := cryptox.NewSealer([]byte("credstore-test-key"), []byte("salt"))
	require.NoError(t, err)
	return s
}

func openSQLite(t *testing.T, path string) *credstore.SQLiteStore {
	t.Helper()
	s, err := credstore.NewSQLiteStore("file:"+path, newSealer(t))
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations())
	return s
}

func stores(t *testing.T) map[string]credstore.Store {
	t.Helper()
	sqliteStore := openSQLite(t, filepath.Join(t.TempDir(), "creds.db"))
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]credstore.Store{
		"memory": credstore.NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			_, err := s.Get(ctx, credstore.KeyAccessToken)
			require.ErrorIs(t, err, credstore.ErrNotFound)

			require.NoError(t, s.Set(ctx, credstore.KeyLanguage, "tr"))
			require.NoError(t, s.SetCredentials(ctx, domain.Credentials{
				AccessToken:  "access-1",
				RefreshToken: "refresh-1",
			}))

			got, err := s.Get(ctx, credstore.KeyAccessToken)
			require.NoError(t, err)
			require.Equal(t, "access-1", got)

			// Overwrite
			require.NoError(t, s.Set(ctx, credstore.KeyAccessToken, "access-2"))
			got, err = s.Get(ctx, credstore.KeyAccessToken)
			require.NoError(t, err)
			require.Equal(t, "access-2", got)

			require.NoError(t, s.Remove(ctx, credstore.KeyAccessToken))
			_, err = s.Get(ctx, credstore.KeyAccessToken)
			require.ErrorIs(t, err, credstore.ErrNotFound)

			// Clear drops the tokens but keeps the language preference.
			require.NoError(t, s.Clear(ctx))
			_, err = s.Get(ctx, credstore.KeyRefreshToken)
			require.ErrorIs(t, err, credstore.ErrNotFound)

			lang, err := s.Get(ctx, credstore.KeyLanguage)
			require.NoError(t, err)
			require.Equal(t, "tr", lang)
		})
	}
}

func TestSetCredentialsDropsEmptyToken(t *testing.T) {
	t.Parallel()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			require.NoError(t, s.SetCredentials(ctx, domain.Credentials{AccessToken: "a", RefreshToken: "r"}))
			require.NoError(t, s.SetCredentials(ctx, domain.Credentials{AccessToken: "a2"}))

			creds := credstore.ReadCredentials(ctx, s, nil)
			require.Equal(t, domain.Credentials{AccessToken: "a2"}, creds)
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "creds.db")

	first := openSQLite(t, path)
	require.NoError(t, first.SetCredentials(t.Context(), domain.Credentials{
		AccessToken:  "persisted-access",
		RefreshToken: "persisted-refresh",
	}))
	require.NoError(t, first.Close())

	second := openSQLite(t, path)
	defer second.Close()

	creds := credstore.ReadCredentials(t.Context(), second, nil)
	require.Equal(t, "persisted-access", creds.AccessToken)
	require.Equal(t, "persisted-refresh", creds.RefreshToken)
}

func TestSQLiteStoreSealsValuesAtRest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "creds.db")
	s := openSQLite(t, path)
	defer s.Close()

	require.NoError(t, s.Set(t.Context(), credstore.KeyAccessToken, "plain-secret"))

	raw, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer raw.Close()

	var value []byte
	require.NoError(t, raw.QueryRow(`SELECT value FROM credentials WHERE key = ?`, "access_token").Scan(&value))
	require.NotContains(t, string(value), "plain-secret")
}

func TestSQLiteStoreWrongKeyFailsOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "creds.db")
	s := openSQLite(t, path)
	require.NoError(t, s.Set(t.Context(), credstore.KeyAccessToken, "sealed-with-first-key"))
	require.NoError(t, s.Close())

	otherSealer, err := cryptox.NewSealer([]byte("another-device-key"), []byte("salt"))
	require.NoError(t, err)
	reopened, err := credstore.NewSQLiteStore("file:"+path, otherSealer)
	require.NoError(t, err)
	require.NoError(t, reopened.ApplyMigrations())
	defer reopened.Close()

	_, err = reopened.Get(t.Context(), credstore.KeyAccessToken)
	var storageErr *credstore.StorageError
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, "get", storageErr.Op)

	// Read paths treat the failure as "no credential".
	require.Empty(t, credstore.ReadToken(t.Context(), reopened, credstore.KeyAccessToken, nil))
}

func TestSQLiteStoreWriteFailureIsStorageError(t *testing.T) {
	t.Parallel()

	s := openSQLite(t, filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, s.Close())

	err := s.Set(context.Background(), credstore.KeyAccessToken, "x")
	var storageErr *credstore.StorageError
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, credstore.KeyAccessToken, storageErr.Key)

	err = s.SetCredentials(context.Background(), domain.Credentials{AccessToken: "a"})
	require.True(t, errors.As(err, &storageErr))
}

func TestNewSQLiteStoreRequiresSealer(t *testing.T) {
	t.Parallel()

	_, err := credstore.NewSQLiteStore("file:"+filepath.Join(t.TempDir(), "x.db"), nil)
	require.Error(t, err)
}
