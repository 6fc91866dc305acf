package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmoodle/internal/config"
	"gmoodle/internal/model"
)

func newSQLiteRepo(t *testing.T) *AccountRepository {
	t.Helper()

	ctx := context.Background()
	db, err := Open(ctx, config.StorageConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "data", "gmoodle.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(ctx))
	return NewAccountRepository(db)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Driver: "oracle", DSN: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestAccountRepository_GetNotFound(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery(`SELECT (.+) FROM accounts WHERE id = \?`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(accountColumns))

	repo := NewAccountRepository(NewDB(conn, "sqlite3"))
	_, err = repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_GetScansRow(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	applied := time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT (.+) FROM accounts WHERE id = \?`).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow(
			"42", "Ada", "", `["ada@example.com"]`, "refresh", "", nil,
			"ada", "secret", "https://moodle.example", true, 3, applied, 2,
		))

	repo := NewAccountRepository(NewDB(conn, "sqlite3"))
	acc, err := repo.Get(context.Background(), "42")
	require.NoError(t, err)

	assert.Equal(t, "Ada", acc.Profile.DisplayName)
	assert.Equal(t, []string{"ada@example.com"}, acc.Profile.Emails)
	assert.Equal(t, "refresh", acc.RefreshToken)
	assert.True(t, acc.AccessTokenExpiry.IsZero())
	assert.Equal(t, "https://moodle.example", acc.Moodle.SiteURL)
	assert.True(t, acc.AutoSync)
	assert.Equal(t, 3, acc.ApplicationCount)
	assert.Equal(t, applied, acc.LastAppliedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_UpdateUnknownAccount(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec(`UPDATE accounts SET auto_sync = \?, updated_at = CURRENT_TIMESTAMP WHERE id = \?`).
		WithArgs(true, "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewAccountRepository(NewDB(conn, "sqlite3"))
	err = repo.SetAutoSync(context.Background(), "ghost", true)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_ExecError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	boom := errors.New("disk full")
	mock.ExpectExec(`UPDATE accounts SET`).WillReturnError(boom)

	repo := NewAccountRepository(NewDB(conn, "sqlite3"))
	err = repo.RecordApplication(context.Background(), "42", time.Now())
	assert.ErrorIs(t, err, boom)
}

func TestAccountRepository_PostgresPlaceholders(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec(`UPDATE accounts SET auto_sync = \$1, updated_at = CURRENT_TIMESTAMP WHERE id = \$2`).
		WithArgs(false, "42").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewAccountRepository(NewDB(conn, "postgres"))
	require.NoError(t, repo.SetAutoSync(context.Background(), "42", false))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t)

	expiry := time.Date(2024, 9, 7, 12, 0, 0, 0, time.UTC)
	profile := model.Profile{DisplayName: "Ada", Emails: []string{"ada@example.com"}}
	require.NoError(t, repo.SaveLogin(ctx, "42", profile, Tokens{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Expiry:       expiry,
	}))

	acc, err := repo.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", acc.RefreshToken)
	assert.Equal(t, "access-1", acc.AccessToken)
	assert.True(t, expiry.Equal(acc.AccessTokenExpiry))
	assert.Equal(t, model.CurrentSchemaVersion, acc.SchemaVersion)
	assert.True(t, acc.Moodle.Empty())

	t.Run("login without refresh token keeps the stored one", func(t *testing.T) {
		require.NoError(t, repo.SaveLogin(ctx, "42", model.Profile{DisplayName: "Ada L."}, Tokens{AccessToken: "access-2"}))

		acc, err := repo.Get(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, "refresh-1", acc.RefreshToken)
		assert.Equal(t, "access-2", acc.AccessToken)
		assert.Equal(t, "Ada L.", acc.Profile.DisplayName)
		assert.Empty(t, acc.Profile.Emails)
	})

	t.Run("moodle settings are only written once", func(t *testing.T) {
		first := model.MoodleSettings{Username: "ada", Password: "pw", SiteURL: "https://moodle.example"}
		saved, err := repo.SaveMoodleIfEmpty(ctx, "42", first)
		require.NoError(t, err)
		assert.True(t, saved)

		saved, err = repo.SaveMoodleIfEmpty(ctx, "42", model.MoodleSettings{Username: "other", Password: "x", SiteURL: "https://other.example"})
		require.NoError(t, err)
		assert.False(t, saved)

		acc, err := repo.Get(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, first, acc.Moodle)

		_, err = repo.SaveMoodleIfEmpty(ctx, "nobody", first)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("applications advance the counter", func(t *testing.T) {
		at := time.Date(2024, 9, 8, 0, 15, 0, 0, time.UTC)
		require.NoError(t, repo.RecordApplication(ctx, "42", at))
		require.NoError(t, repo.RecordApplication(ctx, "42", at.Add(time.Hour)))

		acc, err := repo.Get(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, 2, acc.ApplicationCount)
		assert.True(t, at.Add(time.Hour).Equal(acc.LastAppliedAt))

		assert.ErrorIs(t, repo.RecordApplication(ctx, "nobody", at), ErrAccountNotFound)
	})

	t.Run("refreshed access token is persisted", func(t *testing.T) {
		next := expiry.Add(time.Hour)
		require.NoError(t, repo.SaveAccessToken(ctx, "42", "access-3", next))

		acc, err := repo.Get(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, "access-3", acc.AccessToken)
		assert.True(t, next.Equal(acc.AccessTokenExpiry))
	})
}

func TestAccountRepository_ListAutoSync(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t)

	require.NoError(t, repo.SaveLogin(ctx, "u1", model.Profile{}, Tokens{RefreshToken: "r1"}))
	require.NoError(t, repo.SaveLogin(ctx, "u2", model.Profile{}, Tokens{RefreshToken: "r2"}))
	require.NoError(t, repo.SaveLogin(ctx, "u3", model.Profile{}, Tokens{RefreshToken: "r3"}))
	require.NoError(t, repo.SaveLogin(ctx, "u4", model.Profile{}, Tokens{}))

	require.NoError(t, repo.SetAutoSync(ctx, "u1", true))
	require.NoError(t, repo.SetAutoSync(ctx, "u3", true))
	require.NoError(t, repo.SetAutoSync(ctx, "u4", true))

	accounts, err := repo.ListAutoSync(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"u1", "u3"}, ids)
}

func TestAccountRepository_GetMissingSQLite(t *testing.T) {
	repo := newSQLiteRepo(t)
	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
