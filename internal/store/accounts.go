package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"gmoodle/internal/model"
)

// Tokens are the OAuth credentials captured at interactive login.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Accounts is the persistence boundary for user accounts.
type Accounts interface {
	Get(ctx context.Context, id string) (model.Account, error)
	ListAutoSync(ctx context.Context) ([]model.Account, error)
	// SaveLogin upserts the account. An empty refresh token never replaces
	// a stored one.
	SaveLogin(ctx context.Context, id string, profile model.Profile, tokens Tokens) error
	// SaveMoodleIfEmpty stores settings only when none are on record and
	// reports whether it wrote them.
	SaveMoodleIfEmpty(ctx context.Context, id string, settings model.MoodleSettings) (bool, error)
	RecordApplication(ctx context.Context, id string, at time.Time) error
	SaveAccessToken(ctx context.Context, id string, token string, expiry time.Time) error
	SetAutoSync(ctx context.Context, id string, enabled bool) error
}

const accountsTable = "accounts"

var accountColumns = []string{
	"id",
	"display_name",
	"picture",
	"emails",
	"refresh_token",
	"access_token",
	"access_token_expiry",
	"moodle_username",
	"moodle_password",
	"moodle_site_url",
	"auto_sync",
	"application_count",
	"last_applied_at",
	"schema_version",
}

// AccountRepository implements Accounts on top of a DB.
type AccountRepository struct {
	db *DB
}

func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

var _ Accounts = (*AccountRepository)(nil)

func (r *AccountRepository) Get(ctx context.Context, id string) (model.Account, error) {
	query, args, err := r.db.builder.
		Select(accountColumns...).
		From(accountsTable).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return model.Account{}, fmt.Errorf("%w: %w", ErrBuildingSQLQuery, err)
	}

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, err
	}
	if err := acc.Validate(); err != nil {
		return model.Account{}, fmt.Errorf("account %s: %w", id, err)
	}
	return acc, nil
}

// ListAutoSync returns accounts with auto-sync on and a refresh token on
// record, ordered by id. Rows that fail validation are skipped.
func (r *AccountRepository) ListAutoSync(ctx context.Context) ([]model.Account, error) {
	query, args, err := r.db.builder.
		Select(accountColumns...).
		From(accountsTable).
		Where(sq.Eq{"auto_sync": true}).
		Where(sq.NotEq{"refresh_token": ""}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildingSQLQuery, err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing auto-sync accounts: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		if acc.Validate() != nil {
			continue
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return out, nil
}

func (r *AccountRepository) SaveLogin(ctx context.Context, id string, profile model.Profile, tokens Tokens) error {
	acc := model.Account{ID: id, SchemaVersion: model.CurrentSchemaVersion}
	if err := acc.Validate(); err != nil {
		return err
	}

	emails, err := json.Marshal(nonNil(profile.Emails))
	if err != nil {
		return fmt.Errorf("error encoding emails: %w", err)
	}

	query, args, err := r.db.builder.
		Insert(accountsTable).
		Columns("id", "display_name", "picture", "emails", "refresh_token", "access_token", "access_token_expiry", "schema_version").
		Values(id, profile.DisplayName, profile.Picture, string(emails), tokens.RefreshToken, tokens.AccessToken, nullTime(tokens.Expiry), model.CurrentSchemaVersion).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			picture = excluded.picture,
			emails = excluded.emails,
			refresh_token = CASE WHEN excluded.refresh_token <> '' THEN excluded.refresh_token ELSE accounts.refresh_token END,
			access_token = excluded.access_token,
			access_token_expiry = excluded.access_token_expiry,
			schema_version = excluded.schema_version,
			updated_at = CURRENT_TIMESTAMP`).
		ToSql()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBuildingSQLQuery, err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("error saving login for %s: %w", id, err)
	}
	return nil
}

func (r *AccountRepository) SaveMoodleIfEmpty(ctx context.Context, id string, settings model.MoodleSettings) (bool, error) {
	if settings.Empty() {
		return false, nil
	}

	query, args, err := r.db.builder.
		Update(accountsTable).
		Set("moodle_username", settings.Username).
		Set("moodle_password", settings.Password).
		Set("moodle_site_url", settings.SiteURL).
		Set("updated_at", sq.Expr("CURRENT_TIMESTAMP")).
		Where(sq.Eq{"id": id}).
		Where(sq.Or{
			sq.Eq{"moodle_username": ""},
			sq.Eq{"moodle_password": ""},
			sq.Eq{"moodle_site_url": ""},
		}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrBuildingSQLQuery, err)
	}

	n, err := r.exec(ctx, query, args)
	if err != nil {
		return false, fmt.Errorf("error saving moodle settings for %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}
	if err := r.exists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *AccountRepository) RecordApplication(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"application_count": sq.Expr("application_count + 1"),
		"last_applied_at":   at.UTC(),
	})
}

func (r *AccountRepository) SaveAccessToken(ctx context.Context, id string, token string, expiry time.Time) error {
	return r.update(ctx, id, map[string]any{
		"access_token":        token,
		"access_token_expiry": nullTime(expiry),
	})
}

func (r *AccountRepository) SetAutoSync(ctx context.Context, id string, enabled bool) error {
	return r.update(ctx, id, map[string]any{"auto_sync": enabled})
}

func (r *AccountRepository) update(ctx context.Context, id string, set map[string]any) error {
	set["updated_at"] = sq.Expr("CURRENT_TIMESTAMP")

	query, args, err := r.db.builder.
		Update(accountsTable).
		SetMap(set).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBuildingSQLQuery, err)
	}

	n, err := r.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("error updating account %s: %w", id, err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *AccountRepository) exec(ctx context.Context, query string, args []any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *AccountRepository) exists(ctx context.Context, id string) error {
	query, args, err := r.db.builder.
		Select("1").
		From(accountsTable).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBuildingSQLQuery, err)
	}

	var one int
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (model.Account, error) {
	var (
		acc         model.Account
		emails      string
		expiry      sql.NullTime
		lastApplied sql.NullTime
	)
	err := row.Scan(
		&acc.ID,
		&acc.Profile.DisplayName,
		&acc.Profile.Picture,
		&emails,
		&acc.RefreshToken,
		&acc.AccessToken,
		&expiry,
		&acc.Moodle.Username,
		&acc.Moodle.Password,
		&acc.Moodle.SiteURL,
		&acc.AutoSync,
		&acc.ApplicationCount,
		&lastApplied,
		&acc.SchemaVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, err
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("%w: %w", ErrScanningRow, err)
	}

	if emails != "" {
		if err := json.Unmarshal([]byte(emails), &acc.Profile.Emails); err != nil {
			return model.Account{}, fmt.Errorf("%w: emails: %w", ErrScanningRow, err)
		}
	}
	if expiry.Valid {
		acc.AccessTokenExpiry = expiry.Time.UTC()
	}
	if lastApplied.Valid {
		acc.LastAppliedAt = lastApplied.Time.UTC()
	}
	return acc, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
