package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/thehive/identity-service/internal/models"
	"github.com/thehive/identity-service/pkg/ids"
)

// TokenRepository persists refresh and password-reset tokens. Both tables
// follow the single-active-token-per-user policy: replacement deletes all
// prior rows for the user inside the same transaction as the insert.
type TokenRepository struct {
	db  *sqlx.DB
	ids ids.Generator
}

// NewTokenRepository creates a new instance of TokenRepository.
func NewTokenRepository(db *sqlx.DB, gen ids.Generator) *TokenRepository {
	return &TokenRepository{db: db, ids: gen}
}

// ReplaceRefreshToken atomically deletes every refresh token of the owning
// user and inserts the new one.
func (r *TokenRepository) ReplaceRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == 0 {
		token.ID = r.ids.NextID()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace refresh token: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, token.UserID); err != nil {
		return fmt.Errorf("delete prior refresh tokens: %w", err)
	}

	const insert = `INSERT INTO refresh_tokens (id, user_id, token, expires_at, created_at)
		VALUES (:id, :user_id, :token, :expires_at, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insert, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace refresh token: %w", err)
	}
	return nil
}

// FindRefreshToken returns a refresh token by its opaque value.
func (r *TokenRepository) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	const query = `SELECT id, user_id, token, expires_at, created_at FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// DeleteRefreshToken removes a single refresh token row.
func (r *TokenRepository) DeleteRefreshToken(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

// DeleteRefreshTokensByUser removes every refresh token of a user. Invoked
// on logout, administrative deactivation and hard deletion.
func (r *TokenRepository) DeleteRefreshTokensByUser(ctx context.Context, userID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete refresh tokens by user: %w", err)
	}
	return nil
}

// ReplaceResetToken atomically deletes prior reset tokens for the user and
// inserts the new one.
func (r *TokenRepository) ReplaceResetToken(ctx context.Context, token *models.PasswordResetToken) error {
	if token.ID == 0 {
		token.ID = r.ids.NextID()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace reset token: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM password_reset_tokens WHERE user_id = $1`, token.UserID); err != nil {
		return fmt.Errorf("delete prior reset tokens: %w", err)
	}

	const insert = `INSERT INTO password_reset_tokens (id, user_id, token, expires_at, created_at)
		VALUES (:id, :user_id, :token, :expires_at, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insert, token); err != nil {
		return fmt.Errorf("create reset token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace reset token: %w", err)
	}
	return nil
}

// FindResetToken returns a password-reset token by its opaque value.
func (r *TokenRepository) FindResetToken(ctx context.Context, token string) (*models.PasswordResetToken, error) {
	const query = `SELECT id, user_id, token, expires_at, created_at FROM password_reset_tokens WHERE token = $1 LIMIT 1`
	var prt models.PasswordResetToken
	if err := r.db.GetContext(ctx, &prt, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find reset token: %w", err)
	}
	return &prt, nil
}

// DeleteResetToken removes a single reset token row.
func (r *TokenRepository) DeleteResetToken(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM password_reset_tokens WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete reset token: %w", err)
	}
	return nil
}

// ConsumeResetToken persists the new password hash and burns the reset token
// in one transaction: either both happen or neither does.
func (r *TokenRepository) ConsumeResetToken(ctx context.Context, tokenID, userID int64, passwordHash string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin consume reset token: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`, userID, passwordHash, time.Now().UTC()); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM password_reset_tokens WHERE id = $1`, tokenID); err != nil {
		return fmt.Errorf("consume reset token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit consume reset token: %w", err)
	}
	return nil
}
