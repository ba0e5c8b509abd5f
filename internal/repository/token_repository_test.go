package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thehive/identity-service/internal/models"
)

func newTokenRepoMock(t *testing.T) (*TokenRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	repo := NewTokenRepository(sqlx.NewDb(db, "sqlmock"), &seqGen{})
	return repo, mock, func() { db.Close() }
}

func TestReplaceRefreshTokenDeletesBeforeInsert(t *testing.T) {
	repo, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE user_id")).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO refresh_tokens")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	token := &models.RefreshToken{
		UserID:    42,
		Token:     "opaque-value",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, repo.ReplaceRefreshToken(context.Background(), token))
	assert.NotZero(t, token.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceRefreshTokenRollsBackOnInsertFailure(t *testing.T) {
	repo, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE user_id")).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO refresh_tokens")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	token := &models.RefreshToken{UserID: 42, Token: "opaque-value", ExpiresAt: time.Now().Add(time.Hour)}
	err := repo.ReplaceRefreshToken(context.Background(), token)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRefreshToken(t *testing.T) {
	repo, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	expires := time.Now().Add(time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens WHERE token")).
		WithArgs("opaque-value").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token", "expires_at", "created_at"}).
			AddRow(int64(9), int64(42), "opaque-value", expires, time.Now()))

	found, err := repo.FindRefreshToken(context.Background(), "opaque-value")
	require.NoError(t, err)
	assert.Equal(t, int64(42), found.UserID)
	assert.WithinDuration(t, expires, found.ExpiresAt, time.Second)
}

func TestFindRefreshTokenNotFound(t *testing.T) {
	repo, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens WHERE token")).
		WithArgs("never-issued").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindRefreshToken(context.Background(), "never-issued")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestDeleteRefreshTokensByUser(t *testing.T) {
	repo, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE user_id")).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, repo.DeleteRefreshTokensByUser(context.Background(), 42))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceResetToken(t *testing.T) {
	repo, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM password_reset_tokens WHERE user_id")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO password_reset_tokens")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	token := &models.PasswordResetToken{UserID: 7, Token: "reset-value", ExpiresAt: time.Now().Add(15 * time.Minute)}
	require.NoError(t, repo.ReplaceResetToken(context.Background(), token))
	assert.NotZero(t, token.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeResetTokenIsAtomic(t *testing.T) {
	repo, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET password_hash")).
		WithArgs(int64(7), "new-hash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM password_reset_tokens WHERE id")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.ConsumeResetToken(context.Background(), 3, 7, "new-hash"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeResetTokenRollsBackWhenDeleteFails(t *testing.T) {
	repo, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET password_hash")).
		WithArgs(int64(7), "new-hash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM password_reset_tokens WHERE id")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.ConsumeResetToken(context.Background(), 3, 7, "new-hash")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
