package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thehive/identity-service/internal/models"
	apperrors "github.com/thehive/identity-service/pkg/errors"
)

// refreshTokenGrace keeps a refresh token usable for the access token's
// entire validity window plus ten days.
const refreshTokenGrace = 10 * 24 * time.Hour

type refreshTokenRepository interface {
	ReplaceRefreshToken(ctx context.Context, token *models.RefreshToken) error
	FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, id int64) error
	DeleteRefreshTokensByUser(ctx context.Context, userID int64) error
}

type refreshUserRepository interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)
}

// RefreshTokenService owns the refresh-token lifecycle:
// none -> active -> rotated | revoked | expired.
type RefreshTokenService struct {
	tokens    refreshTokenRepository
	users     refreshUserRepository
	accessTTL time.Duration
	logger    *zap.Logger
}

// NewRefreshTokenService constructs a RefreshTokenService.
func NewRefreshTokenService(tokens refreshTokenRepository, users refreshUserRepository, accessTTL time.Duration, logger *zap.Logger) *RefreshTokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshTokenService{tokens: tokens, users: users, accessTTL: accessTTL, logger: logger}
}

// Issue creates a new opaque refresh token for the user. All prior tokens of
// the user are deleted in the same transaction: a successful login
// invalidates every other session's refresh token.
func (s *RefreshTokenService) Issue(ctx context.Context, userID int64) (string, error) {
	now := time.Now().UTC()
	refreshToken := &models.RefreshToken{
		UserID:    userID,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(s.accessTTL + refreshTokenGrace),
		CreatedAt: now,
	}

	if err := s.tokens.ReplaceRefreshToken(ctx, refreshToken); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to persist refresh token")
	}
	return refreshToken.Token, nil
}

// VerifyAndResolveOwner validates the token and returns the owning user with
// their current roles. A found-but-expired token is deleted as a side effect
// before the failure is reported.
func (s *RefreshTokenService) VerifyAndResolveOwner(ctx context.Context, tokenString string) (*models.User, error) {
	stored, err := s.tokens.FindRefreshToken(ctx, tokenString)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Clone(apperrors.ErrRefreshTokenNotFound, "")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to fetch refresh token")
	}

	if time.Now().UTC().After(stored.ExpiresAt) {
		if err := s.tokens.DeleteRefreshToken(ctx, stored.ID); err != nil {
			s.logger.Warn("failed to delete expired refresh token", zap.Error(err))
		}
		return nil, apperrors.Clone(apperrors.ErrTokenExpired, "refresh token has expired, please sign in again")
	}

	user, err := s.users.FindByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Clone(apperrors.ErrRefreshTokenNotFound, "")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to load refresh token owner")
	}
	return user, nil
}

// RevokeAll deletes every refresh token of the user.
func (s *RefreshTokenService) RevokeAll(ctx context.Context, userID int64) error {
	if err := s.tokens.DeleteRefreshTokensByUser(ctx, userID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to revoke refresh tokens")
	}
	return nil
}
