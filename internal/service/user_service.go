package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/thehive/identity-service/internal/models"
	"github.com/thehive/identity-service/internal/repository"
	apperrors "github.com/thehive/identity-service/pkg/errors"
)

// summaryCacheTTL bounds staleness of user summaries served to internal
// callers.
const summaryCacheTTL = 5 * time.Minute

type userAdminRepository interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	Deactivate(ctx context.Context, id int64) error
	HardDelete(ctx context.Context, id int64) error
}

type summaryCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// UserService serves account administration and the internal user-summary
// API consumed by sibling services.
type UserService struct {
	users   userAdminRepository
	refresh *RefreshTokenService
	cache   summaryCache
	logger  *zap.Logger
}

// NewUserService constructs a UserService.
func NewUserService(users userAdminRepository, refresh *RefreshTokenService, cache summaryCache, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{users: users, refresh: refresh, cache: cache, logger: logger}
}

// GetSummary returns the compact user projection for internal callers,
// cache-aside through Redis.
func (s *UserService) GetSummary(ctx context.Context, userID int64) (*models.UserSummary, error) {
	key := repository.UserSummaryKey(userID)

	var cached models.UserSummary
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	} else if !apperrors.Is(err, apperrors.ErrCacheMiss) {
		s.logger.Warn("user summary cache read failed", zap.Error(err))
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Clone(apperrors.ErrNotFound, "user not found")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to load user")
	}

	summary := &models.UserSummary{ID: user.ID, FullName: user.FullName, Email: user.Email}
	if err := s.cache.Set(ctx, key, summary, summaryCacheTTL); err != nil {
		s.logger.Warn("user summary cache write failed", zap.Error(err))
	}
	return summary, nil
}

// ResolveSummaries resolves a batch of user ids. Any missing id fails the
// whole batch.
func (s *UserService) ResolveSummaries(ctx context.Context, userIDs []int64) ([]models.UserSummary, error) {
	summaries := make([]models.UserSummary, 0, len(userIDs))
	for _, id := range userIDs {
		summary, err := s.GetSummary(ctx, id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *summary)
	}
	return summaries, nil
}

// List returns a filtered, paginated page of users for administrators.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	users, total, err := s.users.List(ctx, filter)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to list users")
	}
	return users, total, nil
}

// Deactivate marks an account inactive and revokes its sessions. Deleted
// accounts cannot be deactivated; deactivating twice is a conflict.
func (s *UserService) Deactivate(ctx context.Context, userID int64) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Clone(apperrors.ErrNotFound, "user not found")
		}
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to load user")
	}
	if user.Deleted {
		return apperrors.Clone(apperrors.ErrAccountDeleted, "a deleted account cannot be deactivated")
	}
	if !user.Active {
		return apperrors.Clone(apperrors.ErrConflict, "account is already deactivated")
	}

	if err := s.users.Deactivate(ctx, userID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to deactivate user")
	}
	if err := s.refresh.RevokeAll(ctx, userID); err != nil {
		s.logger.Warn("failed to revoke sessions on deactivation", zap.Error(err))
	}
	if err := s.cache.Delete(ctx, repository.UserSummaryKey(userID)); err != nil {
		s.logger.Warn("failed to invalidate user summary cache", zap.Error(err))
	}

	s.logger.Info("user deactivated", zap.Int64("user_id", userID))
	return nil
}

// HardDelete removes an account and all of its tokens permanently.
func (s *UserService) HardDelete(ctx context.Context, userID int64) error {
	if _, err := s.users.FindByID(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Clone(apperrors.ErrNotFound, "user not found")
		}
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to load user")
	}

	if err := s.refresh.RevokeAll(ctx, userID); err != nil {
		return err
	}
	if err := s.users.HardDelete(ctx, userID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to delete user")
	}
	if err := s.cache.Delete(ctx, repository.UserSummaryKey(userID)); err != nil {
		s.logger.Warn("failed to invalidate user summary cache", zap.Error(err))
	}

	s.logger.Info("user hard deleted", zap.Int64("user_id", userID))
	return nil
}
