package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/thehive/identity-service/internal/models"
	"github.com/thehive/identity-service/internal/notification"
	"github.com/thehive/identity-service/internal/token"
	apperrors "github.com/thehive/identity-service/pkg/errors"
)

const bearerPrefix = "Bearer "

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindActiveByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	FindRoleByName(ctx context.Context, name string) (*models.Role, error)
	CreateWithRole(ctx context.Context, user *models.User, roleID int64) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string, updatedAt time.Time) error
}

type resetTokenRepository interface {
	ReplaceResetToken(ctx context.Context, token *models.PasswordResetToken) error
	FindResetToken(ctx context.Context, token string) (*models.PasswordResetToken, error)
	DeleteResetToken(ctx context.Context, id int64) error
	ConsumeResetToken(ctx context.Context, tokenID, userID int64, passwordHash string) error
}

// CredentialVerifier authenticates an email/password pair and returns the
// account on success. Implementations must not leak which check failed.
type CredentialVerifier interface {
	Verify(ctx context.Context, email, password string) (*models.User, error)
}

// PasswordVerifier is the default CredentialVerifier backed by bcrypt hashes
// in the users table. Missing accounts, disabled accounts and wrong passwords
// all collapse into the same invalid-credentials failure.
type PasswordVerifier struct {
	users  authUserRepository
	logger *zap.Logger
}

// NewPasswordVerifier constructs the bcrypt-backed verifier.
func NewPasswordVerifier(users authUserRepository, logger *zap.Logger) *PasswordVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PasswordVerifier{users: users, logger: logger}
}

// Verify implements CredentialVerifier.
func (v *PasswordVerifier) Verify(ctx context.Context, email, password string) (*models.User, error) {
	user, err := v.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Clone(apperrors.ErrInvalidCredentials, "")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to look up account")
	}
	if !user.Active || user.Deleted {
		v.logger.Debug("login rejected for disabled account", zap.Int64("user_id", user.ID))
		return nil, apperrors.Clone(apperrors.ErrInvalidCredentials, "")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, apperrors.Clone(apperrors.ErrInvalidCredentials, "")
	}
	return user, nil
}

// AuthService orchestrates registration, login, token refresh, logout and the
// password-reset lifecycle.
type AuthService struct {
	users        authUserRepository
	resetTokens  resetTokenRepository
	verifier     CredentialVerifier
	signer       *token.Signer
	denylist     *token.Denylist
	refresh      *RefreshTokenService
	publisher    notification.Publisher
	validate     *validator.Validate
	logger       *zap.Logger
	allowedRoles map[string]struct{}
	resetTTL     time.Duration
	metrics      *MetricsService
}

// AuthServiceConfig carries the policy knobs for AuthService.
type AuthServiceConfig struct {
	AllowedSignupRoles []string
	ResetTokenTTL      time.Duration
}

// NewAuthService constructs the orchestrator.
func NewAuthService(
	users authUserRepository,
	resetTokens resetTokenRepository,
	verifier CredentialVerifier,
	signer *token.Signer,
	denylist *token.Denylist,
	refresh *RefreshTokenService,
	publisher notification.Publisher,
	metrics *MetricsService,
	cfg AuthServiceConfig,
	logger *zap.Logger,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedSignupRoles))
	for _, role := range cfg.AllowedSignupRoles {
		allowed[strings.ToUpper(strings.TrimSpace(role))] = struct{}{}
	}
	return &AuthService{
		users:        users,
		resetTokens:  resetTokens,
		verifier:     verifier,
		signer:       signer,
		denylist:     denylist,
		refresh:      refresh,
		publisher:    publisher,
		validate:     validator.New(),
		logger:       logger,
		allowedRoles: allowed,
		resetTTL:     cfg.ResetTokenTTL,
		metrics:      metrics,
	}
}

// Register creates an account with one allow-listed role and signs the new
// user in, returning a full token pair.
func (s *AuthService) Register(ctx context.Context, req *models.RegisterRequest) (*models.AuthResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrValidation.Code, apperrors.ErrValidation.Status, "invalid registration payload")
	}

	roleName := strings.ToUpper(strings.TrimSpace(req.Role))
	if _, ok := s.allowedRoles[roleName]; !ok {
		return nil, apperrors.Clone(apperrors.ErrInvalidRole, "role "+roleName+" is not available for signup")
	}

	if _, err := s.users.FindByEmail(ctx, req.Email); err == nil {
		return nil, apperrors.Clone(apperrors.ErrUserExists, "an account with this email already exists")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to check email availability")
	}

	role, err := s.users.FindRoleByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Clone(apperrors.ErrRoleNotFound, "role "+roleName+" does not exist")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to resolve role")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Email:        req.Email,
		PasswordHash: string(hash),
		FullName:     req.FullName,
		Active:       true,
		Roles:        []string{roleName},
	}
	if err := s.users.CreateWithRole(ctx, user, role.ID); err != nil {
		// The availability check above races with concurrent signups; the
		// unique index on email is the authority.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, apperrors.Clone(apperrors.ErrUserExists, "an account with this email already exists")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to create account")
	}

	s.logger.Info("user registered", zap.Int64("user_id", user.ID), zap.String("role", roleName))
	return s.issueTokenPair(ctx, user)
}

// Login authenticates credentials and issues a token pair. Any failure from
// the verifier other than its own invalid-credentials result is logged and
// normalised so callers cannot distinguish failure modes.
func (s *AuthService) Login(ctx context.Context, req *models.LoginRequest) (*models.AuthResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrValidation.Code, apperrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.verifier.Verify(ctx, req.Email, req.Password)
	if err != nil {
		s.metrics.IncLogin(false)
		if apperrors.Is(err, apperrors.ErrInvalidCredentials) {
			return nil, err
		}
		s.logger.Error("credential verification failed", zap.Error(err))
		return nil, apperrors.Clone(apperrors.ErrInvalidCredentials, "")
	}

	resp, err := s.issueTokenPair(ctx, user)
	if err != nil {
		s.metrics.IncLogin(false)
		return nil, err
	}
	s.metrics.IncLogin(true)
	return resp, nil
}

// Refresh exchanges a valid refresh token for a new access token carrying the
// user's current roles. The refresh token itself is echoed back unchanged; it
// stays valid until it expires or the session is revoked.
func (s *AuthService) Refresh(ctx context.Context, req *models.TokenRefreshRequest) (*models.AuthResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrValidation.Code, apperrors.ErrValidation.Status, "invalid refresh payload")
	}

	user, err := s.refresh.VerifyAndResolveOwner(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}

	accessToken, err := s.issueAccessToken(user)
	if err != nil {
		return nil, err
	}
	return &models.AuthResponse{Token: accessToken, RefreshToken: req.RefreshToken, Email: user.Email}, nil
}

// Logout revokes the presented access token and every refresh token of its
// owner. The access token may already be expired; only tokens that cannot be
// parsed at all are rejected.
func (s *AuthService) Logout(ctx context.Context, authorizationHeader string) error {
	raw := strings.TrimPrefix(authorizationHeader, bearerPrefix)
	if raw == "" {
		return apperrors.Clone(apperrors.ErrTokenInvalid, "missing access token")
	}

	s.denylist.Revoke(raw)
	s.metrics.IncTokenRevoked()

	userID, err := s.signer.ExtractInt64(raw, "id")
	if err != nil {
		return err
	}

	if err := s.refresh.RevokeAll(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("user logged out", zap.Int64("user_id", userID))
	return nil
}

// ForgotPassword initiates the reset flow. Unknown or inactive emails return
// success without side effects so the endpoint cannot be used to probe which
// addresses have accounts.
func (s *AuthService) ForgotPassword(ctx context.Context, req *models.ForgotPasswordRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return apperrors.Wrap(err, apperrors.ErrValidation.Code, apperrors.ErrValidation.Status, "invalid forgot-password payload")
	}

	user, err := s.users.FindActiveByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Info("password reset requested for unknown or inactive email")
			return nil
		}
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to look up account")
	}

	resetToken := &models.PasswordResetToken{
		UserID:    user.ID,
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().UTC().Add(s.resetTTL),
	}
	if err := s.resetTokens.ReplaceResetToken(ctx, resetToken); err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to persist reset token")
	}

	s.publisher.PasswordReset(user.Email, resetToken.Token)
	s.logger.Info("password reset initiated", zap.Int64("user_id", user.ID))
	return nil
}

// ResetPassword completes the reset flow. The token is single use: the
// password update and the token deletion commit together. A found-but-expired
// token is deleted before the failure is reported.
func (s *AuthService) ResetPassword(ctx context.Context, req *models.ResetPasswordRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return apperrors.Wrap(err, apperrors.ErrValidation.Code, apperrors.ErrValidation.Status, "invalid reset-password payload")
	}

	stored, err := s.resetTokens.FindResetToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Clone(apperrors.ErrResetTokenInvalid, "")
		}
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to fetch reset token")
	}

	if time.Now().UTC().After(stored.ExpiresAt) {
		if err := s.resetTokens.DeleteResetToken(ctx, stored.ID); err != nil {
			s.logger.Warn("failed to delete expired reset token", zap.Error(err))
		}
		return apperrors.Clone(apperrors.ErrTokenExpired, "password reset token has expired")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.resetTokens.ConsumeResetToken(ctx, stored.ID, stored.UserID, string(hash)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to reset password")
	}

	if err := s.refresh.RevokeAll(ctx, stored.UserID); err != nil {
		s.logger.Warn("failed to revoke sessions after password reset", zap.Error(err))
	}
	s.logger.Info("password reset completed", zap.Int64("user_id", stored.UserID))
	return nil
}

// ChangePassword verifies the current password before storing the new hash
// and revoking every refresh token of the user.
func (s *AuthService) ChangePassword(ctx context.Context, userID int64, req *models.ChangePasswordRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return apperrors.Wrap(err, apperrors.ErrValidation.Code, apperrors.ErrValidation.Status, "invalid change-password payload")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Clone(apperrors.ErrNotFound, "user not found")
		}
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to look up account")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.OldPassword)); err != nil {
		return apperrors.Clone(apperrors.ErrForbidden, "current password does not match")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to hash password")
	}
	if err := s.users.UpdatePassword(ctx, userID, string(hash), time.Now().UTC()); err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to update password")
	}

	if err := s.refresh.RevokeAll(ctx, userID); err != nil {
		s.logger.Warn("failed to revoke sessions after password change", zap.Error(err))
	}
	return nil
}

// Me returns the profile of the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID int64) (*models.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Clone(apperrors.ErrNotFound, "user not found")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

func (s *AuthService) issueTokenPair(ctx context.Context, user *models.User) (*models.AuthResponse, error) {
	accessToken, err := s.issueAccessToken(user)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.refresh.Issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &models.AuthResponse{Token: accessToken, RefreshToken: refreshToken, Email: user.Email}, nil
}

func (s *AuthService) issueAccessToken(user *models.User) (string, error) {
	authorities := make([]string, 0, len(user.Roles))
	for _, role := range user.Roles {
		authorities = append(authorities, "ROLE_"+role)
	}
	accessToken, err := s.signer.Issue(map[string]any{"id": user.ID, "email": user.Email}, user.Email, authorities)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "failed to sign access token")
	}
	return accessToken, nil
}
