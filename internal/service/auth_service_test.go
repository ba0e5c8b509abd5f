package service

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/thehive/identity-service/internal/models"
	"github.com/thehive/identity-service/internal/token"
	appErrors "github.com/thehive/identity-service/pkg/errors"
)

type mockUserRepo struct {
	byEmail map[string]*models.User
	byID    map[int64]*models.User
	roles   map[string]*models.Role
	nextID  int64

	assignedRoleID int64
	createErr      error
	deactivated    []int64
	hardDeleted    []int64
	listUsers      []models.User
	listTotal      int
	listErr        error
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{
		byEmail: make(map[string]*models.User),
		byID:    make(map[int64]*models.User),
		roles: map[string]*models.Role{
			"USER":      {ID: 1, Name: "USER"},
			"ORGANIZER": {ID: 2, Name: "ORGANIZER"},
		},
		nextID: 100,
	}
}

func (m *mockUserRepo) add(user *models.User) {
	m.byEmail[user.Email] = user
	m.byID[user.ID] = user
}

func (m *mockUserRepo) FindByEmail(_ context.Context, email string) (*models.User, error) {
	user, ok := m.byEmail[email]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (m *mockUserRepo) FindActiveByEmail(_ context.Context, email string) (*models.User, error) {
	user, ok := m.byEmail[email]
	if !ok || !user.Active || user.Deleted {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (m *mockUserRepo) FindByID(_ context.Context, id int64) (*models.User, error) {
	user, ok := m.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (m *mockUserRepo) FindRoleByName(_ context.Context, name string) (*models.Role, error) {
	role, ok := m.roles[name]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return role, nil
}

func (m *mockUserRepo) CreateWithRole(_ context.Context, user *models.User, roleID int64) error {
	if m.createErr != nil {
		return m.createErr
	}
	if user.ID == 0 {
		m.nextID++
		user.ID = m.nextID
	}
	m.assignedRoleID = roleID
	m.add(user)
	return nil
}

func (m *mockUserRepo) UpdatePassword(_ context.Context, id int64, passwordHash string, _ time.Time) error {
	if user, ok := m.byID[id]; ok {
		user.PasswordHash = passwordHash
	}
	return nil
}

func (m *mockUserRepo) Deactivate(_ context.Context, id int64) error {
	m.deactivated = append(m.deactivated, id)
	if user, ok := m.byID[id]; ok {
		user.Active = false
	}
	return nil
}

func (m *mockUserRepo) HardDelete(_ context.Context, id int64) error {
	m.hardDeleted = append(m.hardDeleted, id)
	if user, ok := m.byID[id]; ok {
		delete(m.byEmail, user.Email)
		delete(m.byID, id)
	}
	return nil
}

func (m *mockUserRepo) List(_ context.Context, _ models.UserFilter) ([]models.User, int, error) {
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	return m.listUsers, m.listTotal, nil
}

type mockTokenRepo struct {
	users   *mockUserRepo
	refresh map[string]*models.RefreshToken
	reset   map[string]*models.PasswordResetToken
	nextID  int64
}

func newMockTokenRepo(users *mockUserRepo) *mockTokenRepo {
	return &mockTokenRepo{
		users:   users,
		refresh: make(map[string]*models.RefreshToken),
		reset:   make(map[string]*models.PasswordResetToken),
		nextID:  1000,
	}
}

func (m *mockTokenRepo) ReplaceRefreshToken(_ context.Context, t *models.RefreshToken) error {
	for value, stored := range m.refresh {
		if stored.UserID == t.UserID {
			delete(m.refresh, value)
		}
	}
	if t.ID == 0 {
		m.nextID++
		t.ID = m.nextID
	}
	m.refresh[t.Token] = t
	return nil
}

func (m *mockTokenRepo) FindRefreshToken(_ context.Context, value string) (*models.RefreshToken, error) {
	t, ok := m.refresh[value]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return t, nil
}

func (m *mockTokenRepo) DeleteRefreshToken(_ context.Context, id int64) error {
	for value, stored := range m.refresh {
		if stored.ID == id {
			delete(m.refresh, value)
		}
	}
	return nil
}

func (m *mockTokenRepo) DeleteRefreshTokensByUser(_ context.Context, userID int64) error {
	for value, stored := range m.refresh {
		if stored.UserID == userID {
			delete(m.refresh, value)
		}
	}
	return nil
}

func (m *mockTokenRepo) ReplaceResetToken(_ context.Context, t *models.PasswordResetToken) error {
	for value, stored := range m.reset {
		if stored.UserID == t.UserID {
			delete(m.reset, value)
		}
	}
	if t.ID == 0 {
		m.nextID++
		t.ID = m.nextID
	}
	m.reset[t.Token] = t
	return nil
}

func (m *mockTokenRepo) FindResetToken(_ context.Context, value string) (*models.PasswordResetToken, error) {
	t, ok := m.reset[value]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return t, nil
}

func (m *mockTokenRepo) DeleteResetToken(_ context.Context, id int64) error {
	for value, stored := range m.reset {
		if stored.ID == id {
			delete(m.reset, value)
		}
	}
	return nil
}

func (m *mockTokenRepo) ConsumeResetToken(_ context.Context, tokenID, userID int64, passwordHash string) error {
	if user, ok := m.users.byID[userID]; ok {
		user.PasswordHash = passwordHash
	}
	return m.DeleteResetToken(context.Background(), tokenID)
}

type stubPublisher struct {
	emails []string
	tokens []string
}

func (s *stubPublisher) PasswordReset(email, resetToken string) {
	s.emails = append(s.emails, email)
	s.tokens = append(s.tokens, resetToken)
}

type authFixture struct {
	svc       *AuthService
	users     *mockUserRepo
	tokens    *mockTokenRepo
	signer    *token.Signer
	denylist  *token.Denylist
	publisher *stubPublisher
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	secret := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	signer, err := token.NewSigner(secret, 15*time.Minute, "identity-service")
	require.NoError(t, err)

	denylist := token.NewDenylist(30*time.Minute, 100)
	t.Cleanup(denylist.Close)

	users := newMockUserRepo()
	tokens := newMockTokenRepo(users)
	publisher := &stubPublisher{}

	refresh := NewRefreshTokenService(tokens, users, signer.TTL(), zap.NewNop())
	svc := NewAuthService(
		users, tokens,
		NewPasswordVerifier(users, zap.NewNop()),
		signer, denylist, refresh, publisher, nil,
		AuthServiceConfig{AllowedSignupRoles: []string{"USER", "ORGANIZER"}, ResetTokenTTL: 15 * time.Minute},
		zap.NewNop(),
	)

	return &authFixture{svc: svc, users: users, tokens: tokens, signer: signer, denylist: denylist, publisher: publisher}
}

func (f *authFixture) seedUser(t *testing.T, email, password string, roles ...string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	if len(roles) == 0 {
		roles = []string{"USER"}
	}
	user := &models.User{
		ID:           int64(len(f.users.byID) + 1),
		Email:        email,
		PasswordHash: string(hash),
		FullName:     "Seed User",
		Active:       true,
		Roles:        roles,
	}
	f.users.add(user)
	return user
}

func TestRegisterIssuesTokenPair(t *testing.T) {
	f := newAuthFixture(t)

	resp, err := f.svc.Register(context.Background(), &models.RegisterRequest{
		Email:    "new@example.com",
		Password: "s3cret-pass",
		FullName: "New User",
		Role:     "user",
	})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", resp.Email)
	assert.NotEmpty(t, resp.Token)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, int64(1), f.users.assignedRoleID)

	claims, err := f.signer.Parse(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", claims["sub"])
	assert.Equal(t, []interface{}{"ROLE_USER"}, claims["roles"])

	created := f.users.byEmail["new@example.com"]
	require.NotNil(t, created)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(created.PasswordHash), []byte("s3cret-pass")))
	assert.NotEqual(t, "s3cret-pass", created.PasswordHash)

	_, ok := f.tokens.refresh[resp.RefreshToken]
	assert.True(t, ok)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newAuthFixture(t)
	f.seedUser(t, "taken@example.com", "whatever1")

	_, err := f.svc.Register(context.Background(), &models.RegisterRequest{
		Email:    "taken@example.com",
		Password: "s3cret-pass",
		FullName: "Dup",
		Role:     "USER",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrUserExists))
}

// Two requests can pass the availability check before either inserts; the
// losing insert hits the unique index and must surface as a conflict, not
// an internal error.
func TestRegisterDuplicateEmailRace(t *testing.T) {
	f := newAuthFixture(t)
	f.users.createErr = fmt.Errorf("create user: %w", &pq.Error{Code: "23505"})

	_, err := f.svc.Register(context.Background(), &models.RegisterRequest{
		Email:    "raced@example.com",
		Password: "s3cret-pass",
		FullName: "Racer",
		Role:     "USER",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrUserExists))
}

func TestRegisterRoleChecks(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Register(context.Background(), &models.RegisterRequest{
		Email:    "a@example.com",
		Password: "s3cret-pass",
		FullName: "A",
		Role:     "ADMIN",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidRole), "admin is not self-signup")

	delete(f.users.roles, "ORGANIZER")
	_, err = f.svc.Register(context.Background(), &models.RegisterRequest{
		Email:    "b@example.com",
		Password: "s3cret-pass",
		FullName: "B",
		Role:     "ORGANIZER",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrRoleNotFound), "allow-listed but missing from catalog")
}

func TestLoginSuccess(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "login@example.com", "correct-horse", "ORGANIZER")

	resp, err := f.svc.Login(context.Background(), &models.LoginRequest{Email: "login@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	claims, err := f.signer.Parse(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "login@example.com", claims["sub"])
	assert.Equal(t, []interface{}{"ROLE_ORGANIZER"}, claims["roles"])

	id, err := f.signer.ExtractInt64(resp.Token, "id")
	require.NoError(t, err)
	assert.Equal(t, user.ID, id)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newAuthFixture(t)
	f.seedUser(t, "known@example.com", "right-password")
	inactive := f.seedUser(t, "inactive@example.com", "right-password")
	inactive.Active = false

	cases := []models.LoginRequest{
		{Email: "missing@example.com", Password: "right-password"},
		{Email: "known@example.com", Password: "wrong-password"},
		{Email: "inactive@example.com", Password: "right-password"},
	}
	for _, req := range cases {
		_, err := f.svc.Login(context.Background(), &req)
		require.Error(t, err)
		assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials), "every failure mode maps to the same code")
	}
}

func TestLoginReplacesPriorSession(t *testing.T) {
	f := newAuthFixture(t)
	f.seedUser(t, "single@example.com", "correct-horse")

	first, err := f.svc.Login(context.Background(), &models.LoginRequest{Email: "single@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	second, err := f.svc.Login(context.Background(), &models.LoginRequest{Email: "single@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	_, err = f.svc.Refresh(context.Background(), &models.TokenRefreshRequest{RefreshToken: first.RefreshToken})
	assert.True(t, appErrors.Is(err, appErrors.ErrRefreshTokenNotFound), "old session token no longer usable")
	_, err = f.svc.Refresh(context.Background(), &models.TokenRefreshRequest{RefreshToken: second.RefreshToken})
	assert.NoError(t, err)
}

func TestRefreshEchoesTokenAndPicksUpRoles(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "refresh@example.com", "correct-horse")

	login, err := f.svc.Login(context.Background(), &models.LoginRequest{Email: "refresh@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	user.Roles = []string{"USER", "ORGANIZER"}

	resp, err := f.svc.Refresh(context.Background(), &models.TokenRefreshRequest{RefreshToken: login.RefreshToken})
	require.NoError(t, err)
	assert.Equal(t, login.RefreshToken, resp.RefreshToken, "refresh does not rotate the token")

	claims, err := f.signer.Parse(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"ROLE_USER", "ROLE_ORGANIZER"}, claims["roles"], "new access token carries current roles")
}

func TestRefreshExpiredTokenIsDeleted(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "stale@example.com", "correct-horse")

	stored := &models.RefreshToken{
		UserID:    user.ID,
		Token:     "stale-token",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, f.tokens.ReplaceRefreshToken(context.Background(), stored))

	_, err := f.svc.Refresh(context.Background(), &models.TokenRefreshRequest{RefreshToken: "stale-token"})
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenExpired))
	_, found := f.tokens.refresh["stale-token"]
	assert.False(t, found, "expired token row is deleted on detection")
}

func TestRefreshUnknownToken(t *testing.T) {
	f := newAuthFixture(t)
	_, err := f.svc.Refresh(context.Background(), &models.TokenRefreshRequest{RefreshToken: "never-issued"})
	assert.True(t, appErrors.Is(err, appErrors.ErrRefreshTokenNotFound))
}

func TestLogoutDenylistsAndRevokes(t *testing.T) {
	f := newAuthFixture(t)
	f.seedUser(t, "out@example.com", "correct-horse")

	login, err := f.svc.Login(context.Background(), &models.LoginRequest{Email: "out@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(context.Background(), "Bearer "+login.Token))

	assert.True(t, f.denylist.IsRevoked(login.Token))
	_, err = f.svc.Refresh(context.Background(), &models.TokenRefreshRequest{RefreshToken: login.RefreshToken})
	assert.True(t, appErrors.Is(err, appErrors.ErrRefreshTokenNotFound), "refresh tokens revoked on logout")
}

func TestLogoutAcceptsExpiredAccessToken(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "late@example.com", "correct-horse")

	secret := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	shortSigner, err := token.NewSigner(secret, -time.Minute, "identity-service")
	require.NoError(t, err)
	expired, err := shortSigner.Issue(map[string]any{"id": user.ID, "email": user.Email}, user.Email, []string{"ROLE_USER"})
	require.NoError(t, err)

	assert.NoError(t, f.svc.Logout(context.Background(), "Bearer "+expired))
	assert.True(t, f.denylist.IsRevoked(expired))
}

func TestLogoutRejectsGarbage(t *testing.T) {
	f := newAuthFixture(t)
	err := f.svc.Logout(context.Background(), "Bearer not-a-jwt")
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenInvalid))
}

func TestForgotPasswordSilentForUnknownEmail(t *testing.T) {
	f := newAuthFixture(t)

	err := f.svc.ForgotPassword(context.Background(), &models.ForgotPasswordRequest{Email: "ghost@example.com"})
	assert.NoError(t, err, "unknown email must not be distinguishable")
	assert.Empty(t, f.publisher.emails)
	assert.Empty(t, f.tokens.reset)
}

func TestForgotPasswordSilentForInactiveAccount(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "dormant@example.com", "correct-horse")
	user.Active = false

	err := f.svc.ForgotPassword(context.Background(), &models.ForgotPasswordRequest{Email: "dormant@example.com"})
	assert.NoError(t, err)
	assert.Empty(t, f.publisher.emails)
}

func TestForgotPasswordIssuesTokenAndNotifies(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "reset@example.com", "correct-horse")

	require.NoError(t, f.svc.ForgotPassword(context.Background(), &models.ForgotPasswordRequest{Email: "reset@example.com"}))

	require.Len(t, f.publisher.emails, 1)
	assert.Equal(t, "reset@example.com", f.publisher.emails[0])

	stored, err := f.tokens.FindResetToken(context.Background(), f.publisher.tokens[0])
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.UserID)
	assert.WithinDuration(t, time.Now().UTC().Add(15*time.Minute), stored.ExpiresAt, 5*time.Second)
}

func TestForgotPasswordTwiceLeavesOneLiveToken(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "twice@example.com", "correct-horse")

	require.NoError(t, f.svc.ForgotPassword(context.Background(), &models.ForgotPasswordRequest{Email: "twice@example.com"}))
	require.NoError(t, f.svc.ForgotPassword(context.Background(), &models.ForgotPasswordRequest{Email: "twice@example.com"}))

	require.Len(t, f.tokens.reset, 1, "re-initiation replaces the prior token")
	require.Len(t, f.publisher.tokens, 2)

	_, err := f.tokens.FindResetToken(context.Background(), f.publisher.tokens[0])
	assert.Error(t, err, "first token was deleted")
	stored, err := f.tokens.FindResetToken(context.Background(), f.publisher.tokens[1])
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.UserID)
}

func TestResetPasswordFullFlow(t *testing.T) {
	f := newAuthFixture(t)
	f.seedUser(t, "flow@example.com", "old-password")

	require.NoError(t, f.svc.ForgotPassword(context.Background(), &models.ForgotPasswordRequest{Email: "flow@example.com"}))
	require.Len(t, f.publisher.tokens, 1)
	resetToken := f.publisher.tokens[0]

	require.NoError(t, f.svc.ResetPassword(context.Background(), &models.ResetPasswordRequest{Token: resetToken, NewPassword: "brand-new-pass"}))

	_, err := f.svc.Login(context.Background(), &models.LoginRequest{Email: "flow@example.com", Password: "old-password"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))
	_, err = f.svc.Login(context.Background(), &models.LoginRequest{Email: "flow@example.com", Password: "brand-new-pass"})
	assert.NoError(t, err)

	err = f.svc.ResetPassword(context.Background(), &models.ResetPasswordRequest{Token: resetToken, NewPassword: "another-pass1"})
	assert.True(t, appErrors.Is(err, appErrors.ErrResetTokenInvalid), "reset token is single use")
}

func TestResetPasswordExpiredToken(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "slow@example.com", "old-password")

	stored := &models.PasswordResetToken{
		UserID:    user.ID,
		Token:     "expired-reset",
		ExpiresAt: time.Now().UTC().Add(-time.Second),
	}
	require.NoError(t, f.tokens.ReplaceResetToken(context.Background(), stored))

	err := f.svc.ResetPassword(context.Background(), &models.ResetPasswordRequest{Token: "expired-reset", NewPassword: "brand-new-pass"})
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenExpired))
	_, found := f.tokens.reset["expired-reset"]
	assert.False(t, found, "expired reset token is deleted on detection")
}

func TestChangePassword(t *testing.T) {
	f := newAuthFixture(t)
	user := f.seedUser(t, "change@example.com", "old-password")

	err := f.svc.ChangePassword(context.Background(), user.ID, &models.ChangePasswordRequest{OldPassword: "wrong", NewPassword: "brand-new-pass"})
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	login, err := f.svc.Login(context.Background(), &models.LoginRequest{Email: "change@example.com", Password: "old-password"})
	require.NoError(t, err)

	require.NoError(t, f.svc.ChangePassword(context.Background(), user.ID, &models.ChangePasswordRequest{OldPassword: "old-password", NewPassword: "brand-new-pass"}))

	_, err = f.svc.Refresh(context.Background(), &models.TokenRefreshRequest{RefreshToken: login.RefreshToken})
	assert.True(t, appErrors.Is(err, appErrors.ErrRefreshTokenNotFound), "sessions revoked on password change")
	_, err = f.svc.Login(context.Background(), &models.LoginRequest{Email: "change@example.com", Password: "brand-new-pass"})
	assert.NoError(t, err)
}

func TestRefreshTokenExpiryWindow(t *testing.T) {
	users := newMockUserRepo()
	tokens := newMockTokenRepo(users)
	refresh := NewRefreshTokenService(tokens, users, 15*time.Minute, zap.NewNop())

	value, err := refresh.Issue(context.Background(), 42)
	require.NoError(t, err)

	stored := tokens.refresh[value]
	require.NotNil(t, stored)
	want := time.Now().UTC().Add(15*time.Minute + 10*24*time.Hour)
	assert.WithinDuration(t, want, stored.ExpiresAt, 5*time.Second)
}

func TestValidatePayloads(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Register(context.Background(), &models.RegisterRequest{Email: "not-an-email", Password: "s3cret-pass", FullName: "X", Role: "USER"})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = f.svc.Login(context.Background(), &models.LoginRequest{Email: "a@example.com"})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	err = f.svc.ResetPassword(context.Background(), &models.ResetPasswordRequest{Token: "t", NewPassword: "short"})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestAuthResponseSerialisesSnakeCase(t *testing.T) {
	payload, err := json.Marshal(models.AuthResponse{Token: "a", RefreshToken: "r", Email: "e@example.com"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"a","refresh_token":"r","email":"e@example.com"}`, string(payload))
}
