package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thehive/identity-service/internal/models"
	"github.com/thehive/identity-service/internal/repository"
	appErrors "github.com/thehive/identity-service/pkg/errors"
)

type stubCache struct {
	store map[string][]byte
	gets  int
	hits  int
}

func (s *stubCache) Get(_ context.Context, key string, dest interface{}) error {
	s.gets++
	payload, ok := s.store[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	s.hits++
	return json.Unmarshal(payload, dest)
}

func (s *stubCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	if s.store == nil {
		s.store = make(map[string][]byte)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.store[key] = payload
	return nil
}

func (s *stubCache) Delete(_ context.Context, key string) error {
	delete(s.store, key)
	return nil
}

func newUserFixture() (*UserService, *mockUserRepo, *mockTokenRepo, *stubCache) {
	users := newMockUserRepo()
	tokens := newMockTokenRepo(users)
	cache := &stubCache{}
	refresh := NewRefreshTokenService(tokens, users, 15*time.Minute, zap.NewNop())
	svc := NewUserService(users, refresh, cache, zap.NewNop())
	return svc, users, tokens, cache
}

func TestGetSummaryCachesResult(t *testing.T) {
	svc, users, _, cache := newUserFixture()
	users.add(&models.User{ID: 7, Email: "seven@example.com", FullName: "Seven", Active: true, Roles: []string{"USER"}})

	first, err := svc.GetSummary(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "Seven", first.FullName)
	assert.Equal(t, 0, cache.hits)

	second, err := svc.GetSummary(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cache.hits, "second read served from cache")
}

func TestGetSummaryUnknownUser(t *testing.T) {
	svc, _, _, _ := newUserFixture()
	_, err := svc.GetSummary(context.Background(), 99)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestResolveSummariesFailsOnAnyMissing(t *testing.T) {
	svc, users, _, _ := newUserFixture()
	users.add(&models.User{ID: 1, Email: "one@example.com", FullName: "One", Active: true})
	users.add(&models.User{ID: 2, Email: "two@example.com", FullName: "Two", Active: true})

	summaries, err := svc.ResolveSummaries(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, int64(1), summaries[0].ID)

	_, err = svc.ResolveSummaries(context.Background(), []int64{1, 3})
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestDeactivateRevokesSessionsAndInvalidatesCache(t *testing.T) {
	svc, users, tokens, cache := newUserFixture()
	users.add(&models.User{ID: 5, Email: "five@example.com", FullName: "Five", Active: true})
	require.NoError(t, tokens.ReplaceRefreshToken(context.Background(), &models.RefreshToken{UserID: 5, Token: "live", ExpiresAt: time.Now().Add(time.Hour)}))
	_, err := svc.GetSummary(context.Background(), 5)
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(context.Background(), 5))

	assert.False(t, users.byID[5].Active)
	assert.Empty(t, tokens.refresh, "refresh tokens revoked on deactivation")
	_, cached := cache.store[repository.UserSummaryKey(5)]
	assert.False(t, cached, "summary cache invalidated")
}

func TestDeactivateStateChecks(t *testing.T) {
	svc, users, _, _ := newUserFixture()
	users.add(&models.User{ID: 1, Email: "gone@example.com", Deleted: true})
	users.add(&models.User{ID: 2, Email: "off@example.com", Active: false})

	err := svc.Deactivate(context.Background(), 1)
	assert.True(t, appErrors.Is(err, appErrors.ErrAccountDeleted))

	err = svc.Deactivate(context.Background(), 2)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	err = svc.Deactivate(context.Background(), 42)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestHardDeleteRemovesUserAndTokens(t *testing.T) {
	svc, users, tokens, _ := newUserFixture()
	users.add(&models.User{ID: 9, Email: "nine@example.com", Active: true})
	require.NoError(t, tokens.ReplaceRefreshToken(context.Background(), &models.RefreshToken{UserID: 9, Token: "live", ExpiresAt: time.Now().Add(time.Hour)}))

	require.NoError(t, svc.HardDelete(context.Background(), 9))

	assert.Empty(t, tokens.refresh)
	assert.NotContains(t, users.byID, int64(9))
	assert.Contains(t, users.hardDeleted, int64(9))

	err := svc.HardDelete(context.Background(), 9)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestListPassesThrough(t *testing.T) {
	svc, users, _, _ := newUserFixture()
	users.listUsers = []models.User{{ID: 1, Email: "one@example.com"}}
	users.listTotal = 1

	page, total, err := svc.List(context.Background(), models.UserFilter{Page: 1, PageSize: 20})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].ID)
}
