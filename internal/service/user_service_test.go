package service

import (
	"context"
	"testing"
	"time"

	"chatterbox/internal/cache"
	"chatterbox/internal/middleware"
	"chatterbox/internal/models"
	"chatterbox/internal/repository"
	"chatterbox/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-at-least-32-characters"

func newUserService(t *testing.T) (*UserService, *miniredis.Miniredis, *repository.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := repository.NewStore(testutil.NewSQLiteDB(t))
	return NewUserService(store, rdb, testSecret), mr, store
}

func TestUserService_SignupAndLogin(t *testing.T) {
	svc, _, store := newUserService(t)
	ctx := context.Background()

	res, err := svc.Signup(ctx, SignupInput{Username: "alice", FullName: "Alice A", Email: " Alice@Example.com ", Password: "secret1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, "alice@example.com", res.User.Email)
	assert.WithinDuration(t, time.Now().Add(middleware.AccessTokenTTL), res.ExpiresAt, time.Minute)

	prefs, err := store.Preferences.Get(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "light", prefs.Theme)

	_, err = svc.Signup(ctx, SignupInput{Username: "alice2", Email: "alice@example.com", Password: "secret1"})
	requireCode(t, models.CodeConflict, err)
	_, err = svc.Signup(ctx, SignupInput{Username: "alice", Email: "other@example.com", Password: "secret1"})
	requireCode(t, models.CodeConflict, err)
	_, err = svc.Signup(ctx, SignupInput{Username: "bob", Email: "bob@example.com", Password: "123"})
	requireCode(t, models.CodeValidation, err)
	_, err = svc.Signup(ctx, SignupInput{Username: "bob", Email: "not-an-email", Password: "secret1"})
	requireCode(t, models.CodeValidation, err)

	byEmail, err := svc.Login(ctx, "alice@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, byEmail.User.ID)
	byName, err := svc.Login(ctx, "alice", "secret1")
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, byName.User.ID)

	_, err = svc.Login(ctx, "alice", "wrong-password")
	requireCode(t, models.CodeUnauthorized, err)
	_, err = svc.Login(ctx, "nobody", "secret1")
	requireCode(t, models.CodeUnauthorized, err)
	_, err = svc.Login(ctx, "", "secret1")
	requireCode(t, models.CodeValidation, err)
}

func TestUserService_LogoutRevokesToken(t *testing.T) {
	svc, mr, _ := newUserService(t)
	ctx := context.Background()

	res, err := svc.Signup(ctx, SignupInput{Username: "alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)

	claims, err := svc.Authenticate(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.UserID)

	require.NoError(t, svc.Logout(ctx, claims))
	_, err = svc.Authenticate(ctx, res.Token)
	requireCode(t, models.CodeUnauthorized, err)

	mr.FastForward(middleware.AccessTokenTTL + time.Minute)
	assert.False(t, mr.Exists(cache.BlacklistKey(claims.JTI)))

	_, err = svc.Authenticate(ctx, "garbage")
	requireCode(t, models.CodeUnauthorized, err)
}

func TestUserService_WSTickets(t *testing.T) {
	svc, mr, _ := newUserService(t)
	ctx := context.Background()

	ticket, err := svc.IssueWSTicket(ctx, 7)
	require.NoError(t, err)

	userID, err := svc.RedeemWSTicket(ctx, ticket)
	require.NoError(t, err)
	assert.Equal(t, uint(7), userID)

	_, err = svc.RedeemWSTicket(ctx, ticket)
	requireCode(t, models.CodeUnauthorized, err)

	expiring, err := svc.IssueWSTicket(ctx, 8)
	require.NoError(t, err)
	mr.FastForward(31 * time.Second)
	_, err = svc.RedeemWSTicket(ctx, expiring)
	requireCode(t, models.CodeUnauthorized, err)

	offline := NewUserService(nil, nil, testSecret)
	_, err = offline.IssueWSTicket(ctx, 7)
	assert.ErrorIs(t, err, ErrRealtimeUnavailable)
}

func TestUserService_Profile(t *testing.T) {
	svc, _, _ := newUserService(t)
	ctx := context.Background()

	res, err := svc.Signup(ctx, SignupInput{Username: "alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)
	_, err = svc.Signup(ctx, SignupInput{Username: "alicia", FullName: "Alicia Keys", Email: "alicia@example.com", Password: "secret1"})
	require.NoError(t, err)

	bio := "  hello there "
	user, err := svc.UpdateProfile(ctx, res.User.ID, ProfileUpdate{Bio: &bio})
	require.NoError(t, err)
	assert.Equal(t, "hello there", user.Bio)

	bad := "ftp://files.test/me.png"
	_, err = svc.UpdateProfile(ctx, res.User.ID, ProfileUpdate{Avatar: &bad})
	requireCode(t, models.CodeValidation, err)

	login, err := svc.Login(ctx, "alice", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "hello there", login.User.Bio)

	found, err := svc.Search(ctx, "ali", res.User.ID, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "alicia", found[0].Username)

	empty, err := svc.Search(ctx, "  ", res.User.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
