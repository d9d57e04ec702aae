package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/storefront/internal/db"
	"github.com/Skotchmaster/storefront/internal/events"
	"github.com/Skotchmaster/storefront/internal/identity"
	"github.com/Skotchmaster/storefront/internal/models"
	"github.com/Skotchmaster/storefront/internal/repo"
	"github.com/Skotchmaster/storefront/internal/tokens"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeVerifier struct {
	claims map[string]*identity.Claims
}

func (v *fakeVerifier) Verify(_ context.Context, idToken string) (*identity.Claims, error) {
	c, ok := v.claims[idToken]
	if !ok {
		return nil, identity.ErrInvalidToken
	}
	return c, nil
}

type testEnv struct {
	repo   *repo.GormRepo
	issuer *tokens.Issuer
	pub    *recordingPublisher
	auth   *AuthService
	users  *UserService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	gdb, err := db.OpenAndMigrate(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)

	r := repo.New(gdb)
	iss := tokens.NewIssuer([]byte("test-jwt-secret"), []byte("test-refresh-secret"), 15*time.Minute, 7*24*time.Hour)
	pub := &recordingPublisher{}
	verifier := &fakeVerifier{claims: map[string]*identity.Claims{
		"google-alice": {Email: "alice@example.com", EmailVerified: true, GivenName: "Alice"},
		"google-new":   {Email: "new.person+shop@example.com", EmailVerified: true, GivenName: "New", FamilyName: "Person"},
	}}

	return &testEnv{
		repo:   r,
		issuer: iss,
		pub:    pub,
		auth:   &AuthService{Repo: r, Tokens: iss, Events: pub, Google: verifier},
		users:  &UserService{Repo: r, Events: pub},
	}
}

func (env *testEnv) register(t *testing.T, username, email string) *models.User {
	t.Helper()
	u, err := env.auth.Register(context.Background(), RegisterInput{Username: username, Email: email, Password: "Secret123"})
	require.NoError(t, err)
	return u
}

func fieldsOf(t *testing.T, err error) map[string][]string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected *ValidationError, got %v", err)
	return verr.Fields
}

func TestAuthService_Register(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.auth.Register(ctx, RegisterInput{
		Username:  "alice",
		Email:     " alice@example.com ",
		Password:  "Secret123",
		FirstName: "Alice",
		Phone:     "+1 555 0100",
	})
	require.NoError(t, err)
	assert.NotZero(t, u.ID)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, models.RoleUser, u.Role)
	assert.NotEqual(t, "Secret123", u.PasswordHash)
	assert.Equal(t, []string{events.UserRegistered}, env.pub.types())
}

func TestAuthService_Register_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.register(t, "taken", "taken@example.com")

	tests := []struct {
		name  string
		in    RegisterInput
		field string
		msg   string
	}{
		{name: "empty username", in: RegisterInput{Password: "Secret123"}, field: "username", msg: msgRequired},
		{name: "bad username", in: RegisterInput{Username: "no spaces", Password: "Secret123"}, field: "username", msg: msgUsernameChars},
		{name: "username taken", in: RegisterInput{Username: "taken", Password: "Secret123"}, field: "username", msg: msgUsernameTaken},
		{name: "email taken", in: RegisterInput{Username: "fresh", Email: "TAKEN@example.com", Password: "Secret123"}, field: "email", msg: msgEmailTaken},
		{name: "bad email", in: RegisterInput{Username: "fresh", Email: "nope", Password: "Secret123"}, field: "email", msg: msgEmailInvalid},
		{name: "empty password", in: RegisterInput{Username: "fresh"}, field: "password", msg: msgRequired},
		{name: "short password", in: RegisterInput{Username: "fresh", Password: "abc"}, field: "password", msg: msgPasswordShort},
		{name: "bad phone", in: RegisterInput{Username: "fresh", Password: "Secret123", Phone: "call me"}, field: "phone", msg: msgPhoneInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.auth.Register(context.Background(), tt.in)
			fields := fieldsOf(t, err)
			assert.Contains(t, fields[tt.field], tt.msg)
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "alice", "alice@example.com")

	pair, err := env.auth.Login(ctx, "alice", "Secret123")
	require.NoError(t, err)

	access, err := env.issuer.ParseAccess(pair.Access)
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, access.Role)
	assert.Equal(t, "alice", access.Username)
	id, err := access.UserID()
	require.NoError(t, err)
	assert.Equal(t, u.ID, id)

	refresh, err := env.issuer.ParseRefresh(pair.Refresh)
	require.NoError(t, err)
	stored, err := env.repo.FindRefreshByJTI(ctx, refresh.ID)
	require.NoError(t, err)
	assert.False(t, stored.Revoked)

	assert.Equal(t, []string{events.UserRegistered, events.UserLoggedIn}, env.pub.types())
}

func TestAuthService_Login_Rejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.register(t, "alice", "")
	ctx := context.Background()

	_, err := env.auth.Login(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.auth.Login(ctx, "nobody", "Secret123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.auth.Login(ctx, "", "")
	fields := fieldsOf(t, err)
	assert.Contains(t, fields, "username")
	assert.Contains(t, fields, "password")
}

func TestAuthService_Refresh(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "")
	pair, err := env.auth.Login(ctx, "alice", "Secret123")
	require.NoError(t, err)

	access, err := env.auth.Refresh(ctx, pair.Refresh)
	require.NoError(t, err)
	claims, err := env.issuer.ParseAccess(access)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)

	again, err := env.auth.Refresh(ctx, pair.Refresh)
	require.NoError(t, err, "refresh tokens are reusable until revoked")
	assert.NotEmpty(t, again)
}

func TestAuthService_Refresh_Invalid(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "alice", "")
	pair, err := env.auth.Login(ctx, "alice", "Secret123")
	require.NoError(t, err)

	unstored, _, err := env.issuer.Refresh(u.ID)
	require.NoError(t, err)

	_, err = env.auth.Refresh(ctx, "not-a-valid-jwt")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = env.auth.Refresh(ctx, pair.Access)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = env.auth.Refresh(ctx, unstored)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = env.auth.Refresh(ctx, "")
	assert.Contains(t, fieldsOf(t, err), "refresh")

	require.NoError(t, env.auth.Logout(ctx, u.ID, pair.Refresh))
	_, err = env.auth.Refresh(ctx, pair.Refresh)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestAuthService_Logout(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "")
	bob := env.register(t, "bob", "")
	pair, err := env.auth.Login(ctx, "alice", "Secret123")
	require.NoError(t, err)

	assert.ErrorIs(t, env.auth.Logout(ctx, alice.ID, ""), ErrRefreshRequired)
	assert.ErrorIs(t, env.auth.Logout(ctx, alice.ID, "garbage"), ErrInvalidRefreshToken)
	assert.ErrorIs(t, env.auth.Logout(ctx, bob.ID, pair.Refresh), ErrInvalidRefreshToken)

	require.NoError(t, env.auth.Logout(ctx, alice.ID, pair.Refresh))
	assert.ErrorIs(t, env.auth.Logout(ctx, alice.ID, pair.Refresh), ErrInvalidRefreshToken)

	assert.Contains(t, env.pub.types(), events.UserLoggedOut)
}

func TestAuthService_GoogleLogin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "alice@example.com")
	env.register(t, "new.person+shop", "")

	pair, err := env.auth.GoogleLogin(ctx, "google-alice")
	require.NoError(t, err)
	claims, err := env.issuer.ParseAccess(pair.Access)
	require.NoError(t, err)
	id, _ := claims.UserID()
	assert.Equal(t, alice.ID, id, "existing account is matched by email")

	pair, err = env.auth.GoogleLogin(ctx, "google-new")
	require.NoError(t, err)
	claims, err = env.issuer.ParseAccess(pair.Access)
	require.NoError(t, err)
	assert.Equal(t, "new.person+shop1", claims.Username)

	created, err := env.repo.UserByEmail(ctx, "new.person+shop@example.com")
	require.NoError(t, err)
	assert.Equal(t, "New", created.FirstName)
	assert.Equal(t, "Person", created.LastName)

	_, err = env.auth.GoogleLogin(ctx, "forged")
	assert.ErrorIs(t, err, ErrInvalidGoogleToken)
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}

func TestAuthService_GoogleLogin_Disabled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.auth.Google = nil

	_, err := env.auth.GoogleLogin(context.Background(), "google-alice")
	assert.ErrorIs(t, err, ErrGoogleDisabled)
}

func TestUsernameFromEmail(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "john.doe", usernameFromEmail("john.doe@example.com"))
	assert.Equal(t, "jsmith", usernameFromEmail("j smith!@example.com"))
	assert.Equal(t, "user", usernameFromEmail("@example.com"))
}

func TestUserService_AccessRules(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "")
	bob := env.register(t, "bob", "")

	self := Actor{ID: alice.ID, Role: models.RoleUser}
	admin := Actor{ID: 999, Role: models.RoleAdmin}

	got, err := env.users.Get(ctx, self, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	_, err = env.users.Get(ctx, self, bob.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err = env.users.Get(ctx, admin, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Username)

	_, err = env.users.Get(ctx, admin, 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserService_List(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "")
	env.register(t, "bob", "")
	env.register(t, "carol", "")

	_, err := env.users.List(ctx, Actor{ID: alice.ID, Role: models.RoleUser}, 1, 10)
	assert.ErrorIs(t, err, ErrForbidden)

	admin := Actor{ID: 999, Role: models.RoleAdmin}
	page, err := env.users.List(ctx, admin, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Count)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "carol", page.Results[0].Username)

	page, err = env.users.List(ctx, admin, 5, 2)
	require.NoError(t, err)
	assert.NotNil(t, page.Results)
	assert.Empty(t, page.Results)
}

func TestUserService_Update(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "alice@example.com")
	env.register(t, "bob", "bob@example.com")
	self := Actor{ID: alice.ID, Role: models.RoleUser}

	phone := "+1 555 0101"
	newPassword := "Another123"
	updated, err := env.users.Update(ctx, self, alice.ID, UpdateInput{Phone: &phone, Password: &newPassword})
	require.NoError(t, err)
	assert.Equal(t, phone, updated.Phone)
	assert.Equal(t, "alice", updated.Username)

	_, err = env.auth.Login(ctx, "alice", newPassword)
	require.NoError(t, err)

	bob := "bob"
	_, err = env.users.Update(ctx, self, alice.ID, UpdateInput{Username: &bob})
	assert.Contains(t, fieldsOf(t, err)["username"], msgUsernameTaken)

	same := "alice@example.com"
	_, err = env.users.Update(ctx, self, alice.ID, UpdateInput{Email: &same})
	assert.NoError(t, err, "keeping your own email is not a conflict")
}

func TestUserService_Update_PasswordChangeRevokesSessions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "")
	self := Actor{ID: alice.ID, Role: models.RoleUser}
	before, err := env.auth.Login(ctx, "alice", "Secret123")
	require.NoError(t, err)

	phone := "+1 555 0102"
	_, err = env.users.Update(ctx, self, alice.ID, UpdateInput{Phone: &phone})
	require.NoError(t, err)
	_, err = env.auth.Refresh(ctx, before.Refresh)
	require.NoError(t, err, "a profile edit keeps sessions alive")

	newPassword := "Another123"
	_, err = env.users.Update(ctx, self, alice.ID, UpdateInput{Password: &newPassword})
	require.NoError(t, err)

	_, err = env.auth.Refresh(ctx, before.Refresh)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	after, err := env.auth.Login(ctx, "alice", newPassword)
	require.NoError(t, err)
	_, err = env.auth.Refresh(ctx, after.Refresh)
	assert.NoError(t, err)
}

func TestUserService_Delete(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "alice", "")
	bob := env.register(t, "bob", "")
	pair, err := env.auth.Login(ctx, "alice", "Secret123")
	require.NoError(t, err)

	err = env.users.Delete(ctx, Actor{ID: bob.ID, Role: models.RoleUser}, alice.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, env.users.Delete(ctx, Actor{ID: alice.ID, Role: models.RoleUser}, alice.ID))

	_, err = env.auth.Refresh(ctx, pair.Refresh)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.Contains(t, env.pub.types(), events.UserDeleted)
}

func TestValidationError_Error(t *testing.T) {
	t.Parallel()

	err := &ValidationError{Fields: map[string][]string{"username": {"a"}, "email": {"b"}}}
	assert.Equal(t, "validation failed: email: b; username: a", err.Error())
}
