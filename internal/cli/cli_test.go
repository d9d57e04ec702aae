package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/storefront/internal/db"
	"github.com/Skotchmaster/storefront/internal/events"
	"github.com/Skotchmaster/storefront/internal/httpserver"
	"github.com/Skotchmaster/storefront/internal/repo"
	"github.com/Skotchmaster/storefront/internal/service"
	"github.com/Skotchmaster/storefront/internal/tokens"
	"github.com/Skotchmaster/storefront/pkg/authclient"
	"github.com/Skotchmaster/storefront/pkg/config"
	"github.com/Skotchmaster/storefront/pkg/credstore"
	"github.com/Skotchmaster/storefront/pkg/logging"
)

var (
	testAccessSecret  = []byte("cli-access")
	testRefreshSecret = []byte("cli-refresh")
)

type backend struct {
	url  string
	repo *repo.GormRepo
	auth *service.AuthService
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	gdb, err := db.OpenAndMigrate(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)

	r := repo.New(gdb)
	iss := tokens.NewIssuer(testAccessSecret, testRefreshSecret, 15*time.Minute, time.Hour)
	auth := &service.AuthService{Repo: r, Tokens: iss, Events: events.NopPublisher{}}

	e := httpserver.New(&httpserver.Deps{
		DB:           gdb,
		Auth:         auth,
		Users:        &service.UserService{Repo: r, Events: events.NopPublisher{}},
		AccessSecret: testAccessSecret,
		Logger:       logging.Discard(),
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &backend{url: srv.URL, repo: r, auth: auth}
}

func newTestApp(t *testing.T, apiURL string) (*app, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	return &app{
		cfg: config.Client{
			APIURL:      apiURL,
			Credentials: path,
			Timeout:     5 * time.Second,
		},
		log: logging.Discard(),
	}, path
}

var alice = authclient.Registration{
	Username:  "alice",
	Email:     "alice@example.com",
	Password:  "Secret123",
	FirstName: "Alice",
	LastName:  "Liddell",
}

func TestSessionLifecycle(t *testing.T) {
	b := newBackend(t)
	a, path := newTestApp(t, b.url)
	ctx := context.Background()
	store := credstore.NewFileStore(path)

	var out bytes.Buffer
	require.Equal(t, exitOK, a.runRegister(ctx, &out, alice), out.String())
	assert.Contains(t, out.String(), "Registered alice")
	_, ok := store.Access(ctx)
	assert.False(t, ok, "registering must not sign in")

	out.Reset()
	require.Equal(t, exitOK, a.runLogin(ctx, &out, authclient.Credentials{Username: "alice", Password: "Secret123"}), out.String())
	assert.Contains(t, out.String(), "Logged in as alice <alice@example.com>")
	assert.Contains(t, out.String(), "Name:  Alice Liddell")

	access, ok := store.Access(ctx)
	require.True(t, ok)
	assert.NotEmpty(t, access)

	out.Reset()
	require.Equal(t, exitOK, a.runWhoami(ctx, &out))
	assert.Contains(t, out.String(), "alice")

	out.Reset()
	require.Equal(t, exitOK, a.runLogout(ctx, &out))
	assert.Equal(t, "Logged out\n", out.String())
	_, ok = store.Refresh(ctx)
	assert.False(t, ok)

	out.Reset()
	assert.Equal(t, exitRejected, a.runWhoami(ctx, &out))
	assert.Equal(t, "not logged in\n", out.String())
}

func TestLogin_Rejected(t *testing.T) {
	b := newBackend(t)
	a, path := newTestApp(t, b.url)
	ctx := context.Background()

	var out bytes.Buffer
	code := a.runLogin(ctx, &out, authclient.Credentials{Username: "nobody", Password: "Secret123"})

	assert.Equal(t, exitRejected, code)
	assert.Equal(t, "Error: No active account found with the given credentials\n", out.String())
	_, ok := credstore.NewFileStore(path).Access(ctx)
	assert.False(t, ok)
}

func TestRegister_FieldErrors(t *testing.T) {
	b := newBackend(t)
	a, _ := newTestApp(t, b.url)
	ctx := context.Background()

	var out bytes.Buffer
	code := a.runRegister(ctx, &out, authclient.Registration{Username: "bad name", Email: "nope", Password: "short"})

	assert.Equal(t, exitRejected, code)
	assert.Equal(t, "email: Enter a valid email address.\n"+
		"password: This password is too short. It must contain at least 8 characters.\n"+
		"username: Enter a valid username. This value may contain only letters, numbers, and @/./+/-/_ characters.\n",
		out.String())
}

func TestRegister_JSONFieldErrors(t *testing.T) {
	b := newBackend(t)
	a, _ := newTestApp(t, b.url)
	a.jsonOut = true

	var out bytes.Buffer
	code := a.runRegister(context.Background(), &out, authclient.Registration{Username: "bob"})
	require.Equal(t, exitRejected, code)

	var body struct {
		Fields map[string][]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	assert.Equal(t, []string{"This field may not be blank."}, body.Fields["password"])
}

func TestWhoami_RefreshesExpiredAccess(t *testing.T) {
	b := newBackend(t)
	a, path := newTestApp(t, b.url)
	ctx := context.Background()

	var out bytes.Buffer
	require.Equal(t, exitOK, a.runRegister(ctx, &out, alice))
	require.Equal(t, exitOK, a.runLogin(ctx, &out, authclient.Credentials{Username: "alice", Password: "Secret123"}))

	store := credstore.NewFileStore(path)
	refresh, ok := store.Refresh(ctx)
	require.True(t, ok)

	user, err := b.repo.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	expired, _, err := tokens.NewIssuer(testAccessSecret, testRefreshSecret, -time.Minute, time.Hour).
		Access(user.ID, user.Role, user.Username, user.Email)
	require.NoError(t, err)
	store.SetTokens(ctx, expired, refresh)

	out.Reset()
	require.Equal(t, exitOK, a.runWhoami(ctx, &out), out.String())
	assert.Contains(t, out.String(), "alice")

	access, _ := store.Access(ctx)
	assert.NotEqual(t, expired, access)
	kept, _ := store.Refresh(ctx)
	assert.Equal(t, refresh, kept)
}

func TestWhoami_RevokedRefreshEndsSession(t *testing.T) {
	b := newBackend(t)
	a, path := newTestApp(t, b.url)
	ctx := context.Background()

	var out bytes.Buffer
	require.Equal(t, exitOK, a.runRegister(ctx, &out, alice))
	require.Equal(t, exitOK, a.runLogin(ctx, &out, authclient.Credentials{Username: "alice", Password: "Secret123"}))

	store := credstore.NewFileStore(path)
	refresh, _ := store.Refresh(ctx)
	user, err := b.repo.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, b.repo.RevokeAllForUser(ctx, user.ID))
	store.SetTokens(ctx, "expired-access", refresh)

	out.Reset()
	assert.Equal(t, exitRejected, a.runWhoami(ctx, &out))
	assert.Equal(t, "not logged in\n", out.String())

	_, ok := store.Access(ctx)
	assert.False(t, ok)
	_, ok = store.Refresh(ctx)
	assert.False(t, ok)
}

func TestLogout_ServerUnreachable(t *testing.T) {
	a, path := newTestApp(t, "http://127.0.0.1:1")
	ctx := context.Background()
	store := credstore.NewFileStore(path)
	store.SetTokens(ctx, "A1", "R1")

	var out bytes.Buffer
	assert.Equal(t, exitOK, a.runLogout(ctx, &out))
	assert.Contains(t, out.String(), "Warning: the server was not notified")
	assert.Contains(t, out.String(), "Logged out")

	_, ok := store.Access(ctx)
	assert.False(t, ok)
}

func TestLogin_ServerUnreachable(t *testing.T) {
	a, _ := newTestApp(t, "http://127.0.0.1:1")

	var out bytes.Buffer
	code := a.runLogin(context.Background(), &out, authclient.Credentials{Username: "alice", Password: "Secret123"})

	assert.Equal(t, exitError, code)
	assert.Equal(t, "Error: Login failed\n", out.String())
}

func TestRootCommand_FlagsOverrideEnvironment(t *testing.T) {
	cmd := NewRootCommand(config.Client{APIURL: "http://from-env:8080", LogLevel: "warn"})
	require.NoError(t, cmd.PersistentFlags().Parse([]string{"--api-url", "http://from-flag:9090", "--json"}))

	url, err := cmd.PersistentFlags().GetString("api-url")
	require.NoError(t, err)
	assert.Equal(t, "http://from-flag:9090", url)

	names := make([]string, 0, len(cmd.Commands()))
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"login", "google-login", "register", "logout", "whoami"}, names)
}

func TestFormatUserHuman(t *testing.T) {
	got := formatUserHuman("Logged in as", &authclient.User{Username: "bob", Role: "user", Phone: "+1 555"})
	assert.Equal(t, "Logged in as bob\nPhone: +1 555\nRole:  user", got)
}
