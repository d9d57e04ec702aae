// Package session tracks who is signed in to the storefront. It owns the
// login, registration and logout flows and keeps the current user in step
// with the credential store.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Skotchmaster/storefront/pkg/authclient"
	"github.com/Skotchmaster/storefront/pkg/credstore"
)

type State int

const (
	Unauthenticated State = iota
	Bootstrapping
	Authenticated
)

func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "bootstrapping"
	case Authenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

type API interface {
	Login(ctx context.Context, creds authclient.Credentials) (authclient.TokenPair, error)
	Register(ctx context.Context, reg authclient.Registration) (*authclient.User, error)
	NotifyLogout(ctx context.Context, refresh string) error
	Profile(ctx context.Context) (*authclient.User, error)
	GoogleLogin(ctx context.Context, idToken string) (authclient.TokenPair, error)
}

type Manager struct {
	api   API
	store credstore.Store
	log   *slog.Logger

	mu           sync.RWMutex
	state        State
	user         *authclient.User
	loading      bool
	bootstrapped bool
	// epoch changes on every login or logout so a slow bootstrap cannot
	// overwrite a session established after it started.
	epoch     uint64
	observers []func(State, *authclient.User)
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager starts in Bootstrapping when an access token is already stored
// and in Unauthenticated otherwise.
func NewManager(api API, store credstore.Store, opts ...Option) *Manager {
	m := &Manager{
		api:   api,
		store: store,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}

	if _, ok := store.Access(context.Background()); ok {
		m.state = Bootstrapping
		m.loading = true
	}
	return m
}

// Bootstrap fetches the profile for a persisted session. Only the first call
// does any work.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.mu.Lock()
	if m.bootstrapped {
		m.mu.Unlock()
		return nil
	}
	m.bootstrapped = true
	if m.state != Bootstrapping {
		m.loading = false
		m.mu.Unlock()
		return nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	l := m.log.With("op", "bootstrap")

	user, err := m.api.Profile(ctx)

	m.mu.Lock()
	m.loading = false
	if m.epoch != epoch {
		m.mu.Unlock()
		l.Debug("bootstrap_superseded")
		return err
	}
	if err != nil {
		m.epoch++
		m.state = Unauthenticated
		m.user = nil
		m.mu.Unlock()

		if refresh, ok := m.store.Refresh(ctx); ok {
			if nerr := m.api.NotifyLogout(ctx, refresh); nerr != nil {
				l.Debug("logout_notify_failed", "error", nerr)
			}
		}
		m.store.Clear(ctx)
		l.Warn("bootstrap_failed", "error", err)
		m.notify()
		return err
	}
	m.state = Authenticated
	m.user = user
	m.mu.Unlock()

	l.Info("bootstrap_succeeded", "user_id", user.ID)
	m.notify()
	return nil
}

// Login exchanges credentials for a token pair and loads the profile. A
// rejected login leaves the store untouched.
func (m *Manager) Login(ctx context.Context, creds authclient.Credentials) error {
	l := m.log.With("op", "login")

	pair, err := m.api.Login(ctx, creds)
	if err != nil {
		l.Info("login_rejected", "error", err)
		return loginError(err)
	}
	return m.establish(ctx, l, pair)
}

func (m *Manager) LoginWithGoogle(ctx context.Context, idToken string) error {
	l := m.log.With("op", "google_login")

	pair, err := m.api.GoogleLogin(ctx, idToken)
	if err != nil {
		l.Info("login_rejected", "error", err)
		return loginError(err)
	}
	return m.establish(ctx, l, pair)
}

func (m *Manager) establish(ctx context.Context, l *slog.Logger, pair authclient.TokenPair) error {
	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	m.store.SetTokens(ctx, pair.Access, pair.Refresh)

	user, err := m.api.Profile(ctx)
	if err != nil {
		m.store.Clear(ctx)
		m.mu.Lock()
		if m.epoch == epoch {
			m.state = Unauthenticated
			m.user = nil
		}
		m.mu.Unlock()

		l.Warn("profile_fetch_failed", "error", err)
		m.notify()
		return loginError(err)
	}

	m.mu.Lock()
	if m.epoch == epoch {
		m.state = Authenticated
		m.user = user
	}
	m.mu.Unlock()

	l.Info("login_succeeded", "user_id", user.ID)
	m.notify()
	return nil
}

// Register creates an account. It does not sign the user in.
func (m *Manager) Register(ctx context.Context, reg authclient.Registration) error {
	l := m.log.With("op", "register")

	user, err := m.api.Register(ctx, reg)
	if err != nil {
		l.Info("registration_rejected", "error", err)
		return registrationError(err)
	}

	l.Info("registration_succeeded", "user_id", user.ID)
	return nil
}

// Logout always ends the local session. The returned error only reports a
// failed server notification and can be ignored.
func (m *Manager) Logout(ctx context.Context) error {
	l := m.log.With("op", "logout")

	var notifyErr error
	if refresh, ok := m.store.Refresh(ctx); ok {
		if err := m.api.NotifyLogout(ctx, refresh); err != nil {
			l.Warn("logout_notify_failed", "error", err)
			notifyErr = err
		}
	}

	m.store.Clear(ctx)

	m.mu.Lock()
	m.epoch++
	m.state = Unauthenticated
	m.user = nil
	m.mu.Unlock()

	l.Info("logged_out")
	m.notify()
	return notifyErr
}

// SessionExpired is registered with the request pipeline, which has already
// cleared the store by the time it runs.
func (m *Manager) SessionExpired(ctx context.Context) {
	m.mu.Lock()
	if m.state == Unauthenticated && m.user == nil {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.state = Unauthenticated
	m.user = nil
	m.mu.Unlock()

	m.log.Info("session_expired")
	m.notify()
}

func (m *Manager) CurrentUser() *authclient.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

func (m *Manager) IsLoading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Observe registers fn to run after every state change.
func (m *Manager) Observe(fn func(State, *authclient.User)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) notify() {
	m.mu.RLock()
	state := m.state
	var user *authclient.User
	if m.user != nil {
		u := *m.user
		user = &u
	}
	observers := append([]func(State, *authclient.User){}, m.observers...)
	m.mu.RUnlock()

	for _, fn := range observers {
		fn(state, user)
	}
}
