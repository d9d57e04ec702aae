package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Skotchmaster/storefront/internal/events"
	"github.com/Skotchmaster/storefront/internal/hash"
	"github.com/Skotchmaster/storefront/internal/identity"
	"github.com/Skotchmaster/storefront/internal/models"
	"github.com/Skotchmaster/storefront/internal/repo"
	"github.com/Skotchmaster/storefront/internal/tokens"
	"github.com/Skotchmaster/storefront/pkg/logging"
)

type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
}

type AuthService struct {
	Repo   *repo.GormRepo
	Tokens *tokens.Issuer
	Events events.Publisher
	// Google is nil when social login is not configured.
	Google identity.Verifier
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "auth.register", "username", in.Username)

	in.Email = strings.TrimSpace(in.Email)

	errs := fieldErrors{}
	checkUsername(errs, in.Username)
	checkEmail(errs, in.Email)
	checkPassword(errs, in.Password)
	checkName(errs, "first_name", in.FirstName)
	checkName(errs, "last_name", in.LastName)
	checkPhone(errs, in.Phone)
	if err := checkUnique(ctx, s.Repo, errs, in.Username, in.Email, 0); err != nil {
		l.Error("register_error", "status", 500, "reason", "uniqueness check", "error", err)
		return nil, err
	}
	if err := errs.err(); err != nil {
		l.Info("register_rejected", "status", 400, "error", err)
		return nil, err
	}

	pwHash, err := hash.HashPassword(in.Password)
	if err != nil {
		l.Error("register_error", "status", 500, "reason", "cannot hash the password", "error", err)
		return nil, err
	}

	user := &models.User{
		Username:     in.Username,
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Phone:        in.Phone,
		PasswordHash: pwHash,
		Role:         models.RoleUser,
	}
	if err := s.Repo.CreateUserIfNotExists(ctx, user); err != nil {
		if errors.Is(err, repo.ErrUserAlreadyExist) {
			return nil, &ValidationError{Fields: map[string][]string{"username": {msgUsernameTaken}}}
		}
		l.Error("register_error", "status", 500, "error", err)
		return nil, err
	}

	l.Info("user_registered", "user_id", user.ID)
	s.publish(ctx, events.UserRegistered, user)
	return user, nil
}

func (s *AuthService) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "auth.login", "username", username)

	errs := fieldErrors{}
	if username == "" {
		errs.add("username", msgRequired)
	}
	if password == "" {
		errs.add("password", msgRequired)
	}
	if err := errs.err(); err != nil {
		return nil, err
	}

	user, err := s.Repo.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			l.Warn("login_failed", "status", 401, "reason", "unknown username")
			return nil, ErrInvalidCredentials
		}
		l.Error("login_failed", "status", 500, "error", err)
		return nil, err
	}
	if !hash.CheckPassword(user.PasswordHash, password) {
		l.Warn("login_failed", "status", 401, "reason", "wrong password")
		return nil, ErrInvalidCredentials
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		l.Error("login_failed", "status", 500, "error", err)
		return nil, err
	}

	l.Info("login_successful", "user_id", user.ID)
	s.publish(ctx, events.UserLoggedIn, user)
	return pair, nil
}

// Refresh returns a new access token. The refresh token itself is not rotated.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (string, error) {
	l := logging.FromContext(ctx).With("svc", "auth.refresh")

	if refreshToken == "" {
		return "", &ValidationError{Fields: map[string][]string{"refresh": {msgRequired}}}
	}

	user, _, err := s.liveRefresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			l.Info("refresh_rejected", "status", 401, "error", err)
		} else {
			l.Error("refresh_failed", "status", 500, "error", err)
		}
		return "", err
	}

	access, _, err := s.Tokens.Access(user.ID, user.Role, user.Username, user.Email)
	if err != nil {
		l.Error("refresh_failed", "status", 500, "error", err)
		return "", err
	}
	l.Debug("access_refreshed", "user_id", user.ID)
	return access, nil
}

// Logout revokes refreshToken. It must belong to userID.
func (s *AuthService) Logout(ctx context.Context, userID uint, refreshToken string) error {
	l := logging.FromContext(ctx).With("svc", "auth.logout", "user_id", userID)

	if refreshToken == "" {
		return ErrRefreshRequired
	}

	user, _, err := s.liveRefresh(ctx, refreshToken)
	if err != nil {
		return err
	}
	if user.ID != userID {
		l.Warn("logout_rejected", "status", 400, "reason", "token belongs to another user")
		return ErrInvalidRefreshToken
	}

	revoked, err := s.Repo.RevokeRefresh(ctx, refreshToken)
	if err != nil {
		l.Error("logout_failed", "status", 500, "reason", "cannot revoke refreshToken", "error", err)
		return err
	}
	if !revoked {
		return ErrInvalidRefreshToken
	}

	l.Info("successful_logout")
	s.publish(ctx, events.UserLoggedOut, user)
	return nil
}

// GoogleLogin signs in the owner of a verified Google ID token, creating the
// account on first use.
func (s *AuthService) GoogleLogin(ctx context.Context, idToken string) (*TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "auth.google_login")

	if s.Google == nil {
		return nil, ErrGoogleDisabled
	}
	if idToken == "" {
		return nil, &ValidationError{Fields: map[string][]string{"token": {msgRequired}}}
	}

	claims, err := s.Google.Verify(ctx, idToken)
	if err != nil {
		l.Warn("google_login_rejected", "status", 401, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidGoogleToken, err)
	}

	user, err := s.Repo.UserByEmail(ctx, claims.Email)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		user, err = s.createGoogleUser(ctx, claims)
		if err != nil {
			l.Error("google_login_failed", "status", 500, "reason", "create user", "error", err)
			return nil, err
		}
	case err != nil:
		l.Error("google_login_failed", "status", 500, "error", err)
		return nil, err
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		l.Error("google_login_failed", "status", 500, "error", err)
		return nil, err
	}

	l.Info("login_successful", "user_id", user.ID)
	s.publish(ctx, events.UserLoggedIn, user)
	return pair, nil
}

func (s *AuthService) createGoogleUser(ctx context.Context, claims *identity.Claims) (*models.User, error) {
	// Nobody knows this password; the account can only sign in through Google
	// until the user sets one.
	pwHash, err := hash.HashPassword(uuid.NewString())
	if err != nil {
		return nil, err
	}

	base := usernameFromEmail(claims.Email)
	for i := 0; i < 50; i++ {
		candidate := base
		if i > 0 {
			candidate = base + strconv.Itoa(i)
		}
		user := &models.User{
			Username:     candidate,
			Email:        claims.Email,
			FirstName:    claims.GivenName,
			LastName:     claims.FamilyName,
			PasswordHash: pwHash,
			Role:         models.RoleUser,
		}
		err := s.Repo.CreateUserIfNotExists(ctx, user)
		if errors.Is(err, repo.ErrUserAlreadyExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.publish(ctx, events.UserRegistered, user)
		return user, nil
	}
	return nil, fmt.Errorf("no free username for %q", base)
}

var notUsernameChars = regexp.MustCompile(`[^\w.@+-]`)

func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	name := notUsernameChars.ReplaceAllString(local, "")
	if len(name) > maxNameLength-3 {
		name = name[:maxNameLength-3]
	}
	if name == "" {
		name = "user"
	}
	return name
}

// liveRefresh resolves a refresh token that is signed, stored, unrevoked and
// unexpired to its owner.
func (s *AuthService) liveRefresh(ctx context.Context, refreshToken string) (*models.User, *models.RefreshToken, error) {
	claims, err := s.Tokens.ParseRefresh(refreshToken)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
	}

	stored, err := s.Repo.FindRefreshByJTI(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: unknown jti", ErrInvalidRefreshToken)
		}
		return nil, nil, err
	}
	if stored.Revoked || stored.ExpiresAt < time.Now().Unix() || stored.Token != tokens.Sha256Hex(refreshToken) {
		return nil, nil, fmt.Errorf("%w: revoked or expired", ErrInvalidRefreshToken)
	}

	userID, err := claims.UserID()
	if err != nil || userID != stored.UserID {
		return nil, nil, fmt.Errorf("%w: subject mismatch", ErrInvalidRefreshToken)
	}

	user, err := s.Repo.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: user gone", ErrInvalidRefreshToken)
		}
		return nil, nil, err
	}
	return user, stored, nil
}

func (s *AuthService) issuePair(ctx context.Context, user *models.User) (*TokenPair, error) {
	access, _, err := s.Tokens.Access(user.ID, user.Role, user.Username, user.Email)
	if err != nil {
		return nil, err
	}
	refresh, claims, err := s.Tokens.Refresh(user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.AddRefresh(ctx, user.ID, refresh, claims); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return &TokenPair{Access: access, Refresh: refresh}, nil
}

func (s *AuthService) publish(ctx context.Context, typ string, user *models.User) {
	publish(ctx, s.Events, typ, user)
}

func publish(ctx context.Context, p events.Publisher, typ string, user *models.User) {
	if p == nil {
		return
	}
	p.Publish(ctx, events.Event{Type: typ, UserID: user.ID, Username: user.Username})
}

// checkUnique adds username and email conflicts to errs for fields that are
// otherwise valid.
func checkUnique(ctx context.Context, r *repo.GormRepo, errs fieldErrors, username, email string, exceptID uint) error {
	if username != "" && len(errs["username"]) == 0 {
		taken, err := r.UsernameTaken(ctx, username, exceptID)
		if err != nil {
			return err
		}
		if taken {
			errs.add("username", msgUsernameTaken)
		}
	}
	if email != "" && len(errs["email"]) == 0 {
		taken, err := r.EmailTaken(ctx, email, exceptID)
		if err != nil {
			return err
		}
		if taken {
			errs.add("email", msgEmailTaken)
		}
	}
	return nil
}
