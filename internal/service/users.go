package service

import (
	"context"
	"errors"
	"strings"

	"github.com/Skotchmaster/storefront/internal/events"
	"github.com/Skotchmaster/storefront/internal/hash"
	"github.com/Skotchmaster/storefront/internal/models"
	"github.com/Skotchmaster/storefront/internal/repo"
	"github.com/Skotchmaster/storefront/internal/util"
	"github.com/Skotchmaster/storefront/pkg/logging"
)

// Actor is the authenticated caller.
type Actor struct {
	ID   uint
	Role string
}

func (a Actor) canAccess(id uint) bool {
	return a.ID == id || a.Role == models.RoleAdmin
}

// UpdateInput holds the fields to change; nil leaves a field as it is.
type UpdateInput struct {
	Username  *string
	Email     *string
	Password  *string
	FirstName *string
	LastName  *string
	Phone     *string
}

type UserService struct {
	Repo   *repo.GormRepo
	Events events.Publisher
}

type UserPage struct {
	Count   int64         `json:"count"`
	Results []models.User `json:"results"`
}

// List is restricted to admins.
func (s *UserService) List(ctx context.Context, actor Actor, page, size int) (*UserPage, error) {
	if actor.Role != models.RoleAdmin {
		return nil, ErrForbidden
	}

	offset, limit := util.Calculate(page, size)
	users, total, err := s.Repo.ListUsers(ctx, offset, limit)
	if err != nil {
		logging.FromContext(ctx).Error("list_users_failed", "svc", "users.list", "status", 500, "error", err)
		return nil, err
	}
	if users == nil {
		users = []models.User{}
	}
	return &UserPage{Count: total, Results: users}, nil
}

func (s *UserService) Get(ctx context.Context, actor Actor, id uint) (*models.User, error) {
	if !actor.canAccess(id) {
		return nil, ErrForbidden
	}
	user, err := s.Repo.UserByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

func (s *UserService) Update(ctx context.Context, actor Actor, id uint, in UpdateInput) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "users.update", "user_id", id, "actor_id", actor.ID)

	user, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	errs := fieldErrors{}
	var username, email string
	if in.Username != nil {
		username = *in.Username
		checkUsername(errs, username)
	}
	if in.Email != nil {
		email = strings.TrimSpace(*in.Email)
		checkEmail(errs, email)
	}
	if in.Password != nil {
		checkPassword(errs, *in.Password)
	}
	if in.FirstName != nil {
		checkName(errs, "first_name", *in.FirstName)
	}
	if in.LastName != nil {
		checkName(errs, "last_name", *in.LastName)
	}
	if in.Phone != nil {
		checkPhone(errs, *in.Phone)
	}
	if err := checkUnique(ctx, s.Repo, errs, username, email, id); err != nil {
		l.Error("update_failed", "status", 500, "reason", "uniqueness check", "error", err)
		return nil, err
	}
	if err := errs.err(); err != nil {
		return nil, err
	}

	if in.Username != nil {
		user.Username = username
	}
	if in.Email != nil {
		user.Email = email
	}
	if in.FirstName != nil {
		user.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		user.LastName = *in.LastName
	}
	if in.Phone != nil {
		user.Phone = *in.Phone
	}
	if in.Password != nil {
		pwHash, err := hash.HashPassword(*in.Password)
		if err != nil {
			l.Error("update_failed", "status", 500, "reason", "cannot hash the password", "error", err)
			return nil, err
		}
		user.PasswordHash = pwHash
	}

	if err := s.Repo.SaveUser(ctx, user); err != nil {
		l.Error("update_failed", "status", 500, "error", err)
		return nil, err
	}
	// A new password ends every session opened with the old one.
	if in.Password != nil {
		if err := s.Repo.RevokeAllForUser(ctx, id); err != nil {
			l.Error("update_failed", "status", 500, "reason", "cannot revoke refresh tokens", "error", err)
			return nil, err
		}
	}
	l.Info("user_updated")
	return user, nil
}

// Delete removes the user and revokes every refresh token they hold.
func (s *UserService) Delete(ctx context.Context, actor Actor, id uint) error {
	l := logging.FromContext(ctx).With("svc", "users.delete", "user_id", id, "actor_id", actor.ID)

	user, err := s.Get(ctx, actor, id)
	if err != nil {
		return err
	}

	if err := s.Repo.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		l.Error("delete_failed", "status", 500, "error", err)
		return err
	}

	l.Info("user_deleted")
	publish(ctx, s.Events, events.UserDeleted, user)
	return nil
}
