package service

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrInvalidCredentials  = errors.New("no active account found with the given credentials")
	ErrInvalidRefreshToken = errors.New("token is invalid or expired")
	ErrRefreshRequired     = errors.New("refresh token required")
	ErrInvalidGoogleToken  = errors.New("invalid google token")
	ErrGoogleDisabled      = errors.New("google login is not configured")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
)

// ValidationError maps field names to human readable problems.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], " "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type fieldErrors map[string][]string

func (f fieldErrors) add(field, msg string) {
	f[field] = append(f[field], msg)
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return &ValidationError{Fields: f}
}
