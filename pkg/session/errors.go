package session

import (
	"errors"

	"github.com/Skotchmaster/storefront/pkg/apiclient"
)

const (
	loginFailed        = "Login failed"
	registrationFailed = "Registration failed"
)

// AuthError is a login or registration failure ready to show to the user.
// Either Message or Fields (or both) is set.
type AuthError struct {
	Message string
	Fields  map[string][]string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if len(e.Fields) > 0 {
		return (&apiclient.APIError{Fields: e.Fields}).FieldSummary()
	}
	return "authentication failed"
}

func (e *AuthError) Unwrap() error { return e.Err }

func loginError(err error) *AuthError {
	ae := &AuthError{Message: loginFailed, Err: err}
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		ae.Message = apiErr.Detail
	}
	return ae
}

func registrationError(err error) *AuthError {
	ae := &AuthError{Err: err}
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) {
		ae.Message = apiErr.Detail
		ae.Fields = apiErr.Fields
	}
	if ae.Message == "" && len(ae.Fields) == 0 {
		ae.Message = registrationFailed
	}
	return ae
}
