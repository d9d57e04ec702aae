package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrNetwork        = errors.New("network error")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrSessionExpired = errors.New("session expired")
)

// NetworkError means no response was received at all.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("cannot reach %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// APIError is a non-2xx response. Detail and Fields are best-effort views of
// the body; Body keeps the raw bytes.
type APIError struct {
	StatusCode int
	Detail     string
	Fields     map[string][]string
	Body       []byte
}

func (e *APIError) Error() string {
	switch {
	case e.Detail != "":
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Detail)
	case len(e.Fields) > 0:
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.FieldSummary())
	default:
		return fmt.Sprintf("api error %d", e.StatusCode)
	}
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// FieldSummary renders Fields as "field: msg; other: msg" in key order.
func (e *APIError) FieldSummary() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], ", "))
	}
	return strings.Join(parts, "; ")
}

var detailKeys = []string{"detail", "message", "error"}

// ErrorFromResponse builds the *APIError for a non-2xx status and body.
func ErrorFromResponse(status int, body []byte) *APIError {
	return newAPIError(status, body)
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: body}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return apiErr
	}

	for _, k := range detailKeys {
		if v, ok := raw[k]; ok {
			var s string
			if json.Unmarshal(v, &s) == nil && s != "" {
				apiErr.Detail = s
				break
			}
		}
	}

	fields := make(map[string][]string)
	for k, v := range raw {
		if isDetailKey(k) {
			continue
		}
		var list []string
		if json.Unmarshal(v, &list) == nil && len(list) > 0 {
			fields[k] = list
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			fields[k] = []string{s}
		}
	}
	if len(fields) > 0 {
		apiErr.Fields = fields
	}
	return apiErr
}

func isDetailKey(k string) bool {
	for _, d := range detailKeys {
		if k == d {
			return true
		}
	}
	return false
}
