package graphapi

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a platform failure so callers can branch without
// parsing messages.
type ErrorKind string

const (
	KindTokenExpired ErrorKind = "token_expired"
	KindRateLimited  ErrorKind = "rate_limited"
	KindAPIError     ErrorKind = "api_error"
	KindNetworkError ErrorKind = "network_error"
	KindParseError   ErrorKind = "parse_error"
)

// oauthExceptionCode is the graph error code for invalid or expired tokens,
// sometimes returned with status 400 instead of 401.
const oauthExceptionCode = 190

// APIError is returned once a request has failed for good.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Code    int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("graph api %s (status %d): %s", e.Kind, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("graph api %s (status %d)", e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("graph api %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("graph api %s", e.Kind)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" when err is not an APIError.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsKind reports whether err is an APIError of kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// kindForStatus maps a final non-2xx status to its kind.
func kindForStatus(status, code int) ErrorKind {
	switch {
	case status == 401 || code == oauthExceptionCode:
		return KindTokenExpired
	case status == 429:
		return KindRateLimited
	}
	return KindAPIError
}
