package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorKind is the coarse category of a model failure.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindConfig    ErrorKind = "config"
	KindTransient ErrorKind = "transient"
	KindOther     ErrorKind = "other"
)

// Class is the classification used by the retry policy.
type Class string

const (
	ClassAuth   Class = "auth_error"
	ClassConfig Class = "config_error"
	ClassOther  Class = "other"
)

// ErrMissingAPIKey is returned when a model has no usable credentials.
var ErrMissingAPIKey = &APIError{Kind: KindConfig, Message: "missing api key"}

// APIError is a failed model call.
type APIError struct {
	StatusCode int
	Kind       ErrorKind
	Provider   string
	Model      string
	Message    string
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("model error")
	if e.Model != "" {
		fmt.Fprintf(&b, " (%s)", e.Model)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// KindForStatus maps an HTTP status code (and body text) to an error kind.
func KindForStatus(code int, body string) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusNotFound:
		return KindConfig
	case code == http.StatusBadRequest:
		lower := strings.ToLower(body)
		if strings.Contains(lower, "model") || strings.Contains(lower, "api key") {
			return KindConfig
		}
		return KindOther
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return KindTransient
	}
	return KindOther
}

// Classify maps err to auth_error, config_error or other.
func Classify(err error) Class {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return ClassOther
	}
	switch apiErr.Kind {
	case KindAuth:
		return ClassAuth
	case KindConfig:
		return ClassConfig
	}
	return ClassOther
}

// IsRetryable reports whether err is transient: throttling, upstream 5xx, timeouts or dropped connections.
// Caller cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
