package api

import (
	"errors"
	"fmt"
)

// Error kinds
const (
	KindNetwork  = "network"
	KindStatus   = "status"
	KindDecode   = "decode"
	KindCanceled = "canceled"
)

// Error describes a failed request to the signal service
type Error struct {
	Kind       string
	URL        string
	StatusCode int // 0 unless Kind is KindStatus
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Kind, e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Kind, e.URL, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Temporary reports whether retrying the same request may succeed
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindStatus:
		return e.StatusCode >= 500 || e.StatusCode == 429
	}
	return false
}

// StatusCode extracts the HTTP status of a failed request, or 0
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

func newNetworkError(url string, cause error) *Error {
	return &Error{Kind: KindNetwork, URL: url, Message: "request failed", Cause: cause}
}

func newStatusError(url string, code int, status string) *Error {
	return &Error{Kind: KindStatus, URL: url, StatusCode: code, Message: fmt.Sprintf("HTTP %s", status)}
}

func newDecodeError(url string, cause error) *Error {
	return &Error{Kind: KindDecode, URL: url, Message: "invalid response body", Cause: cause}
}
