// Package platform holds the result and error vocabulary shared by the Reddit and Twitter integrations.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindPrivate     ErrorKind = "private"
	KindRestricted  ErrorKind = "restricted"
	KindBanned      ErrorKind = "banned"
	KindTimeout     ErrorKind = "timeout"
	KindUpload      ErrorKind = "upload"
	KindRateLimited ErrorKind = "rate_limited"
	KindAuth        ErrorKind = "auth"
	KindUnknown     ErrorKind = "unknown"
)

// Retryable reports whether another target may succeed where this one failed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindPrivate, KindRestricted, KindBanned, KindTimeout, KindUpload:
		return true
	default:
		return false
	}
}

// TargetSpecific reports whether the failure is tied to the destination rather than the account or network.
func (k ErrorKind) TargetSpecific() bool {
	return k == KindPrivate || k == KindRestricted || k == KindBanned
}

// Result is the uniform outcome of a publish call.
type Result struct {
	Success bool
	URL     string
	ID      string
	Err     error
	Kind    ErrorKind
}

func Succeeded(id, url string) Result {
	return Result{Success: true, ID: id, URL: url}
}

func Failed(kind ErrorKind, err error) Result {
	if kind == KindNone {
		kind = KindUnknown
	}
	return Result{Kind: kind, Err: &Error{Kind: kind, Err: err}}
}

// Error carries a kind through error chains so callers can use errors.As.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind of err, classifying transport errors and falling back to message matching.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return ClassifyMessage(err.Error())
}

var messageKinds = []struct {
	kind     ErrorKind
	keywords []string
}{
	{KindBanned, []string{"banned", "suspended"}},
	{KindPrivate, []string{"private", "invite only"}},
	{KindRestricted, []string{"restricted", "not allowed", "notallowed", "approved submitters"}},
	{KindRateLimited, []string{"ratelimit", "rate limit", "too many requests"}},
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindUpload, []string{"upload", "media"}},
	{KindAuth, []string{"unauthorized", "invalid_grant", "forbidden"}},
}

// ClassifyMessage maps free-text error messages to a kind. It only serves errors that carry no structure.
func ClassifyMessage(msg string) ErrorKind {
	m := strings.ToLower(msg)
	for _, mk := range messageKinds {
		for _, kw := range mk.keywords {
			if strings.Contains(m, kw) {
				return mk.kind
			}
		}
	}
	return KindUnknown
}

// KindForStatus maps an HTTP status to a kind. Callers refine 403s using the response body.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusForbidden:
		return KindRestricted
	case status == http.StatusNotFound:
		return KindPrivate
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusRequestEntityTooLarge, status == http.StatusUnsupportedMediaType:
		return KindUpload
	default:
		return KindUnknown
	}
}
