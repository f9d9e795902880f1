package errors

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strings"
)

// FromHTTPStatus classifies a non-2xx response from a remote endpoint.
// A quota marker in the body wins over the status code.
func FromHTTPStatus(code int, body string) *AppError {
	var c Code
	switch {
	case strings.Contains(body, "insufficient_quota"):
		c = CodeQuotaExceeded
	case code == http.StatusBadRequest:
		c = CodeInvalidRequest
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		c = CodeUnauthenticated
	case code == http.StatusTooManyRequests:
		c = CodeRateLimited
	case code >= 500:
		c = CodeUnavailable
	default:
		c = CodeUnknown
	}

	e := Newf(c, "remote endpoint returned status %d", code).
		WithMetadata("status", http.StatusText(code))
	if body != "" {
		e.WithMetadata("body", truncate(body, 256))
	}
	return e
}

// FromTransport classifies an error raised before any HTTP status was read.
func FromTransport(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return Wrap(err, CodeCancelled, "request cancelled")
	case stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(err, CodeTimeout, "request timed out")
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(err, CodeTimeout, "request timed out")
		}
		return Wrap(err, CodeNetwork, "network error")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return Wrap(err, CodeTimeout, "request timed out")
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"), strings.Contains(msg, "eof"):
		return Wrap(err, CodeNetwork, "network error")
	}
	return Wrap(err, CodeUnknown, "unexpected transport error")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
