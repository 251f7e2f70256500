package crm

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized       = errors.New("crm: unauthorized after token refresh")
	ErrRefreshFailed      = errors.New("crm: token refresh failed")
	ErrMissingCredentials = errors.New("crm: missing credentials")
	ErrUnknownProvider    = errors.New("crm: unknown provider")
	ErrUnsupported        = errors.New("crm: operation not supported by provider")
	ErrQueueFull          = errors.New("crm: rate limiter queue is full")
	ErrLimiterClosed      = errors.New("crm: rate limiter closed")
)

// APIError is a non-success response from a provider API.
type APIError struct {
	Provider Provider
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s api error: status %d: %s", e.Provider, e.Status, body)
}
