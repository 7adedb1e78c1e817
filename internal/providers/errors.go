package providers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Sentinel errors for API failure classes, so callers can match with
// errors.Is regardless of provider.
var (
	ErrUnauthorized      = errors.New("invalid or missing API key")
	ErrInsufficientFunds = errors.New("insufficient account balance")
	ErrNotFound          = errors.New("resource not found")
	ErrProviderDown      = errors.New("provider API is unavailable")
)

// APIError is a non-2xx answer from a provider API. It wraps the matching
// sentinel error for its status class.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Unwrap maps the HTTP status to its sentinel error class.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case e.StatusCode == http.StatusPaymentRequired:
		return ErrInsufficientFunds
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode >= 500:
		return ErrProviderDown
	}
	return nil
}

// apiError builds an APIError from a response, using the body as message.
func apiError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(body)
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Message: msg}
}
