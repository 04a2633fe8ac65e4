package llm

import (
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ErrMalformedResponse is returned when a successful reply has neither
// content nor tool calls.
var ErrMalformedResponse = errors.New("model reply has neither content nor tool calls")

// Provider error categories.
const (
	CategoryTransport      = "transport"
	CategoryAuth           = "auth"
	CategoryRateLimit      = "rate_limit"
	CategoryInvalidRequest = "invalid_request"
	CategoryServer         = "server"
)

// ProviderError is a transport or provider-side failure of a completion call.
// Status is the HTTP status when one was received, 0 otherwise.
type ProviderError struct {
	Status   int
	Category string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm provider error (%s, status %d): %v", e.Category, e.Status, e.Err)
	}
	return fmt.Sprintf("llm provider error (%s): %v", e.Category, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether an outer scheduler may reasonably try again later.
func (e *ProviderError) Retryable() bool {
	switch e.Category {
	case CategoryTransport, CategoryRateLimit, CategoryServer:
		return true
	}
	return false
}

// classify wraps a go-openai error as a ProviderError.
func classify(err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Status: apiErr.HTTPStatusCode, Category: categoryForStatus(apiErr.HTTPStatusCode), Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Status: reqErr.HTTPStatusCode, Category: categoryForStatus(reqErr.HTTPStatusCode), Err: err}
	}
	return &ProviderError{Category: CategoryTransport, Err: err}
}

func categoryForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit
	case status >= 500:
		return CategoryServer
	case status >= 400:
		return CategoryInvalidRequest
	default:
		return CategoryTransport
	}
}
