package provider

import "fmt"

// AuthError reports a 401/403 from the provider. Never retried: a bad
// credential will not fix itself.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider auth rejected: status %d", e.StatusCode)
}

// RateLimitedError reports a 429 from the provider. The client backs off and
// rotates proxies before trying again.
type RateLimitedError struct {
	RetryAfter string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
	}
	return "provider rate limited"
}

// APIError reports a non-zero error code in the provider's response
// envelope: the HTTP exchange succeeded but the API refused the request.
type APIError struct {
	Code    int
	Message string
	Op      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: provider api error %d: %s", e.Op, e.Code, e.Message)
}

// StatusError reports an unexpected HTTP status with no parseable envelope.
type StatusError struct {
	StatusCode int
	Op         string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}
