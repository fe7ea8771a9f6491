package xapi

import "fmt"

// ConfigError means the client cannot be built at all (missing
// credentials). It is fatal to construction and surfaced immediately.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "xapi config: " + e.Reason }

// AuthError means credential verification was rejected by the API.
type AuthError struct {
	HTTPStatus int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("xapi auth: HTTP %d: %s", e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("xapi auth: HTTP %d", e.HTTPStatus)
}

// MediaError means the image could not be uploaded. Callers treat it as
// non-fatal and fall back to a text-only publish.
type MediaError struct {
	Reason string
	Err    error
}

func (e *MediaError) Error() string { return "xapi media: " + e.Reason }
func (e *MediaError) Unwrap() error { return e.Err }

// PublishError means the send itself failed; the queue retries it.
type PublishError struct {
	HTTPStatus int
	Message    string
	Err        error
}

func (e *PublishError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("xapi publish: HTTP %d: %s", e.HTTPStatus, e.Message)
	}
	return "xapi publish: " + e.Message
}

func (e *PublishError) Unwrap() error { return e.Err }
