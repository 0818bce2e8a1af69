// Package llm adapts upstream model APIs to a stream of classified frames.
package llm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMissingCredential means no API key is configured for the provider
	ErrMissingCredential = errors.New("model API key is not configured")
	// ErrUnauthorized means the provider rejected the configured credential
	ErrUnauthorized = errors.New("model API rejected the credential")
)

// Image is a binary image part of a prompt
type Image struct {
	Name      string
	MediaType string
	Data      []byte
}

// Prompt is one multimodal user message
type Prompt struct {
	Text  string
	Image *Image
}

// KeyFunc resolves the provider credential at call time
type KeyFunc func(ctx context.Context) (string, error)

// StaticKey returns a KeyFunc for a fixed key
func StaticKey(key string) KeyFunc {
	return func(context.Context) (string, error) { return key, nil }
}

// FrameStream yields frames until it returns io.EOF
type FrameStream interface {
	Next() (Frame, error)
	Close() error
}

// Provider opens a streamed reply for a prompt
type Provider interface {
	// Name identifies the provider in logs and metrics
	Name() string
	// CheckCredential returns ErrMissingCredential when no key is available
	CheckCredential(ctx context.Context) error
	// Stream issues the request. Errors returned here happen before any
	// reply text has been produced.
	Stream(ctx context.Context, prompt Prompt) (FrameStream, error)
}

// HTTPStatusError is returned when the provider answers with a non-2xx status
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("model API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("model API returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatusCode returns the upstream status code
func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Unwrap maps authentication failures onto ErrUnauthorized
func (e *HTTPStatusError) Unwrap() error {
	if e.StatusCode == 401 || e.StatusCode == 403 {
		return ErrUnauthorized
	}
	return nil
}

func resolveKey(ctx context.Context, keys KeyFunc) (string, error) {
	if keys == nil {
		return "", ErrMissingCredential
	}
	key, err := keys(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingCredential, err)
	}
	if key == "" {
		return "", ErrMissingCredential
	}
	return key, nil
}
