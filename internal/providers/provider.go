// Package providers presents one uniform text-generation/embedding contract
// over N interchangeable AI backends, selected by configuration instead of
// compiled-in branching.
package providers

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownProvider is returned when a name resolves to no registered backend.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrEmbeddingUnsupported is returned by providers without an embedding model.
	ErrEmbeddingUnsupported = errors.New("embedding not supported by provider")
)

// Options tunes a single generation call. Zero values fall back to the
// provider's configured defaults.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Provider is one AI backend. Implementations wrap every transport failure in
// *ProviderError; raw network errors never reach callers.
type Provider interface {
	// Name returns the unique lowercase provider name.
	Name() string

	// GenerateText sends a prompt and returns the model's text completion.
	GenerateText(ctx context.Context, prompt string, opts Options) (string, error)

	// Embed returns an embedding vector for the text, or ErrEmbeddingUnsupported.
	Embed(ctx context.Context, text string) ([]float64, error)

	// TestAvailability performs a cheap connectivity probe. Diagnostics only,
	// never on the generation path.
	TestAvailability(ctx context.Context) error
}

// ProviderError wraps a backend failure with the provider's name. Callers treat
// it as retryable-by-resubmission; the core never auto-retries.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
