package domain

import (
	"context"
)

// Backend is the capability every LLM adapter exposes to the dispatcher.
type Backend interface {
	Name() string

	// SendPrompt performs one call. Any failure is returned as an error and
	// the caller treats the backend's text as absent.
	SendPrompt(ctx context.Context, prompt Prompt) (*BackendResult, error)
}

// Dispatcher turns one Query into one DispatchResponse.
type Dispatcher interface {
	Dispatch(ctx context.Context, q Query) (*DispatchResponse, error)
}
