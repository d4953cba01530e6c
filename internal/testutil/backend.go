package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/aarogyalink/companion/internal/domain"
)

// StubBackend is a scriptable domain.Backend.
type StubBackend struct {
	ID    string
	Text  string
	Flags []string
	Usage domain.Usage
	Err   error
	// Delay blocks the call; a cancelled context ends it early unless
	// IgnoreContext is set.
	Delay         time.Duration
	IgnoreContext bool
	Panic         any

	mu      sync.Mutex
	prompts []domain.Prompt
}

func (s *StubBackend) Name() string { return s.ID }

func (s *StubBackend) SendPrompt(ctx context.Context, prompt domain.Prompt) (*domain.BackendResult, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	if s.Panic != nil {
		panic(s.Panic)
	}

	if s.Delay > 0 {
		if s.IgnoreContext {
			time.Sleep(s.Delay)
		} else {
			select {
			case <-time.After(s.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if s.Err != nil {
		return nil, s.Err
	}

	return &domain.BackendResult{
		Text:        domain.StringPtr(s.Text),
		SafetyFlags: s.Flags,
		Usage:       s.Usage,
	}, nil
}

// Prompts returns every prompt received so far.
func (s *StubBackend) Prompts() []domain.Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Prompt(nil), s.prompts...)
}

// Calls returns the number of SendPrompt calls.
func (s *StubBackend) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}
