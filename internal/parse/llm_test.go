package parse

import (
	"context"
	"errors"
	"sync"

	"github.com/sells-group/hermes/pkg/anthropic"
)

// fakeLLM is a scripted anthropic.Client: it returns each entry of
// responses in order (repeating the last one for extra calls), or errs
// for a fixed number of calls before succeeding if failFirstN is set.
type fakeLLM struct {
	mu         sync.Mutex
	responses  []string
	err        error
	failFirstN int
	calls      int
}

func (f *fakeLLM) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirstN {
		return nil, errors.New("503 service unavailable")
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, errors.New("fakeLLM: no scripted response")
	}
	idx := f.calls - f.failFirstN - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: f.responses[idx]}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
