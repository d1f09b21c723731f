package parse

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hermes/internal/herrors"
	"github.com/sells-group/hermes/internal/resilience"
	"github.com/sells-group/hermes/pkg/anthropic"
)

// llmRetryConfig is the shared LLM retry policy from spec.md §4.5: min 4s,
// max 120s backoff, up to 6 attempts, retrying only rate-limit, connection,
// or server-side-500 errors. Validation/JSON-shape errors are never
// retried — they're final for that call.
func llmRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    6,
		InitialBackoff: 4 * time.Second,
		MaxBackoff:     120 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
		ShouldRetry:    func(err error) bool { return herrors.Is(err, herrors.KindLLMTransient) },
		OnRetry:        resilience.RetryLogger("anthropic", "extract"),
	}
}

// callLLM sends one message to the model and returns its concatenated text
// content plus token usage. Transport-level failures (rate limit,
// connection reset, 5xx) are retried under llmRetryConfig; anything else is
// classified KindLLMBadOutput and returned immediately, final for the call.
func callLLM(ctx context.Context, client anthropic.Client, model string, maxTokens int64, system, user string) (string, anthropic.TokenUsage, error) {
	req := anthropic.MessageRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    []anthropic.SystemBlock{{Text: system}},
		Messages:  []anthropic.Message{{Role: "user", Content: user}},
	}

	resp, err := resilience.DoVal(ctx, llmRetryConfig(), func(ctx context.Context) (*anthropic.MessageResponse, error) {
		r, callErr := client.CreateMessage(ctx, req)
		if callErr != nil {
			return nil, classifyLLMErr(callErr)
		}
		return r, nil
	})
	if err != nil {
		return "", anthropic.TokenUsage{}, err
	}

	resp.Usage.LogCost(model, "parse")
	return extractText(resp), resp.Usage, nil
}

// classifyLLMErr tags a raw Anthropic client error as transient (worth
// retrying) or final, mirroring the teacher's resilience.TransientError
// classification but folded into the closed herrors.Kind taxonomy so
// callers across the parse/portal/storage boundary share one vocabulary.
func classifyLLMErr(err error) error {
	if err == nil {
		return nil
	}
	if resilience.IsTransient(err) {
		return herrors.New(herrors.KindLLMTransient, err)
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"rate limit", "rate_limit", "429", "500", "502", "503", "504", "overloaded", "too many requests"} {
		if strings.Contains(msg, p) {
			return herrors.New(herrors.KindLLMTransient, err)
		}
	}
	return herrors.New(herrors.KindLLMBadOutput, err)
}

// extractText concatenates every text content block of a response, the way
// the teacher's pipeline/linkedin.go extractText does.
func extractText(resp *anthropic.MessageResponse) string {
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" || block.Type == "" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// cleanJSON strips markdown code fences and trims to the outermost JSON
// object or array, the way the teacher's pipeline/linkedin.go cleanJSON
// does — LLMs routinely wrap JSON answers in commentary or ```json fences.
func cleanJSON(text string) string {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	open := s[start]
	closeByte := byte('}')
	if open == '[' {
		closeByte = ']'
	}
	end := strings.LastIndexByte(s, closeByte)
	if end < start {
		return s
	}
	return s[start : end+1]
}

// llmBadOutput wraps a JSON decode failure as a terminal, non-retryable
// error for that call.
func llmBadOutput(context string, err error) error {
	return herrors.New(herrors.KindLLMBadOutput, eris.Wrapf(err, "parse: %s", context))
}
