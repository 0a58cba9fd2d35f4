package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Sentinel errors for provider failures the caller discriminates on.
// Everything else is a transport error and surfaces to the user verbatim
// in the "LLM error: ..." form.
var (
	// ErrNotConfigured means no API key was supplied.
	ErrNotConfigured = errors.New("llm: api key not configured")

	// ErrToolChoiceUnsupported means the active model rejected native tool
	// definitions. The orchestrator falls back to the planning loop.
	ErrToolChoiceUnsupported = errors.New("llm: tool calling not supported by model")

	// ErrMalformedToolCall means the provider returned a tool call whose
	// arguments could not be parsed even after repair.
	ErrMalformedToolCall = errors.New("llm: malformed tool call")
)

// classify maps raw SDK errors onto the sentinel taxonomy at the provider
// boundary, so callers use errors.Is instead of matching message text.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 400 {
			if mentionsMalformedJSON(apiErr.Message) {
				return fmt.Errorf("%w: %s", ErrMalformedToolCall, apiErr.Message)
			}
			if mentionsTools(apiErr.Message) {
				return fmt.Errorf("%w: %s", ErrToolChoiceUnsupported, apiErr.Message)
			}
		}
		return fmt.Errorf("llm: api error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 400 && mentionsTools(reqErr.Error()) {
			return fmt.Errorf("%w: %v", ErrToolChoiceUnsupported, reqErr)
		}
	}

	return fmt.Errorf("llm: request failed: %w", err)
}

// mentionsTools checks whether a 400 complaint is about tool definitions.
// Providers phrase this differently ("tools is not supported", "function
// calling is not enabled", "tool_choice"), so the match stays loose.
func mentionsTools(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "tool") || strings.Contains(lower, "function")
}

// mentionsMalformedJSON catches the "failed to parse tool call arguments"
// family of 400s, which warrant a corrective retry rather than a strategy
// fallback.
func mentionsMalformedJSON(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "json") &&
		(strings.Contains(lower, "parse") || strings.Contains(lower, "arguments"))
}
