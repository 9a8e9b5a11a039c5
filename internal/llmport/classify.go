package llmport

import "strings"

// Classify inspects a raw provider error and maps it onto the small
// taxonomy, using the same substring heuristics the teacher's provider
// clients use to read structured failures out of plain error strings.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	s := strings.ToLower(err.Error())

	switch {
	case containsAny(s, "timeout", "deadline exceeded", "context deadline", "rate limit", "rate_limit", "too many requests", "429", "internal server", "server error", "500", "502", "503", "504"):
		return &Error{Kind: Transient, Provider: provider, Cause: err}
	case containsAny(s, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return &Error{Kind: AuthInvalid, Provider: provider, Cause: err}
	case containsAny(s, "context length", "context_length", "context window", "maximum context", "too many tokens"):
		return &Error{Kind: ContextLimit, Provider: provider, Cause: err}
	case containsAny(s, "content_filter", "content policy", "safety", "blocked"):
		return &Error{Kind: ContentFiltered, Provider: provider, Cause: err}
	case containsAny(s, "model not found", "model_not_found", "does not exist", "unavailable", "billing", "payment", "quota", "402"):
		return &Error{Kind: ProviderUnavailable, Provider: provider, Cause: err}
	default:
		return &Error{Kind: Transient, Provider: provider, Cause: err}
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
