package llmport

import (
	"errors"
	"testing"
)

func TestClassifyRateLimitIsTransient(t *testing.T) {
	e := Classify("anthropic", errors.New("429 too many requests"))
	if e.Kind != Transient {
		t.Fatalf("expected Transient, got %s", e.Kind)
	}
}

func TestClassifyAuthFailure(t *testing.T) {
	e := Classify("openai", errors.New("401 Unauthorized: invalid api key"))
	if e.Kind != AuthInvalid {
		t.Fatalf("expected AuthInvalid, got %s", e.Kind)
	}
}

func TestClassifyContextLimit(t *testing.T) {
	e := Classify("anthropic", errors.New("maximum context length exceeded"))
	if e.Kind != ContextLimit {
		t.Fatalf("expected ContextLimit, got %s", e.Kind)
	}
}

func TestClassifyContentFiltered(t *testing.T) {
	e := Classify("openai", errors.New("request blocked by content policy"))
	if e.Kind != ContentFiltered {
		t.Fatalf("expected ContentFiltered, got %s", e.Kind)
	}
}

func TestClassifyModelUnavailable(t *testing.T) {
	e := Classify("bedrock", errors.New("model not found"))
	if e.Kind != ProviderUnavailable {
		t.Fatalf("expected ProviderUnavailable, got %s", e.Kind)
	}
}

func TestClassifyNilErrorReturnsNil(t *testing.T) {
	if Classify("openai", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestClassifyUnwrapsToCause(t *testing.T) {
	cause := errors.New("500 internal server error")
	e := Classify("anthropic", cause)
	if !errors.Is(e, cause) {
		t.Fatal("expected wrapped error to unwrap to cause")
	}
}
