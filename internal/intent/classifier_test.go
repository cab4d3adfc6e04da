package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/jortega/docagent/pkg/provider"
	"github.com/jortega/docagent/pkg/types"
)

type stubLLM struct {
	response string
	err      error
	calls    int
}

func (s *stubLLM) Name() string { return "stub" }
func (s *stubLLM) Close() error { return nil }

func (s *stubLLM) Generate(ctx context.Context, prompt string, opts provider.GenerateOptions) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func someHistory() []types.Turn {
	return []types.Turn{
		{ChatID: "chat1", Index: 0, Role: types.RoleUser, Text: "how do I configure logging?"},
		{ChatID: "chat1", Index: 1, Role: types.RoleAgent, Text: "Set the log_level option in the config file."},
	}
}

func TestClassifyPatterns(t *testing.T) {
	tests := []struct {
		name    string
		message string
		recent  []types.Turn
		want    types.Intent
	}{
		{"first message is new topic", "how do I configure logging?", nil, types.IntentNewTopic},
		{"fresh question stays new topic", "how do I enable TLS on the server?", someHistory(), types.IntentNewTopic},
		{"explicit follow up", "and what about the log format?", someHistory(), types.IntentFollowUp},
		{"short referential follow up", "where does it write that?", someHistory(), types.IntentFollowUp},
		{"clarification request", "I don't understand, can you explain that again?", someHistory(), types.IntentClarification},
		{"off topic", "what's the weather like today?", someHistory(), types.IntentOutOfScope},
		{"referential without history is new topic", "where does it write that?", nil, types.IntentNewTopic},
	}

	c := New(Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Classify(context.Background(), tt.message, tt.recent)
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.message, got, tt.want)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := New(Config{})
	recent := someHistory()

	first, _ := c.Classify(context.Background(), "and the format?", recent)
	for i := 0; i < 10; i++ {
		got, _ := c.Classify(context.Background(), "and the format?", recent)
		if got != first {
			t.Fatalf("classification changed between identical calls: %s then %s", first, got)
		}
	}
}

func TestClassifyLLMRefinement(t *testing.T) {
	t.Run("valid label overrides pattern", func(t *testing.T) {
		llm := &stubLLM{response: "out_of_scope"}
		c := New(Config{LLM: llm})

		got, err := c.Classify(context.Background(), "how do sandwiches work?", someHistory())
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if got != types.IntentOutOfScope {
			t.Errorf("expected refined out_of_scope, got %s", got)
		}
		if llm.calls != 1 {
			t.Errorf("expected one LLM call, got %d", llm.calls)
		}
	})

	t.Run("label is trimmed and lowercased", func(t *testing.T) {
		llm := &stubLLM{response: " Follow_Up.\n"}
		c := New(Config{LLM: llm})

		got, err := c.Classify(context.Background(), "tell me more", someHistory())
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if got != types.IntentFollowUp {
			t.Errorf("expected follow_up, got %s", got)
		}
	})

	t.Run("invalid label falls back to pattern result", func(t *testing.T) {
		llm := &stubLLM{response: "banana"}
		c := New(Config{LLM: llm})

		got, err := c.Classify(context.Background(), "and what about the log format?", someHistory())
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if got != types.IntentFollowUp {
			t.Errorf("expected pattern fallback follow_up, got %s", got)
		}
	})

	t.Run("provider error falls back to pattern result", func(t *testing.T) {
		llm := &stubLLM{err: errors.New("connection refused")}
		c := New(Config{LLM: llm})

		got, err := c.Classify(context.Background(), "how do I enable TLS?", someHistory())
		if err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
		if got != types.IntentNewTopic {
			t.Errorf("expected pattern fallback new_topic, got %s", got)
		}
	})
}
