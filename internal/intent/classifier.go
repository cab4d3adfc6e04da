// Package intent classifies user messages relative to the conversation
// and the indexed document. Classification is a pattern pass, optionally
// refined by an LLM call at temperature zero. Both passes are
// deterministic for identical inputs, and refinement failures fall back
// to the pattern result so a dead provider never blocks a turn.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jortega/docagent/pkg/provider"
	"github.com/jortega/docagent/pkg/types"
)

var (
	clarificationRe = regexp.MustCompile(`(?i)\b(what (do|did) you mean|don'?t understand|can you (explain|clarify|rephrase)|confused|in other words|simpler terms|explain (that|this) again)\b`)
	followUpRe      = regexp.MustCompile(`(?i)^(and |also |what about |how about |then |so |ok(ay)?[ ,])`)
	referentialRe   = regexp.MustCompile(`(?i)\b(it|that|this|those|these|they|the same)\b`)
	outOfScopeRe    = regexp.MustCompile(`(?i)\b(weather|joke|recipe|sports? scores?|stock price|who are you|tell me about yourself|what'?s your name)\b`)
)

// Config holds classifier options.
type Config struct {
	// LLM, when set, refines the pattern result. Nil means pattern-only.
	LLM    provider.LLMProvider
	Logger *slog.Logger
}

// Classifier assigns an intent to each user message.
type Classifier struct {
	llm    provider.LLMProvider
	logger *slog.Logger
}

// New creates a classifier.
func New(cfg Config) *Classifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Classifier{llm: cfg.LLM, logger: cfg.Logger}
}

// Classify returns the intent for message given the recent turns. It
// never returns an invalid label; on full failure the caller still gets
// new_topic and an error to log.
func (c *Classifier) Classify(ctx context.Context, message string, recent []types.Turn) (types.Intent, error) {
	patternIntent := classifyPatterns(message, recent)

	if c.llm == nil {
		return patternIntent, nil
	}

	refined, err := c.refine(ctx, message, recent)
	if err != nil {
		c.logger.Warn("intent refinement failed, using pattern result",
			"pattern_intent", patternIntent, "error", err)
		return patternIntent, nil
	}
	return refined, nil
}

// classifyPatterns is the deterministic first pass.
func classifyPatterns(message string, recent []types.Turn) types.Intent {
	trimmed := strings.TrimSpace(message)

	if outOfScopeRe.MatchString(trimmed) {
		return types.IntentOutOfScope
	}

	// Nothing to follow up on or clarify without prior turns.
	if len(recent) == 0 {
		return types.IntentNewTopic
	}

	if clarificationRe.MatchString(trimmed) {
		return types.IntentClarification
	}
	if followUpRe.MatchString(trimmed) {
		return types.IntentFollowUp
	}
	// Short referential questions lean on the previous answer.
	if len(trimmed) < 60 && referentialRe.MatchString(trimmed) {
		return types.IntentFollowUp
	}

	return types.IntentNewTopic
}

const refinePrompt = `Classify the user's latest message into exactly one category:
- new_topic: a fresh question answerable from the documentation
- follow_up: continues the previous exchange, relies on it for meaning
- clarification: asks to re-explain or rephrase a previous answer
- out_of_scope: unrelated to the documentation

Recent conversation:
%s
Latest message: %s

Reply with only the category name.`

// refine asks the LLM for a label and validates it.
func (c *Classifier) refine(ctx context.Context, message string, recent []types.Turn) (types.Intent, error) {
	var history strings.Builder
	for _, turn := range recent {
		fmt.Fprintf(&history, "%s: %s\n", turn.Role, turn.Text)
	}
	if history.Len() == 0 {
		history.WriteString("(none)\n")
	}

	prompt := fmt.Sprintf(refinePrompt, history.String(), message)

	resp, err := c.llm.Generate(ctx, prompt, provider.GenerateOptions{
		MaxTokens:   8,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}

	label := types.Intent(strings.ToLower(strings.Trim(strings.TrimSpace(resp), `."'`)))
	if !label.Valid() {
		return "", fmt.Errorf("model returned unknown label %q", resp)
	}
	return label, nil
}
