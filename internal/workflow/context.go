package workflow

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jortega/docagent/pkg/types"
)

// noContextMarker is injected into the prompt when neither retrieval nor
// memory produced usable context.
const noContextMarker = "No relevant context was found in the documentation."

// buildContext merges retrieved chunks and recent turns into a single
// prompt context bounded by budget characters. Chunks keep their
// descending-score order; duplicate texts are dropped. When over budget,
// the lowest-scoring chunks go first, then the oldest memory turns.
func buildContext(retrieved []types.RetrievalResult, memoryTurns []types.Turn, budget int) string {
	chunks := dedupeChunks(retrieved)

	for {
		rendered := renderContext(chunks, memoryTurns)
		if len(rendered) <= budget || budget <= 0 {
			return rendered
		}
		// Retrieved order is descending score, so the last chunk is the
		// weakest match.
		if len(chunks) > 0 {
			chunks = chunks[:len(chunks)-1]
			continue
		}
		if len(memoryTurns) > 0 {
			memoryTurns = memoryTurns[1:]
			continue
		}
		// A single oversized section still has to fit.
		return truncate(rendered, budget)
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func dedupeChunks(retrieved []types.RetrievalResult) []types.RetrievalResult {
	seen := make(map[string]struct{}, len(retrieved))
	out := make([]types.RetrievalResult, 0, len(retrieved))
	for _, r := range retrieved {
		key := strings.TrimSpace(r.Text)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

func renderContext(chunks []types.RetrievalResult, memoryTurns []types.Turn) string {
	var b strings.Builder

	if len(chunks) > 0 {
		b.WriteString("Documentation excerpts:\n")
		for _, c := range chunks {
			fmt.Fprintf(&b, "[%d] %s\n", c.Ordinal, strings.TrimSpace(c.Text))
		}
	}

	if len(memoryTurns) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Recent conversation:\n")
		for _, turn := range memoryTurns {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Text)
		}
	}

	if b.Len() == 0 {
		return noContextMarker
	}
	return b.String()
}
