package workflow

import (
	"regexp"
	"strings"
)

var fenceOpenRe = regexp.MustCompile("^(```+|~~~+)\\s*([A-Za-z0-9_+-]*)\\s*$")

// hasCodeFences reports whether the text contains fenced code spans.
func hasCodeFences(text string) bool {
	return strings.Contains(text, "```") || strings.Contains(text, "~~~")
}

// normalizeCodeFences rewrites fenced code blocks to a consistent form:
// triple backticks, opening fences tagged with a language ("text" when
// the model left it blank), and a closing fence added if the final block
// was left open.
func normalizeCodeFences(text string) string {
	lines := strings.Split(text, "\n")
	inBlock := false

	for i, line := range lines {
		m := fenceOpenRe.FindStringSubmatch(strings.TrimRight(line, " \t"))
		if m == nil {
			continue
		}
		if !inBlock {
			lang := m[2]
			if lang == "" {
				lang = "text"
			}
			lines[i] = "```" + strings.ToLower(lang)
			inBlock = true
		} else {
			lines[i] = "```"
			inBlock = false
		}
	}

	if inBlock {
		lines = append(lines, "```")
	}
	return strings.Join(lines, "\n")
}
