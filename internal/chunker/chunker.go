// Package chunker splits cleaned document text into overlapping segments
// suitable for embedding.
package chunker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jortega/docagent/pkg/types"
)

// Default values
const (
	DefaultSize    = 1000 // chars per chunk
	DefaultOverlap = 200  // chars shared between consecutive chunks
)

// Config contains chunking configuration. The unit is characters (byte
// offsets into the cleaned text), consistent with what the embedding
// providers accept.
type Config struct {
	Size    int
	Overlap int
}

// Chunker implements sliding-window chunking with overlap.
type Chunker struct {
	size    int
	overlap int
}

// New creates a new chunker. Size must be positive and Overlap must be
// non-negative and smaller than Size.
func New(cfg Config) (*Chunker, error) {
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Size < 0 {
		return nil, fmt.Errorf("%w: chunk size %d", types.ErrInvalidConfig, cfg.Size)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		return nil, fmt.Errorf("%w: chunk overlap %d with size %d", types.ErrInvalidConfig, cfg.Overlap, cfg.Size)
	}
	return &Chunker{size: cfg.Size, overlap: cfg.Overlap}, nil
}

// Split cuts text into chunks for the given document. Ordinals are
// contiguous from 0, spans cover [0, len(text)) with no gaps, and
// adjacent spans overlap by exactly the configured overlap (the final
// chunk may be shorter).
func (c *Chunker) Split(documentID, text string) []types.Chunk {
	if len(text) == 0 {
		return nil
	}

	step := c.size - c.overlap

	var chunks []types.Chunk
	for start := 0; ; start += step {
		end := start + c.size
		if end > len(text) {
			end = len(text)
		}

		ordinal := len(chunks)
		chunks = append(chunks, types.Chunk{
			ID:         fmt.Sprintf("%s:%d", documentID, ordinal),
			DocumentID: documentID,
			Ordinal:    ordinal,
			Text:       text[start:end],
			Span:       types.CharSpan{Start: start, End: end},
		})

		if end == len(text) {
			break
		}
	}

	return chunks
}

var (
	controlChars  = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	blankRuns     = regexp.MustCompile(`\n\s*\n(\s*\n)+`)
	spaceRuns     = regexp.MustCompile(`[ \t]+`)
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
)

// CleanText normalizes raw document text: control characters are removed,
// horizontal whitespace runs are collapsed, and runs of blank lines are
// reduced to a single blank line.
func CleanText(text string) string {
	text = controlChars.ReplaceAllString(text, "")
	text = spaceRuns.ReplaceAllString(text, " ")
	text = trailingSpace.ReplaceAllString(text, "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
