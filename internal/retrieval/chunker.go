// Package retrieval implements the hybrid retrieval index (vector +
// keyword): it chunks documents, maintains a vector index and a full-text
// index, and answers RRF-fused hybrid queries.
package retrieval

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/justinstimatze/undercity/internal/core"
)

// ChunkerConfig tunes the paragraph/sentence/whitespace chunking cascade.
type ChunkerConfig struct {
	// TargetTokens is the chunker's preferred chunk size, in estimated tokens.
	TargetTokens int
	// MinTokens is the smallest chunk the chunker will emit on its own; the
	// final chunk of a document may still fall short of this.
	MinTokens int
}

// DefaultChunkerConfig returns the spec's defaults: ~500 target, ~50 minimum.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{TargetTokens: 500, MinTokens: 50}
}

// Chunker splits document text into core.Chunk values for a given document id.
type Chunker struct {
	cfg ChunkerConfig
}

// NewChunker creates a Chunker with the given configuration.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.TargetTokens <= 0 {
		cfg.TargetTokens = DefaultChunkerConfig().TargetTokens
	}
	if cfg.MinTokens <= 0 {
		cfg.MinTokens = DefaultChunkerConfig().MinTokens
	}
	return &Chunker{cfg: cfg}
}

var paragraphSplit = regexp.MustCompile(`\n\s*\n+`)

// sentenceSplit approximates sentence boundaries on ., !, ? followed by
// whitespace and an uppercase or digit start, without pulling in a full
// Unicode sentence-segmentation library.
var sentenceSplit = regexp.MustCompile(`(?:[.!?]+)\s+`)

// estimateTokens is a cheap token-count proxy: ~4 characters per token,
// matching the coarse heuristic most local tokenless chunkers use.
func estimateTokens(s string) int {
	n := len(strings.TrimSpace(s))
	if n == 0 {
		return 0
	}
	tokens := n / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// Chunk splits text into chunks, never crossing a paragraph boundary unless
// the paragraph itself exceeds TargetTokens (in which case it further splits
// at sentence boundaries, then at whitespace as a last resort). Chunks are
// tagged with documentID and a dense, monotone 0-based sequence number.
func (c *Chunker) Chunk(documentID string, text string) []core.Chunk {
	paragraphs := splitNonEmpty(paragraphSplit, text)
	if len(paragraphs) == 0 {
		return nil
	}

	var pieces []string
	for _, p := range paragraphs {
		if estimateTokens(p) <= c.cfg.TargetTokens {
			pieces = append(pieces, p)
			continue
		}
		pieces = append(pieces, c.splitOversized(p)...)
	}

	merged := c.mergeSmall(pieces)

	chunks := make([]core.Chunk, 0, len(merged))
	byteOffset := 0
	for i, content := range merged {
		start := strings.Index(text[byteOffset:], content)
		var byteStart, byteEnd int
		if start >= 0 {
			byteStart = byteOffset + start
			byteEnd = byteStart + len(content)
			byteOffset = byteEnd
		}
		chunks = append(chunks, core.Chunk{
			DocumentID: documentID,
			Sequence:   i,
			Content:    content,
			TokenCount: estimateTokens(content),
			ByteStart:  byteStart,
			ByteEnd:    byteEnd,
		})
	}
	return chunks
}

// splitOversized splits a too-large paragraph at sentence boundaries, then
// falls back to whitespace if a single "sentence" is still oversized.
func (c *Chunker) splitOversized(paragraph string) []string {
	sentences := splitNonEmpty(sentenceSplit, paragraph)
	if len(sentences) <= 1 {
		return c.splitByWhitespace(paragraph)
	}

	var out []string
	var current strings.Builder
	for _, s := range sentences {
		if estimateTokens(s) > c.cfg.TargetTokens {
			if current.Len() > 0 {
				out = append(out, strings.TrimSpace(current.String()))
				current.Reset()
			}
			out = append(out, c.splitByWhitespace(s)...)
			continue
		}
		if current.Len() > 0 && estimateTokens(current.String())+estimateTokens(s) > c.cfg.TargetTokens {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(s)
	}
	if current.Len() > 0 {
		out = append(out, strings.TrimSpace(current.String()))
	}
	return out
}

func (c *Chunker) splitByWhitespace(s string) []string {
	words := strings.FieldsFunc(s, unicode.IsSpace)
	if len(words) == 0 {
		return nil
	}
	var out []string
	var current strings.Builder
	for _, w := range words {
		if current.Len() > 0 && estimateTokens(current.String())+estimateTokens(w) > c.cfg.TargetTokens {
			out = append(out, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(w)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

// mergeSmall folds any chunk under MinTokens into its neighbor, so a stray
// short paragraph doesn't become a useless standalone chunk.
func (c *Chunker) mergeSmall(pieces []string) []string {
	if len(pieces) == 0 {
		return nil
	}
	merged := make([]string, 0, len(pieces))
	var pending string
	for _, p := range pieces {
		if pending != "" {
			p = pending + "\n\n" + p
			pending = ""
		}
		if estimateTokens(p) < c.cfg.MinTokens {
			pending = p
			continue
		}
		merged = append(merged, p)
	}
	if pending != "" {
		if len(merged) > 0 {
			merged[len(merged)-1] = merged[len(merged)-1] + "\n\n" + pending
		} else {
			merged = append(merged, pending)
		}
	}
	return merged
}

func splitNonEmpty(re *regexp.Regexp, s string) []string {
	parts := re.Split(s, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
