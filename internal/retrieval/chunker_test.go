package retrieval

import (
	"strings"
	"testing"
)

func TestChunk_NeverCrossesParagraphBoundaryUnlessOversized(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: 500, MinTokens: 1})
	text := "First paragraph here.\n\nSecond paragraph here."
	chunks := c.Chunk("doc1", text)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Sequence != 0 || chunks[1].Sequence != 1 {
		t.Fatalf("expected dense monotone sequence numbers, got %d, %d", chunks[0].Sequence, chunks[1].Sequence)
	}
}

func TestChunk_SplitsOversizedParagraphAtSentenceBoundaries(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: 5, MinTokens: 1})
	sentence := "This is one sentence that is reasonably long for testing purposes."
	text := strings.Repeat(sentence+" ", 10)
	chunks := c.Chunk("doc1", text)
	if len(chunks) < 2 {
		t.Fatalf("expected oversized paragraph to split into multiple chunks, got %d", len(chunks))
	}
}

func TestChunk_EmptyTextProducesNoChunks(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	chunks := c.Chunk("doc1", "")
	if len(chunks) != 0 {
		t.Fatalf("expected zero chunks for empty text, got %d", len(chunks))
	}
}

func TestChunk_MergesSmallChunksIntoNeighbor(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: 500, MinTokens: 100})
	text := "Tiny.\n\nAlso quite a small paragraph that still falls under the minimum chunk size threshold we configured for this test."
	chunks := c.Chunk("doc1", text)
	for _, ch := range chunks {
		if ch.TokenCount == 0 {
			t.Fatalf("a zero-length chunk must never be stored")
		}
	}
}
