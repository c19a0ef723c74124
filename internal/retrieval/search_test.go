package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/justinstimatze/undercity/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "rag.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSanitizeQuery_RemovesReservedCharacters(t *testing.T) {
	for _, r := range ftsReservedChars {
		if got := sanitizeQuery(string(r)); got != "" {
			t.Fatalf("expected reserved character %q to sanitize to empty, got %q", r, got)
		}
	}
}

func TestSearch_EmptyAndPunctuationOnlyQueriesReturnEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.IndexDocument(ctx, core.Document{ID: "d1", Source: "code"}, "some content about things"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	for _, q := range []string{"", "   ", "@#$%"} {
		results, err := s.Search(ctx, q, core.DefaultSearchOptions())
		if err != nil {
			t.Fatalf("Search(%q): %v", q, err)
		}
		if len(results) != 0 {
			t.Fatalf("Search(%q) expected [], got %d results", q, len(results))
		}
	}
}

// Both sub-searches should hit c1 for this query, and their fused score
// must rank it above the unrelated chunk.
func TestSearch_HybridFusionRanksRelevantChunkFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.IndexDocument(ctx, core.Document{ID: "c1", Source: "code"}, "TypeScript Zod validation schemas"); err != nil {
		t.Fatalf("IndexDocument c1: %v", err)
	}
	if err := s.IndexDocument(ctx, core.Document{ID: "c2", Source: "code"}, "Python pandas data processing"); err != nil {
		t.Fatalf("IndexDocument c2: %v", err)
	}

	results, err := s.Search(ctx, "Zod validation", core.DefaultSearchOptions())
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one result")
	}
	if results[0].Document.ID != "c1" {
		t.Fatalf("expected c1 ranked first, got %s", results[0].Document.ID)
	}
	if results[0].VectorScore == nil || *results[0].VectorScore <= 0 {
		t.Fatalf("expected c1 to have a positive vector score")
	}
	if results[0].FTSScore == nil || *results[0].FTSScore <= 0 {
		t.Fatalf("expected c1 to have a positive fts score")
	}

	wantScore := 0.7/float64(60) + 0.3/float64(60)
	if abs(results[0].Score-wantScore) > 1e-9 {
		t.Fatalf("expected rank-0/rank-0 fused score %.6f, got %.6f", wantScore, results[0].Score)
	}
}

func TestSearch_SourceFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.IndexDocument(ctx, core.Document{ID: "d1", Source: "code"}, "widget factory configuration loader"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	if err := s.IndexDocument(ctx, core.Document{ID: "d2", Source: "docs"}, "widget factory configuration loader"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	opts := core.DefaultSearchOptions()
	opts.Sources = []string{"docs"}
	results, err := s.Search(ctx, "widget factory configuration", opts)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Document.Source != "docs" {
			t.Fatalf("expected only docs source, got %s", r.Document.Source)
		}
	}
}

func TestIndexDocument_IdempotentOnUnchangedHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := core.Document{ID: "d1", Source: "code", FileHash: "hash-v1"}
	if err := s.IndexDocument(ctx, doc, "alpha beta gamma delta"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	idsBefore := chunkIDs(t, s, "d1")

	if err := s.IndexDocument(ctx, doc, "alpha beta gamma delta CHANGED BUT HASH SAME"); err != nil {
		t.Fatalf("IndexDocument (no-op expected): %v", err)
	}
	idsAfter := chunkIDs(t, s, "d1")

	if len(idsBefore) != len(idsAfter) {
		t.Fatalf("expected no chunk rows to change on unchanged hash re-index")
	}
}

func TestIndexDocument_ChangedHashReplacesChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := core.Document{ID: "d1", Source: "code", FileHash: "hash-v1"}
	if err := s.IndexDocument(ctx, doc, "alpha beta gamma delta"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	doc.FileHash = "hash-v2"
	if err := s.IndexDocument(ctx, doc, "entirely different content now"); err != nil {
		t.Fatalf("IndexDocument v2: %v", err)
	}

	results, err := s.Search(ctx, "alpha beta gamma", core.DefaultSearchOptions())
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Document.ID == "d1" {
			t.Fatalf("expected old content to be gone after hash change")
		}
	}
}

func TestDeleteDocument_CascadesToChunksAndEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.IndexDocument(ctx, core.Document{ID: "d1", Source: "code"}, "alpha beta gamma delta"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	if err := s.DeleteDocument(ctx, "d1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if ids := chunkIDs(t, s, "d1"); len(ids) != 0 {
		t.Fatalf("expected no chunks after delete, got %v", ids)
	}
}

func chunkIDs(t *testing.T, s *Store, documentID string) []string {
	t.Helper()
	rows, err := s.readDB.Query(`SELECT id FROM chunks WHERE document_id = ? ORDER BY sequence`, documentID)
	if err != nil {
		t.Fatalf("querying chunk ids: %v", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scanning chunk id: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
