package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/justinstimatze/undercity/internal/core"
)

const rrfK = 60

// ftsReservedChars are stripped from queries before they reach the FTS5
// engine so user text never parses as FTS query syntax.
const ftsReservedChars = "\"'()[]{}<>:/@*-"

// sanitizeQuery removes every FTS-reserved character and reduces the query
// to a whitespace-joined token list.
func sanitizeQuery(query string) string {
	stripped := strings.Map(func(r rune) rune {
		if strings.ContainsRune(ftsReservedChars, r) {
			return -1
		}
		return r
	}, query)
	fields := strings.Fields(stripped)
	return strings.Join(fields, " ")
}

// Search implements core.RetrievalIndex: a hybrid vector+FTS query fused by
// Reciprocal Rank Fusion (k=60).
func (s *Store) Search(ctx context.Context, query string, opts core.SearchOptions) ([]core.SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = core.DefaultSearchOptions().Limit
	}
	if opts.VectorWeight == 0 && opts.FTSWeight == 0 {
		def := core.DefaultSearchOptions()
		opts.VectorWeight, opts.FTSWeight = def.VectorWeight, def.FTSWeight
	}

	sanitized := sanitizeQuery(query)
	if sanitized == "" || !tokenRe.MatchString(strings.ToLower(sanitized)) {
		// A query with no alphanumeric tokens (e.g. "@#$%") sanitizes to a
		// non-empty string of leftover punctuation; it embeds to a zero
		// vector and would otherwise score every stored chunk equally, so
		// it is treated the same as an empty query.
		return nil, nil
	}

	candidateLimit := opts.Limit * 3

	vecRanked, vecErr := s.vectorSearch(ctx, query, candidateLimit)
	ftsRanked, ftsErr := s.ftsSearch(ctx, sanitized, candidateLimit)
	if ftsErr != nil {
		return nil, ftsErr
	}
	// An embedder error on query falls back to FTS-only.
	if vecErr != nil {
		vecRanked = nil
	}

	fused := fuse(vecRanked, ftsRanked, opts.VectorWeight, opts.FTSWeight)
	if len(fused) == 0 {
		return nil, nil
	}

	results, err := s.hydrate(ctx, fused)
	if err != nil {
		return nil, err
	}

	if len(opts.Sources) > 0 {
		allowed := make(map[string]bool, len(opts.Sources))
		for _, src := range opts.Sources {
			allowed[src] = true
		}
		filtered := results[:0:0]
		for _, r := range results {
			if allowed[r.Document.Source] {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

type rankedHit struct {
	chunkID string
	score   float64 // similarity or |raw fts score|, larger is better
}

func (s *Store) vectorSearch(ctx context.Context, query string, limit int) ([]rankedHit, error) {
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.readDB.QueryContext(ctx, `SELECT chunk_id, vector FROM embeddings`)
	if err != nil {
		return nil, fmt.Errorf("scanning embeddings: %w", err)
	}
	defer rows.Close()

	var hits []rankedHit
	for rows.Next() {
		var chunkID string
		var blob []byte
		if err := rows.Scan(&chunkID, &blob); err != nil {
			return nil, fmt.Errorf("scanning embedding row: %w", err)
		}
		vec := decodeVector(blob)
		distance := 1 - CosineSimilarity(qvec, vec)
		if distance < 0 {
			distance = 0
		}
		similarity := 1 / (1 + distance)
		hits = append(hits, rankedHit{chunkID: chunkID, score: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Store) ftsSearch(ctx context.Context, sanitized string, limit int) ([]rankedHit, error) {
	matchQuery := toMatchQuery(sanitized)
	if matchQuery == "" {
		return nil, nil
	}

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, bm25(chunks_fts) AS rank
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, matchQuery, limit)
	if err != nil {
		// A sanitized query reduced to only stopwords/rare tokens can still
		// fail FTS5 syntax checks in edge cases; treat as no keyword hits
		// rather than failing the whole hybrid query.
		return nil, nil
	}
	defer rows.Close()

	var hits []rankedHit
	for rows.Next() {
		var id string
		var rawScore float64
		if err := rows.Scan(&id, &rawScore); err != nil {
			return nil, fmt.Errorf("scanning fts row: %w", err)
		}
		if rawScore < 0 {
			rawScore = -rawScore
		}
		hits = append(hits, rankedHit{chunkID: id, score: rawScore})
	}
	return hits, rows.Err()
}

// toMatchQuery joins sanitized tokens with OR so any token may match.
func toMatchQuery(sanitized string) string {
	fields := strings.Fields(sanitized)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, " OR ")
}

// fuse combines two ranked lists by Reciprocal Rank Fusion: rank is the
// 0-based position in each list; a chunk missing from a list contributes 0
// for that list's term.
func fuse(vector, fts []rankedHit, vectorWeight, ftsWeight float64) []core.SearchResult {
	type acc struct {
		score       float64
		vectorScore *float64
		ftsScore    *float64
	}
	scores := make(map[string]*acc)

	order := make([]string, 0, len(vector)+len(fts))
	for rank, hit := range vector {
		a, ok := scores[hit.chunkID]
		if !ok {
			a = &acc{}
			scores[hit.chunkID] = a
			order = append(order, hit.chunkID)
		}
		a.score += vectorWeight / float64(rrfK+rank)
		v := hit.score
		a.vectorScore = &v
	}
	for rank, hit := range fts {
		a, ok := scores[hit.chunkID]
		if !ok {
			a = &acc{}
			scores[hit.chunkID] = a
			order = append(order, hit.chunkID)
		}
		a.score += ftsWeight / float64(rrfK+rank)
		v := hit.score
		a.ftsScore = &v
	}

	results := make([]core.SearchResult, 0, len(order))
	for _, id := range order {
		a := scores[id]
		results = append(results, core.SearchResult{
			Chunk:       core.Chunk{ID: id},
			Score:       a.score,
			VectorScore: a.vectorScore,
			FTSScore:    a.ftsScore,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

func (s *Store) hydrate(ctx context.Context, fused []core.SearchResult) ([]core.SearchResult, error) {
	out := make([]core.SearchResult, 0, len(fused))
	for _, r := range fused {
		var (
			content, docID, chunkMetaJSON                     string
			sequence, tokenCount, byteStart, byteEnd           int
			source, title, fileHash, docMetaJSON, indexedAtStr string
		)
		row := s.readDB.QueryRowContext(ctx, `
			SELECT c.document_id, c.sequence, c.content, c.token_count, c.byte_start, c.byte_end, c.metadata,
			       d.source, d.title, d.file_hash, d.metadata, d.indexed_at
			FROM chunks c JOIN documents d ON d.id = c.document_id
			WHERE c.id = ?
		`, r.Chunk.ID)
		if err := row.Scan(&docID, &sequence, &content, &tokenCount, &byteStart, &byteEnd, &chunkMetaJSON,
			&source, &title, &fileHash, &docMetaJSON, &indexedAtStr); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, fmt.Errorf("hydrating chunk %s: %w", r.Chunk.ID, err)
		}

		var chunkMeta, docMeta map[string]string
		_ = json.Unmarshal([]byte(chunkMetaJSON), &chunkMeta)
		_ = json.Unmarshal([]byte(docMetaJSON), &docMeta)
		indexedAt, _ := time.Parse(time.RFC3339Nano, indexedAtStr)

		r.Chunk.DocumentID = docID
		r.Chunk.Sequence = sequence
		r.Chunk.Content = content
		r.Chunk.TokenCount = tokenCount
		r.Chunk.ByteStart = byteStart
		r.Chunk.ByteEnd = byteEnd
		r.Chunk.Metadata = chunkMeta
		r.Document = core.Document{
			ID: docID, Source: source, Title: title, FileHash: fileHash,
			Metadata: docMeta, IndexedAt: indexedAt,
		}
		out = append(out, r)
	}
	return out, nil
}
