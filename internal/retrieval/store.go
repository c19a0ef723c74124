package retrieval

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/justinstimatze/undercity/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

var _ core.RetrievalIndex = (*Store)(nil)

// Store is a sqlite-backed RetrievalIndex: documents, chunks, an FTS5
// full-text index, and a table of raw embedding vectors, following the
// split write/read-connection WAL pattern used for the engine's other
// embedded sqlite stores.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	readDB   *sql.DB
	chunker  *Chunker
	embedder *Embedder
}

// Open creates or opens a retrieval index at dbPath, running migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating retrieval index directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening retrieval index write connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening retrieval index read connection: %w", err)
	}
	readDB.SetMaxOpenConns(4)

	s := &Store{db: db, readDB: readDB, chunker: NewChunker(DefaultChunkerConfig()), embedder: NewEmbedder()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		_ = readDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(migrationV1)
	if err != nil {
		return fmt.Errorf("running retrieval index migration: %w", err)
	}
	return nil
}

// Close implements core.RetrievalIndex.
func (s *Store) Close() error {
	err1 := s.readDB.Close()
	err2 := s.db.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// IndexDocument implements core.RetrievalIndex. Re-indexing with an
// unchanged file hash is a no-op; a changed hash deletes all prior
// chunks/embeddings for the document before inserting new ones.
func (s *Store) IndexDocument(ctx context.Context, doc core.Document, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.FileHash != "" {
		var existingHash string
		err := s.db.QueryRowContext(ctx, `SELECT file_hash FROM documents WHERE id = ?`, doc.ID).Scan(&existingHash)
		if err == nil && existingHash == doc.FileHash {
			return nil
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("checking document hash: %w", err)
		}
	}

	chunks := s.chunker.Chunk(doc.ID, content)

	type embedded struct {
		chunk core.Chunk
		vec   [core.EmbeddingDim]float32
	}
	embeddedChunks := make([]embedded, 0, len(chunks))
	for _, c := range chunks {
		vec, err := s.embedder.Embed(ctx, c.Content)
		if err != nil {
			return fmt.Errorf("embedding chunk %d of document %s: %w", c.Sequence, doc.ID, err)
		}
		embeddedChunks = append(embeddedChunks, embedded{chunk: c, vec: vec})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning index transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteDocumentChunks(ctx, tx, doc.ID); err != nil {
		return err
	}

	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling document metadata: %w", err)
	}
	if doc.IndexedAt.IsZero() {
		doc.IndexedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, source, title, file_hash, metadata, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET source=excluded.source, title=excluded.title,
			file_hash=excluded.file_hash, metadata=excluded.metadata, indexed_at=excluded.indexed_at
	`, doc.ID, doc.Source, doc.Title, doc.FileHash, string(metaJSON), doc.IndexedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting document: %w", err)
	}

	for _, ec := range embeddedChunks {
		chunkID := fmt.Sprintf("%s#%d", doc.ID, ec.chunk.Sequence)
		chunkMeta, err := json.Marshal(ec.chunk.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling chunk metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (id, document_id, sequence, content, token_count, byte_start, byte_end, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, chunkID, doc.ID, ec.chunk.Sequence, ec.chunk.Content, ec.chunk.TokenCount, ec.chunk.ByteStart, ec.chunk.ByteEnd, string(chunkMeta))
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", chunkID, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO chunks_fts (id, content) VALUES (?, ?)`, chunkID, ec.chunk.Content); err != nil {
			return fmt.Errorf("inserting fts row for chunk %s: %w", chunkID, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO embeddings (chunk_id, vector) VALUES (?, ?)`, chunkID, encodeVector(ec.vec)); err != nil {
			return fmt.Errorf("inserting embedding for chunk %s: %w", chunkID, err)
		}
	}

	return tx.Commit()
}

// DeleteDocument implements core.RetrievalIndex, cascading to the document's
// chunks and embeddings.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteDocumentChunks(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return tx.Commit()
}

func deleteDocumentChunks(ctx context.Context, tx *sql.Tx, documentID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE document_id = ?`, documentID)
	if err != nil {
		return fmt.Errorf("listing chunks to delete: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting fts row %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE chunk_id = ?`, id); err != nil {
			return fmt.Errorf("deleting embedding %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("deleting chunks for document %s: %w", documentID, err)
	}
	return nil
}

func encodeVector(vec [core.EmbeddingDim]float32) []byte {
	buf := make([]byte, 4*core.EmbeddingDim)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) [core.EmbeddingDim]float32 {
	var vec [core.EmbeddingDim]float32
	for i := 0; i < core.EmbeddingDim && (i+1)*4 <= len(buf); i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
