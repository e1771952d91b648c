package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/oxide/internal/errs"
)

// Store is a SQLite-backed vector index. Embeddings are stored as
// little-endian float32 blobs; cosine distance is computed in-process.
type Store struct {
	db        *sql.DB
	dimension int
}

// Config contains configuration for the store.
type Config struct {
	// Path to the SQLite database file; empty means in-memory.
	Path string
	// Dimension is the embedding dimension.
	Dimension int
}

// Open creates or opens a store.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 1536
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db, dimension: cfg.Dimension}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT NOT NULL,
			index_name TEXT NOT NULL,
			content TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_identifier TEXT NOT NULL,
			retrieval_inclusions TEXT,
			retrieval_exclusions TEXT,
			inclusion_midpoint BLOB,
			inclusion_radius REAL,
			embedding BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (index_name, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_documents_index ON documents(index_name)`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Index stores documents with their embeddings under the named index.
// Documents are addressed by content hash: re-indexing an unchanged document
// is a no-op overwrite.
func (s *Store) Index(ctx context.Context, indexName string, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return errs.Runtime("document count %d does not match embedding count %d", len(docs), len(embeddings))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO documents
			(id, index_name, content, source_type, source_identifier,
			 retrieval_inclusions, retrieval_exclusions, inclusion_midpoint,
			 inclusion_radius, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i := range docs {
		doc := &docs[i]
		if len(embeddings[i]) != s.dimension {
			return errs.Runtime("embedding for %q has dimension %d, want %d",
				doc.SourceIdentifier, len(embeddings[i]), s.dimension)
		}
		inclusions, err := json.Marshal(doc.RetrievalInclusions)
		if err != nil {
			return fmt.Errorf("failed to marshal inclusions: %w", err)
		}
		exclusions, err := json.Marshal(doc.RetrievalExclusions)
		if err != nil {
			return fmt.Errorf("failed to marshal exclusions: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			doc.ID(),
			indexName,
			doc.Content,
			doc.SourceType,
			doc.SourceIdentifier,
			string(inclusions),
			string(exclusions),
			encodeEmbedding(doc.InclusionMidpoint),
			doc.InclusionRadius,
			encodeEmbedding(embeddings[i]),
			time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
	}
	return tx.Commit()
}

// Drop removes all documents under the named index.
func (s *Store) Drop(ctx context.Context, indexName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE index_name = ?`, indexName)
	return err
}

// Search returns the k nearest documents to the query embedding by cosine
// distance, ascending.
func (s *Store) Search(ctx context.Context, indexName string, query []float32, k int) ([]SearchRecord, error) {
	if k <= 0 {
		k = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT content, source_type, source_identifier,
		       retrieval_inclusions, retrieval_exclusions,
		       inclusion_midpoint, inclusion_radius, embedding
		FROM documents WHERE index_name = ?
	`, indexName)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var results []SearchRecord
	for rows.Next() {
		var doc Document
		var inclusions, exclusions sql.NullString
		var midpoint, embedding []byte
		var radius sql.NullFloat64
		if err := rows.Scan(
			&doc.Content, &doc.SourceType, &doc.SourceIdentifier,
			&inclusions, &exclusions, &midpoint, &radius, &embedding,
		); err != nil {
			return nil, err
		}
		if inclusions.Valid && inclusions.String != "" {
			_ = json.Unmarshal([]byte(inclusions.String), &doc.RetrievalInclusions)
		}
		if exclusions.Valid && exclusions.String != "" {
			_ = json.Unmarshal([]byte(exclusions.String), &doc.RetrievalExclusions)
		}
		doc.InclusionMidpoint = decodeEmbedding(midpoint)
		if radius.Valid {
			doc.InclusionRadius = float32(radius.Float64)
		} else {
			doc.InclusionRadius = DefaultInclusionRadius
		}

		vec := decodeEmbedding(embedding)
		if len(vec) == 0 {
			return nil, errs.Runtime("document %q has no embedding", doc.SourceIdentifier)
		}
		distance := CosineDistance(query, vec)
		results = append(results, SearchRecord{Document: doc, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// CosineDistance returns 1 - cosine similarity of a and b. Mismatched or
// zero-magnitude vectors yield the maximum distance.
func CosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return float32(1 - sim)
}

func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
