// Package intent clusters recorded user questions by embedding similarity
// and classifies new questions against the learned clusters. It backs the
// `oxide intent` command group.
package intent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/vectorstore"
)

// DefaultClusterThreshold is the maximum cosine distance for a question to
// join a cluster.
const DefaultClusterThreshold float32 = 0.25

// Question is one recorded user question with its embedding.
type Question struct {
	ID        string
	Text      string
	Embedding []float32
	ClusterID string
	CreatedAt time.Time
}

// Cluster is a learned intent group.
type Cluster struct {
	ID       string
	Label    string
	Centroid []float32
	Size     int
}

// Classification is the result of classifying one question.
type Classification struct {
	ClusterID string
	Label     string
	Distance  float32
	IsOutlier bool
}

// Analytics summarizes the learned state.
type Analytics struct {
	TotalQuestions int
	TotalClusters  int
	Outliers       int
	Pending        int
	ClusterSizes   map[string]int
}

// Manager persists questions and clusters and runs the clustering passes.
type Manager struct {
	db        *sql.DB
	embedder  vectorstore.Embedder
	threshold float32
}

// Open creates or opens the intent store.
func Open(path string, embedder vectorstore.Embedder) (*Manager, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open intent database: %w", err)
	}
	m := &Manager{db: db, embedder: embedder, threshold: DefaultClusterThreshold}
	if err := m.init(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS questions (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			embedding BLOB,
			cluster_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS clusters (
			id TEXT PRIMARY KEY,
			label TEXT,
			centroid BLOB NOT NULL,
			size INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize intent store: %w", err)
		}
	}
	return nil
}

// Close closes the store.
func (m *Manager) Close() error { return m.db.Close() }

// Record stores a question for later clustering. The embedding is computed
// eagerly when an embedder is available.
func (m *Manager) Record(ctx context.Context, text string) (*Question, error) {
	if text == "" {
		return nil, errs.Validation("question text cannot be empty")
	}
	q := &Question{ID: uuid.NewString(), Text: text, CreatedAt: time.Now().UTC()}
	if m.embedder != nil {
		vectors, err := m.embedder.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		q.Embedding = vectors[0]
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO questions (id, text, embedding, created_at) VALUES (?, ?, ?, ?)
	`, q.ID, q.Text, encodeVector(q.Embedding), q.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record question: %w", err)
	}
	return q, nil
}

// ClusterAll reassigns every embedded question using greedy threshold
// clustering: each question joins the nearest existing cluster within the
// threshold or seeds a new one. Centroids are running means.
func (m *Manager) ClusterAll(ctx context.Context) ([]Cluster, error) {
	questions, err := m.loadQuestions(ctx)
	if err != nil {
		return nil, err
	}

	var clusters []Cluster
	sums := make(map[string][]float64)
	for i := range questions {
		q := &questions[i]
		if len(q.Embedding) == 0 {
			continue
		}
		best, bestDistance := -1, float32(1)
		for c := range clusters {
			d := vectorstore.CosineDistance(q.Embedding, clusters[c].Centroid)
			if d < bestDistance {
				best, bestDistance = c, d
			}
		}
		if best < 0 || bestDistance > m.threshold {
			cluster := Cluster{
				ID:       uuid.NewString(),
				Label:    q.Text,
				Centroid: append([]float32(nil), q.Embedding...),
				Size:     1,
			}
			clusters = append(clusters, cluster)
			sums[cluster.ID] = toFloat64(q.Embedding)
			q.ClusterID = cluster.ID
			continue
		}
		cluster := &clusters[best]
		cluster.Size++
		sum := sums[cluster.ID]
		for j, v := range q.Embedding {
			sum[j] += float64(v)
		}
		for j := range cluster.Centroid {
			cluster.Centroid[j] = float32(sum[j] / float64(cluster.Size))
		}
		q.ClusterID = cluster.ID
	}

	if err := m.saveClustering(ctx, questions, clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

// Classify finds the nearest learned cluster to a question. Questions beyond
// the threshold classify as outliers.
func (m *Manager) Classify(ctx context.Context, text string) (*Classification, error) {
	if m.embedder == nil {
		return nil, errs.Configuration("classification requires an embedding model")
	}
	vectors, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	clusters, err := m.Clusters(ctx)
	if err != nil {
		return nil, err
	}
	if len(clusters) == 0 {
		return &Classification{IsOutlier: true, Distance: 1}, nil
	}

	best := Classification{Distance: 1, IsOutlier: true}
	for _, cluster := range clusters {
		d := vectorstore.CosineDistance(vectors[0], cluster.Centroid)
		if d < best.Distance {
			best = Classification{
				ClusterID: cluster.ID,
				Label:     cluster.Label,
				Distance:  d,
				IsOutlier: d > m.threshold,
			}
		}
	}
	return &best, nil
}

// Clusters lists the learned clusters, largest first.
func (m *Manager) Clusters(ctx context.Context) ([]Cluster, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, label, centroid, size FROM clusters`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()
	var clusters []Cluster
	for rows.Next() {
		var c Cluster
		var label sql.NullString
		var centroid []byte
		if err := rows.Scan(&c.ID, &label, &centroid, &c.Size); err != nil {
			return nil, err
		}
		c.Label = label.String
		c.Centroid = decodeVector(centroid)
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Size > clusters[j].Size })
	return clusters, nil
}

// Outliers lists embedded questions with no cluster assignment.
func (m *Manager) Outliers(ctx context.Context) ([]Question, error) {
	return m.queryQuestions(ctx,
		`SELECT id, text, embedding, cluster_id, created_at FROM questions
		 WHERE cluster_id IS NULL AND embedding IS NOT NULL`)
}

// Pending lists questions recorded without an embedding.
func (m *Manager) Pending(ctx context.Context) ([]Question, error) {
	return m.queryQuestions(ctx,
		`SELECT id, text, embedding, cluster_id, created_at FROM questions
		 WHERE embedding IS NULL`)
}

// Analytics summarizes the learned state.
func (m *Manager) Analytics(ctx context.Context) (*Analytics, error) {
	questions, err := m.loadQuestions(ctx)
	if err != nil {
		return nil, err
	}
	clusters, err := m.Clusters(ctx)
	if err != nil {
		return nil, err
	}
	a := &Analytics{
		TotalQuestions: len(questions),
		TotalClusters:  len(clusters),
		ClusterSizes:   make(map[string]int, len(clusters)),
	}
	for _, c := range clusters {
		a.ClusterSizes[c.Label] = c.Size
	}
	for _, q := range questions {
		switch {
		case len(q.Embedding) == 0:
			a.Pending++
		case q.ClusterID == "":
			a.Outliers++
		}
	}
	return a, nil
}

// Learn embeds pending questions and folds them into the clustering.
func (m *Manager) Learn(ctx context.Context) error {
	if m.embedder == nil {
		return errs.Configuration("learning requires an embedding model")
	}
	pending, err := m.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		texts := make([]string, len(pending))
		for i, q := range pending {
			texts[i] = q.Text
		}
		vectors, err := m.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		for i, q := range pending {
			if _, err := m.db.ExecContext(ctx,
				`UPDATE questions SET embedding = ? WHERE id = ?`,
				encodeVector(vectors[i]), q.ID); err != nil {
				return fmt.Errorf("failed to store embedding: %w", err)
			}
		}
	}
	_, err = m.ClusterAll(ctx)
	return err
}

// Test verifies the store and embedder are usable.
func (m *Manager) Test(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.KindConfiguration, err, "intent store is unreachable")
	}
	if m.embedder == nil {
		return errs.Configuration("no embedding model configured")
	}
	return nil
}

func (m *Manager) loadQuestions(ctx context.Context) ([]Question, error) {
	return m.queryQuestions(ctx,
		`SELECT id, text, embedding, cluster_id, created_at FROM questions`)
}

func (m *Manager) queryQuestions(ctx context.Context, query string) ([]Question, error) {
	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer rows.Close()
	var questions []Question
	for rows.Next() {
		var q Question
		var embedding []byte
		var clusterID sql.NullString
		if err := rows.Scan(&q.ID, &q.Text, &embedding, &clusterID, &q.CreatedAt); err != nil {
			return nil, err
		}
		q.Embedding = decodeVector(embedding)
		q.ClusterID = clusterID.String
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (m *Manager) saveClustering(ctx context.Context, questions []Question, clusters []Cluster) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM clusters`); err != nil {
		return err
	}
	for _, c := range clusters {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO clusters (id, label, centroid, size) VALUES (?, ?, ?, ?)`,
			c.ID, c.Label, encodeVector(c.Centroid), c.Size); err != nil {
			return err
		}
	}
	for _, q := range questions {
		var clusterID any
		if q.ClusterID != "" {
			clusterID = q.ClusterID
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE questions SET cluster_id = ? WHERE id = ?`, clusterID, q.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func toFloat64(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}
