// Package vectorstore provides a content-addressed document index with
// embedding vectors, cosine-distance search, and Arrow-compatible batch
// serialization for the retrieval exchange format.
package vectorstore

import (
	"crypto/sha256"
	"encoding/hex"
)

// RetrievalContent is one embedded passage attached to a document for
// inclusion/exclusion matching.
type RetrievalContent struct {
	EmbeddingContent string    `json:"embedding_content"`
	Embeddings       []float32 `json:"embeddings"`
}

// Document is an indexed artifact: an agent reference, SQL file, topic, or
// integration route, addressed by the hash of its identifying content.
type Document struct {
	Content             string             `json:"content"`
	SourceType          string             `json:"source_type"`
	SourceIdentifier    string             `json:"source_identifier"`
	RetrievalInclusions []RetrievalContent `json:"retrieval_inclusions,omitempty"`
	RetrievalExclusions []RetrievalContent `json:"retrieval_exclusions,omitempty"`
	InclusionMidpoint   []float32          `json:"inclusion_midpoint,omitempty"`
	InclusionRadius     float32            `json:"inclusion_radius,omitempty"`
}

// ID returns the content address of the document.
func (d *Document) ID() string {
	h := sha256.New()
	h.Write([]byte(d.SourceType))
	h.Write([]byte{0})
	h.Write([]byte(d.SourceIdentifier))
	h.Write([]byte{0})
	h.Write([]byte(d.Content))
	return hex.EncodeToString(h.Sum(nil))
}

// SearchRecord is one vector search hit. Distance is always present; Score
// applies only to full-text search and RelevanceScore is computed by rerankers.
type SearchRecord struct {
	Document       Document `json:"document"`
	Distance       float32  `json:"distance"`
	Score          *float32 `json:"score,omitempty"`
	RelevanceScore *float32 `json:"relevance_score,omitempty"`
}

// DefaultInclusionRadius applies when a document declares no radius.
const DefaultInclusionRadius float32 = 0.35
