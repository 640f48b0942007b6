package vectordb

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

// errNoEmbeddingFunc guards against chromem embedding content itself.
// Every document and query arrives with its vector.
var errNoEmbeddingFunc = errors.New("chromem index expects precomputed embeddings")

func rejectEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// ChromemStore implements ports.VectorIndex on chromem-go with one
// collection per conversation.
type ChromemStore struct {
	db          *chromem.DB
	concurrency int
	log         zerolog.Logger
}

// NewChromemStore opens a persistent database at path, or an in-memory one
// when path is empty.
func NewChromemStore(path string) (*ChromemStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path != "" {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to create vector DB: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &ChromemStore{
		db:          db,
		concurrency: 4,
		log:         log.With().Str("component", "vectordb").Str("backend", "chromem").Logger(),
	}, nil
}

func collectionName(conversationID string) string {
	return conversationID
}

func (s *ChromemStore) collection(conversationID string) (*chromem.Collection, error) {
	return s.db.GetOrCreateCollection(collectionName(conversationID), nil, rejectEmbedding)
}

// Upsert adds chunks; documents with an existing id are replaced.
func (s *ChromemStore) Upsert(ctx context.Context, conversationID string, chunks []entities.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	col, err := s.collection(conversationID)
	if err != nil {
		return fmt.Errorf("open collection: %w", err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:        c.ID,
			Content:   c.Text,
			Embedding: c.Embedding,
			Metadata: map[string]string{
				"document_id": c.DocumentID,
				"filename":    c.Filename,
				"seq":         strconv.Itoa(c.Seq),
				"start":       strconv.Itoa(c.Start),
				"end":         strconv.Itoa(c.End),
				"page":        strconv.Itoa(c.Page),
			},
		}
	}
	if err := col.AddDocuments(ctx, docs, s.concurrency); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

// Query returns up to k nearest chunks of the conversation.
func (s *ChromemStore) Query(ctx context.Context, conversationID string, vec []float32, k int) ([]entities.ScoredChunk, error) {
	col := s.db.GetCollection(collectionName(conversationID), rejectEmbedding)
	if col == nil || k <= 0 {
		return nil, nil
	}
	n := col.Count()
	if n == 0 {
		return nil, nil
	}

	// chromem cuts at k before ids are compared, so ties at the boundary
	// are ranked over the whole collection
	found, err := col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	results := make([]entities.ScoredChunk, 0, len(found))
	for _, r := range found {
		results = append(results, entities.ScoredChunk{
			Chunk: entities.Chunk{
				ID:             r.ID,
				ConversationID: conversationID,
				DocumentID:     r.Metadata["document_id"],
				Filename:       r.Metadata["filename"],
				Seq:            atoi(r.Metadata["seq"]),
				Start:          atoi(r.Metadata["start"]),
				End:            atoi(r.Metadata["end"]),
				Page:           atoi(r.Metadata["page"]),
				Text:           r.Content,
				Embedding:      r.Embedding,
			},
			Score: float64(r.Similarity),
		})
	}
	return rank(results, k), nil
}

// DeleteChunks removes the given chunk ids.
func (s *ChromemStore) DeleteChunks(ctx context.Context, conversationID string, ids []string) error {
	col := s.db.GetCollection(collectionName(conversationID), rejectEmbedding)
	if col == nil || len(ids) == 0 {
		return nil
	}
	return col.Delete(ctx, nil, nil, ids...)
}

// DeleteConversation drops the conversation's collection.
func (s *ChromemStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if s.db.GetCollection(collectionName(conversationID), rejectEmbedding) == nil {
		return nil
	}
	return s.db.DeleteCollection(collectionName(conversationID))
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
