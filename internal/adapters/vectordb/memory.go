// Package vectordb provides vector index adapters.
// Clean Architecture: Adapters implementing ports.VectorIndex.
// Every backend scopes chunks by conversation; a query never sees another
// conversation's chunks.
package vectordb

import (
	"context"
	"sync"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

// InMemoryStore is a process-local vector index.
// Open-Closed: Can be replaced with a persistent adapter without changing usecases.
type InMemoryStore struct {
	mu    sync.RWMutex
	convs map[string]map[string]entities.Chunk // conversationID -> chunkID -> chunk
}

// NewInMemoryStore creates a new in-memory vector index.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]map[string]entities.Chunk),
	}
}

// Upsert saves chunks with their embeddings, replacing existing ids.
func (s *InMemoryStore) Upsert(ctx context.Context, conversationID string, chunks []entities.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		conv = make(map[string]entities.Chunk)
		s.convs[conversationID] = conv
	}
	for _, chunk := range chunks {
		chunk.ConversationID = conversationID
		chunk.Embedding = append([]float32(nil), chunk.Embedding...)
		conv[chunk.ID] = chunk
	}
	return nil
}

// Query finds the k chunks of the conversation most similar to vec.
func (s *InMemoryStore) Query(ctx context.Context, conversationID string, vec []float32, k int) ([]entities.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv := s.convs[conversationID]
	results := make([]entities.ScoredChunk, 0, len(conv))
	for _, chunk := range conv {
		results = append(results, entities.ScoredChunk{
			Chunk: chunk,
			Score: cosineSimilarity(vec, chunk.Embedding),
		})
	}
	return rank(results, k), nil
}

// DeleteChunks removes the given chunk ids. Unknown ids are ignored.
func (s *InMemoryStore) DeleteChunks(ctx context.Context, conversationID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.convs[conversationID]
	for _, id := range ids {
		delete(conv, id)
	}
	if len(conv) == 0 {
		delete(s.convs, conversationID)
	}
	return nil
}

// DeleteConversation removes every chunk of the conversation.
func (s *InMemoryStore) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.convs, conversationID)
	return nil
}

// ChunkCount returns the number of chunks held for a conversation.
func (s *InMemoryStore) ChunkCount(ctx context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs[conversationID]), nil
}
