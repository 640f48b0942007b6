// Package ports defines interfaces for external dependencies.
// Usecases depend on these abstractions; adapters implement them.
package ports

import (
	"context"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

// EmbeddingService generates vector embeddings for text.
// The same input must always map to the same vector.
type EmbeddingService interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one call, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces an answer from a query and its grounding passages.
// It is treated as slow and fallible.
type Generator interface {
	// Generate answers query. history holds earlier completed turns of the
	// conversation, oldest first, and may be empty.
	Generate(ctx context.Context, query string, passages []string, history []entities.Turn) (string, error)
}

// VectorIndex persists chunk vectors and answers nearest-neighbour queries
// scoped to a conversation.
type VectorIndex interface {
	// Upsert writes chunks; writing the same chunk id twice is a no-op change.
	Upsert(ctx context.Context, conversationID string, chunks []entities.Chunk) error

	// Query returns at most k chunks ordered by descending score, ties broken
	// by ascending chunk id.
	Query(ctx context.Context, conversationID string, vector []float32, k int) ([]entities.ScoredChunk, error)

	// DeleteChunks removes the given chunk ids. Unknown ids are ignored.
	DeleteChunks(ctx context.Context, conversationID string, ids []string) error

	// DeleteConversation removes every chunk of the conversation.
	DeleteConversation(ctx context.Context, conversationID string) error
}

// TextExtractor turns raw document bytes into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, mediaType string) (*entities.ExtractedText, error)

	// SupportedMediaTypes lists the canonical media types Extract accepts.
	SupportedMediaTypes() []string
}

// TailExchange passed as an index to CompleteExchange selects the pending
// tail regardless of its position.
const TailExchange = -1

// ListOptions pages through a user's conversations.
type ListOptions struct {
	Limit  int
	Offset int
}

// ConversationStore persists conversations and their transcripts.
// Implementations must make AppendExchange atomic with respect to the
// pending check, either transactionally or with an optimistic condition.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *entities.Conversation) error

	// GetConversation returns the conversation with its exchanges and chunk ids.
	GetConversation(ctx context.Context, id string) (*entities.Conversation, error)

	// ListConversations returns a user's conversations by UpdatedAt descending,
	// without exchanges.
	ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*entities.Conversation, error)

	// AppendExchange appends ex at the tail unless the current tail is pending.
	// Returns the new exchange index.
	AppendExchange(ctx context.Context, conversationID string, ex entities.Exchange) (int, error)

	// CompleteExchange resolves the pending exchange at index with the given
	// status, response and error detail. It fails with ErrNoPendingExchange
	// unless that exchange is the pending tail; TailExchange matches whichever
	// exchange is pending. Returns the resolved index.
	CompleteExchange(ctx context.Context, conversationID string, index int, status entities.ExchangeStatus, resp entities.Response, detail string) (int, error)

	// AddChunkIDs merges ids into the conversation's chunk set.
	AddChunkIDs(ctx context.Context, conversationID string, ids []string) error

	// RemoveChunkIDs drops ids from the conversation's chunk set.
	RemoveChunkIDs(ctx context.Context, conversationID string, ids []string) error

	RenameConversation(ctx context.Context, conversationID, title string) error

	// DeleteConversation removes the conversation, its exchanges, chunk ids
	// and document records.
	DeleteConversation(ctx context.Context, conversationID string) error
}

// DocumentStore tracks per-document ingestion state.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc *entities.DocumentRecord) error
	GetDocument(ctx context.Context, conversationID, documentID string) (*entities.DocumentRecord, error)
	ListDocuments(ctx context.Context, conversationID string) ([]*entities.DocumentRecord, error)
	DeleteDocument(ctx context.Context, conversationID, documentID string) error
}

// Locker provides mutual exclusion per key. release must always be called.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// InflightTracker flags conversations with ingestion in progress.
type InflightTracker interface {
	// Begin raises the flag; done lowers it and is safe to call once.
	Begin(ctx context.Context, conversationID string) (done func(), err error)

	InFlight(ctx context.Context, conversationID string) (bool, error)
}

// FileWatcher monitors a directory tree for new files.
type FileWatcher interface {
	// Watch starts monitoring the directory and emits events.
	Watch(ctx context.Context, dir string) (<-chan FileEvent, error)

	// Stop stops the watcher.
	Stop() error
}

// FileEvent represents a file system change.
type FileEvent struct {
	Path      string
	Operation FileOperation
}

// FileOperation is the type of file change.
type FileOperation int

const (
	FileCreated FileOperation = iota
	FileModified
	FileDeleted
)

// PipelineObserver receives pipeline outcomes, typically for metrics.
type PipelineObserver interface {
	IngestionFinished(stage entities.IngestionStage, ok bool, seconds float64)
	AnswerFinished(status entities.ExchangeStatus, seconds float64)
	EmbeddingBatch(ok bool, seconds float64)
	LockWait(kind string, seconds float64)
}
