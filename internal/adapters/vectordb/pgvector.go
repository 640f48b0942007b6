package vectordb

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

// pgChunk is the row layout of the chunk_vectors table.
type pgChunk struct {
	ConversationID string          `gorm:"primaryKey;size:64"`
	ID             string          `gorm:"primaryKey;size:128"`
	DocumentID     string          `gorm:"size:64;index"`
	Filename       string          `gorm:"not null"`
	Seq            int             `gorm:"not null"`
	StartOffset    int             `gorm:"not null"`
	EndOffset      int             `gorm:"not null"`
	Page           int             `gorm:"not null;default:0"`
	Content        string          `gorm:"type:text;not null"`
	Embedding      pgvector.Vector `gorm:"type:vector"`
	CreatedAt      time.Time
}

func (pgChunk) TableName() string { return "chunk_vectors" }

type pgScoredChunk struct {
	pgChunk
	Similarity float64
}

func toPGChunk(conversationID string, c entities.Chunk) pgChunk {
	return pgChunk{
		ConversationID: conversationID,
		ID:             c.ID,
		DocumentID:     c.DocumentID,
		Filename:       c.Filename,
		Seq:            c.Seq,
		StartOffset:    c.Start,
		EndOffset:      c.End,
		Page:           c.Page,
		Content:        c.Text,
		Embedding:      pgvector.NewVector(c.Embedding),
	}
}

func (r pgChunk) toChunk() entities.Chunk {
	return entities.Chunk{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		DocumentID:     r.DocumentID,
		Filename:       r.Filename,
		Seq:            r.Seq,
		Start:          r.StartOffset,
		End:            r.EndOffset,
		Page:           r.Page,
		Text:           r.Content,
		Embedding:      r.Embedding.Slice(),
	}
}

// PGVectorStore implements ports.VectorIndex on postgres with the pgvector
// extension. Ordering uses cosine distance, ties by chunk id.
type PGVectorStore struct {
	db *gorm.DB
}

// NewPGVectorStore enables the extension and migrates the table.
func NewPGVectorStore(db *gorm.DB) (*PGVectorStore, error) {
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("enable pgvector: %w", err)
	}
	if err := db.AutoMigrate(&pgChunk{}); err != nil {
		return nil, fmt.Errorf("migrate chunk_vectors: %w", err)
	}
	return &PGVectorStore{db: db}, nil
}

// Upsert writes chunks, replacing rows with the same id.
func (s *PGVectorStore) Upsert(ctx context.Context, conversationID string, chunks []entities.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	rows := make([]pgChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = toPGChunk(conversationID, c)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(rows, 100).Error
}

// Query returns the k nearest chunks of the conversation.
func (s *PGVectorStore) Query(ctx context.Context, conversationID string, vec []float32, k int) ([]entities.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	q := pgvector.NewVector(vec)

	var rows []pgScoredChunk
	err := s.db.WithContext(ctx).
		Model(&pgChunk{}).
		Select("*, 1 - (embedding <=> ?) AS similarity", q).
		Where("conversation_id = ?", conversationID).
		Order(clause.OrderBy{Expression: clause.Expr{SQL: "embedding <=> ?, id", Vars: []any{q}, WithoutParentheses: true}}).
		Limit(k).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	results := make([]entities.ScoredChunk, len(rows))
	for i, r := range rows {
		results[i] = entities.ScoredChunk{Chunk: r.toChunk(), Score: r.Similarity}
	}
	return results, nil
}

// DeleteChunks removes the given chunk ids of the conversation.
func (s *PGVectorStore) DeleteChunks(ctx context.Context, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("conversation_id = ? AND id IN ?", conversationID, ids).
		Delete(&pgChunk{}).Error
}

// DeleteConversation removes all chunks of the conversation.
func (s *PGVectorStore) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&pgChunk{}).Error
}
