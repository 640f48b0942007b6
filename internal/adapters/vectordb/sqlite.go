package vectordb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

// SQLiteStore implements ports.VectorIndex with SQLite persistence.
// Similarity is brute force over the conversation's rows, which stays cheap
// because retrieval never crosses conversations.
type SQLiteStore struct {
	db       *sql.DB
	dataPath string
	log      zerolog.Logger
}

// NewSQLiteStore opens (or creates) dataPath/vectors.db.
func NewSQLiteStore(dataPath string) (*SQLiteStore, error) {
	if dataPath == "" {
		dataPath = "./data"
	}

	// Ensure data directory exists
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "vectors.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := &SQLiteStore{
		db:       db,
		dataPath: dataPath,
		log:      log.With().Str("component", "vectordb").Str("backend", "sqlite").Logger(),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return store, nil
}

// initSchema creates the necessary tables.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		conversation_id TEXT NOT NULL,
		id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		seq INTEGER NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		page INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (conversation_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(conversation_id, document_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert saves chunks with their embeddings in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, conversationID string, chunks []entities.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
			(conversation_id, id, document_id, filename, seq, start_offset, end_offset, page, content, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		_, err = stmt.ExecContext(ctx,
			conversationID,
			chunk.ID,
			chunk.DocumentID,
			chunk.Filename,
			chunk.Seq,
			chunk.Start,
			chunk.End,
			chunk.Page,
			chunk.Text,
			encodeEmbedding(chunk.Embedding),
		)
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", chunk.ID, err)
		}
	}

	return tx.Commit()
}

// Query finds the k chunks of the conversation most similar to vec.
func (s *SQLiteStore) Query(ctx context.Context, conversationID string, vec []float32, k int) ([]entities.ScoredChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, filename, seq, start_offset, end_offset, page, content, embedding
		FROM chunks
		WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var results []entities.ScoredChunk
	for rows.Next() {
		chunk := entities.Chunk{ConversationID: conversationID}
		var blob []byte

		err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Filename, &chunk.Seq,
			&chunk.Start, &chunk.End, &chunk.Page, &chunk.Text, &blob)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		chunk.Embedding, err = decodeEmbedding(blob)
		if err != nil {
			s.log.Warn().Err(err).Str("chunk_id", chunk.ID).Msg("skipping corrupted embedding")
			continue
		}

		results = append(results, entities.ScoredChunk{
			Chunk: chunk,
			Score: cosineSimilarity(vec, chunk.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return rank(results, k), nil
}

// DeleteChunks removes the given chunk ids of the conversation.
func (s *SQLiteStore) DeleteChunks(ctx context.Context, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, conversationID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM chunks WHERE conversation_id = ? AND id IN ("+placeholders+")", args...)
	return err
}

// DeleteConversation removes all chunks of a conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE conversation_id = ?", conversationID)
	return err
}

// ChunkCount returns the number of stored chunks of a conversation.
func (s *SQLiteStore) ChunkCount(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE conversation_id = ?", conversationID).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
