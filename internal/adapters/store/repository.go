package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
)

// Repository persists conversations and documents through GORM.
//
// The pending-tail rule is enforced with a conditional update on
// conversations.exchange_count and last_status, so two writers racing on
// the same conversation cannot both append.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository builds a repository on a migrated database.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) CreateConversation(ctx context.Context, conv *entities.Conversation) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m := newConversationModel(conv)
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		for i, ex := range conv.Exchanges {
			ex.Index = i
			row, err := newExchangeModel(conv.ID, ex)
			if err != nil {
				return err
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to create exchange: %w", err)
			}
		}
		return insertChunkRefs(tx, conv.ID, conv.ChunkIDs, 0)
	})
}

func (r *Repository) GetConversation(ctx context.Context, id string) (*entities.Conversation, error) {
	db := r.db.WithContext(ctx)

	var m conversationModel
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err, apperrors.ErrConversationNotFound)
	}
	conv := m.toEntity()

	var rows []exchangeModel
	if err := db.Where("conversation_id = ?", id).Order("idx ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load exchanges: %w", err)
	}
	conv.Exchanges = make([]entities.Exchange, 0, len(rows))
	for _, row := range rows {
		ex, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		conv.Exchanges = append(conv.Exchanges, ex)
	}

	if err := db.Model(&chunkRefModel{}).
		Where("conversation_id = ?", id).
		Order("position ASC").
		Pluck("chunk_id", &conv.ChunkIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to load chunk ids: %w", err)
	}
	return conv, nil
}

func (r *Repository) ListConversations(ctx context.Context, userID string, opts ports.ListOptions) ([]*entities.Conversation, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Order("id ASC")
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var rows []conversationModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	out := make([]*entities.Conversation, len(rows))
	for i, row := range rows {
		out[i] = row.toEntity()
	}
	return out, nil
}

func (r *Repository) AppendExchange(ctx context.Context, conversationID string, ex entities.Exchange) (int, error) {
	pending := string(entities.StatusPending)
	var idx int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m conversationModel
		if err := tx.Where("id = ?", conversationID).First(&m).Error; err != nil {
			return notFound(err, apperrors.ErrConversationNotFound)
		}
		if m.LastStatus == pending {
			return apperrors.ErrPendingExchangeExists
		}

		idx = m.ExchangeCount
		updatedAt := ex.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = r.now()
		}
		res := tx.Model(&conversationModel{}).
			Where("id = ? AND exchange_count = ? AND last_status <> ?", conversationID, idx, pending).
			Updates(map[string]any{
				"exchange_count": idx + 1,
				"last_status":    string(ex.Status),
				"updated_at":     updatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to reserve exchange slot: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrPendingExchangeExists
		}

		ex.Index = idx
		row, err := newExchangeModel(conversationID, ex)
		if err != nil {
			return err
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to append exchange: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return idx, nil
}

func (r *Repository) CompleteExchange(ctx context.Context, conversationID string, index int, status entities.ExchangeStatus, resp entities.Response, detail string) (int, error) {
	pending := string(entities.StatusPending)
	cits, err := encodeCitations(resp.Citations)
	if err != nil {
		return 0, fmt.Errorf("encode citations: %w", err)
	}

	var idx int
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m conversationModel
		if err := tx.Where("id = ?", conversationID).First(&m).Error; err != nil {
			return notFound(err, apperrors.ErrConversationNotFound)
		}
		if m.LastStatus != pending || m.ExchangeCount == 0 {
			return apperrors.ErrNoPendingExchange
		}
		if index != ports.TailExchange && index != m.ExchangeCount-1 {
			return apperrors.ErrNoPendingExchange
		}

		now := r.now()
		res := tx.Model(&conversationModel{}).
			Where("id = ? AND exchange_count = ? AND last_status = ?", conversationID, m.ExchangeCount, pending).
			Updates(map[string]any{"last_status": string(status), "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("failed to resolve exchange: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrNoPendingExchange
		}

		idx = m.ExchangeCount - 1
		return tx.Model(&exchangeModel{}).
			Where("conversation_id = ? AND idx = ?", conversationID, idx).
			Updates(map[string]any{
				"status":        string(status),
				"response_text": resp.Text,
				"citations":     cits,
				"error_detail":  detail,
				"updated_at":    now,
			}).Error
	})
	if err != nil {
		return 0, err
	}
	return idx, nil
}

func (r *Repository) AddChunkIDs(ctx context.Context, conversationID string, ids []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.requireConversation(tx, conversationID); err != nil {
			return err
		}
		var next int
		if err := tx.Model(&chunkRefModel{}).
			Where("conversation_id = ?", conversationID).
			Select("COALESCE(MAX(position) + 1, 0)").
			Scan(&next).Error; err != nil {
			return fmt.Errorf("failed to read chunk positions: %w", err)
		}
		return insertChunkRefs(tx, conversationID, ids, next)
	})
}

// insertChunkRefs skips ids already committed and duplicates within ids.
func insertChunkRefs(tx *gorm.DB, conversationID string, ids []string, start int) error {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	rows := make([]chunkRefModel, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rows = append(rows, chunkRefModel{ConversationID: conversationID, ChunkID: id, Position: start + len(rows)})
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("failed to commit chunk ids: %w", err)
	}
	return nil
}

func (r *Repository) RemoveChunkIDs(ctx context.Context, conversationID string, ids []string) error {
	db := r.db.WithContext(ctx)
	if err := r.requireConversation(db, conversationID); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := db.Where("conversation_id = ? AND chunk_id IN ?", conversationID, ids).
		Delete(&chunkRefModel{}).Error; err != nil {
		return fmt.Errorf("failed to remove chunk ids: %w", err)
	}
	return nil
}

func (r *Repository) RenameConversation(ctx context.Context, conversationID, title string) error {
	res := r.db.WithContext(ctx).
		Model(&conversationModel{}).
		Where("id = ?", conversationID).
		Updates(map[string]any{"title": title, "updated_at": r.now()})
	if res.Error != nil {
		return fmt.Errorf("failed to rename conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrConversationNotFound
	}
	return nil
}

// DeleteConversation removes the conversation with its exchanges, chunk ids
// and document records in one transaction.
func (r *Repository) DeleteConversation(ctx context.Context, conversationID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&exchangeModel{}, &chunkRefModel{}, &documentModel{}} {
			if err := tx.Where("conversation_id = ?", conversationID).Delete(model).Error; err != nil {
				return fmt.Errorf("failed to delete conversation data: %w", err)
			}
		}
		res := tx.Where("id = ?", conversationID).Delete(&conversationModel{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrConversationNotFound
		}
		return nil
	})
}

// SaveDocument inserts or replaces the document record.
func (r *Repository) SaveDocument(ctx context.Context, doc *entities.DocumentRecord) error {
	m := newDocumentModel(doc)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error; err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (r *Repository) GetDocument(ctx context.Context, conversationID, documentID string) (*entities.DocumentRecord, error) {
	var m documentModel
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND id = ?", conversationID, documentID).
		First(&m).Error; err != nil {
		return nil, notFound(err, apperrors.ErrDocumentNotFound)
	}
	return m.toEntity(), nil
}

func (r *Repository) ListDocuments(ctx context.Context, conversationID string) ([]*entities.DocumentRecord, error) {
	var rows []documentModel
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	out := make([]*entities.DocumentRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toEntity()
	}
	return out, nil
}

func (r *Repository) DeleteDocument(ctx context.Context, conversationID, documentID string) error {
	res := r.db.WithContext(ctx).
		Where("conversation_id = ? AND id = ?", conversationID, documentID).
		Delete(&documentModel{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete document: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrDocumentNotFound
	}
	return nil
}

func (r *Repository) requireConversation(db *gorm.DB, id string) error {
	var n int64
	if err := db.Model(&conversationModel{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("failed to look up conversation: %w", err)
	}
	if n == 0 {
		return apperrors.ErrConversationNotFound
	}
	return nil
}

func notFound(err error, sentinel *apperrors.Error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return fmt.Errorf("database error: %w", err)
}

var (
	_ ports.ConversationStore = (*Repository)(nil)
	_ ports.DocumentStore     = (*Repository)(nil)
)
