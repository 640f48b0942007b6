// Package store provides conversation and document persistence adapters.
// Clean Architecture: Adapters implementing ports.ConversationStore and
// ports.DocumentStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
)

// MemoryStore keeps everything in process memory. State is lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*entities.Conversation
	docs  map[string]map[string]*entities.DocumentRecord // conversation -> document id
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]*entities.Conversation),
		docs:  make(map[string]map[string]*entities.DocumentRecord),
		now:   time.Now,
	}
}

func cloneConversation(c *entities.Conversation, withExchanges bool) *entities.Conversation {
	cp := *c
	cp.ChunkIDs = append([]string(nil), c.ChunkIDs...)
	cp.Exchanges = nil
	if withExchanges {
		cp.Exchanges = make([]entities.Exchange, len(c.Exchanges))
		for i, ex := range c.Exchanges {
			cp.Exchanges[i] = cloneExchange(ex)
		}
	}
	return &cp
}

func cloneExchange(ex entities.Exchange) entities.Exchange {
	if ex.Prompt.Document != nil {
		d := *ex.Prompt.Document
		ex.Prompt.Document = &d
	}
	if ex.Response.Citations != nil {
		ex.Response.Citations = append([]entities.Citation{}, ex.Response.Citations...)
	}
	return ex
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv *entities.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.convs[conv.ID]; exists {
		return apperrors.Validation("conversation %s already exists", conv.ID)
	}
	s.convs[conv.ID] = cloneConversation(conv, true)
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*entities.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	return cloneConversation(c, true), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string, opts ports.ListOptions) ([]*entities.Conversation, error) {
	s.mu.RLock()
	var out []*entities.Conversation
	for _, c := range s.convs {
		if c.UserID == userID {
			out = append(out, cloneConversation(c, false))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, opts), nil
}

func page(convs []*entities.Conversation, opts ports.ListOptions) []*entities.Conversation {
	if opts.Offset > 0 {
		if opts.Offset >= len(convs) {
			return []*entities.Conversation{}
		}
		convs = convs[opts.Offset:]
	}
	if opts.Limit > 0 && len(convs) > opts.Limit {
		convs = convs[:opts.Limit]
	}
	if convs == nil {
		return []*entities.Conversation{}
	}
	return convs
}

func (s *MemoryStore) AppendExchange(ctx context.Context, conversationID string, ex entities.Exchange) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return 0, apperrors.ErrConversationNotFound
	}
	if c.HasPending() {
		return 0, apperrors.ErrPendingExchangeExists
	}
	ex.Index = len(c.Exchanges)
	c.Exchanges = append(c.Exchanges, cloneExchange(ex))
	c.UpdatedAt = s.touch(ex.UpdatedAt)
	return ex.Index, nil
}

func (s *MemoryStore) CompleteExchange(ctx context.Context, conversationID string, index int, status entities.ExchangeStatus, resp entities.Response, detail string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return 0, apperrors.ErrConversationNotFound
	}
	if !c.HasPending() {
		return 0, apperrors.ErrNoPendingExchange
	}
	if index != ports.TailExchange && index != len(c.Exchanges)-1 {
		return 0, apperrors.ErrNoPendingExchange
	}
	now := s.now()
	last := &c.Exchanges[len(c.Exchanges)-1]
	last.Status = status
	last.Response = resp
	if resp.Citations != nil {
		last.Response.Citations = append([]entities.Citation{}, resp.Citations...)
	}
	last.ErrorDetail = detail
	last.UpdatedAt = now
	c.UpdatedAt = now
	return last.Index, nil
}

func (s *MemoryStore) AddChunkIDs(ctx context.Context, conversationID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	seen := make(map[string]struct{}, len(c.ChunkIDs))
	for _, id := range c.ChunkIDs {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		c.ChunkIDs = append(c.ChunkIDs, id)
	}
	return nil
}

func (s *MemoryStore) RemoveChunkIDs(ctx context.Context, conversationID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := make([]string, 0, len(c.ChunkIDs))
	for _, id := range c.ChunkIDs {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	c.ChunkIDs = kept
	return nil
}

func (s *MemoryStore) RenameConversation(ctx context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	c.Title = title
	c.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conversationID]; !ok {
		return apperrors.ErrConversationNotFound
	}
	delete(s.convs, conversationID)
	delete(s.docs, conversationID)
	return nil
}

func (s *MemoryStore) SaveDocument(ctx context.Context, doc *entities.DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.docs[doc.ConversationID]
	if !ok {
		byID = make(map[string]*entities.DocumentRecord)
		s.docs[doc.ConversationID] = byID
	}
	cp := *doc
	byID[doc.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, conversationID, documentID string) (*entities.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[conversationID][documentID]
	if !ok {
		return nil, apperrors.ErrDocumentNotFound
	}
	cp := *d
	return &cp, nil
}

// ListDocuments returns documents oldest first.
func (s *MemoryStore) ListDocuments(ctx context.Context, conversationID string) ([]*entities.DocumentRecord, error) {
	s.mu.RLock()
	out := make([]*entities.DocumentRecord, 0, len(s.docs[conversationID]))
	for _, d := range s.docs[conversationID] {
		cp := *d
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, conversationID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[conversationID][documentID]; !ok {
		return apperrors.ErrDocumentNotFound
	}
	delete(s.docs[conversationID], documentID)
	return nil
}

func (s *MemoryStore) touch(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

var (
	_ ports.ConversationStore = (*MemoryStore)(nil)
	_ ports.DocumentStore     = (*MemoryStore)(nil)
)
