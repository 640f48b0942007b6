package usecases

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
)

const (
	// MaxTitleLength caps conversation titles, in runes.
	MaxTitleLength = 256
	// DefaultTitle names conversations created without a title.
	DefaultTitle = "New Chat"

	defaultListLimit = 20
	maxListLimit     = 100
)

// TranscriptDeps are the collaborators of the transcript engine.
type TranscriptDeps struct {
	Conversations ports.ConversationStore
	Documents     ports.DocumentStore
	Index         ports.VectorIndex
	Locker        ports.Locker
	Observer      ports.PipelineObserver
}

// TranscriptUseCase owns the per-conversation log of exchanges.
// Every method takes the caller's user id; conversations of other users
// are reported as not found.
type TranscriptUseCase struct {
	convs  ports.ConversationStore
	docs   ports.DocumentStore
	index  ports.VectorIndex
	locker ports.Locker
	obs    ports.PipelineObserver
	retry  RetryPolicy
	now    func() time.Time
	log    zerolog.Logger
}

// NewTranscriptUseCase creates a TranscriptUseCase with injected dependencies.
func NewTranscriptUseCase(deps TranscriptDeps, retry RetryPolicy) *TranscriptUseCase {
	return &TranscriptUseCase{
		convs:  deps.Conversations,
		docs:   deps.Documents,
		index:  deps.Index,
		locker: deps.Locker,
		obs:    observerOrNoop(deps.Observer),
		retry:  retry,
		now:    time.Now,
		log:    log.With().Str("component", "transcript").Logger(),
	}
}

// NewConversationID returns an id of the form conv_<16 hex chars>.
func NewConversationID() string {
	return "conv_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Create starts an empty conversation.
func (uc *TranscriptUseCase) Create(ctx context.Context, userID, title string) (*entities.Conversation, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	if err := validateTitle(title); err != nil {
		return nil, err
	}

	now := uc.now()
	conv := &entities.Conversation{
		ID:        NewConversationID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := uc.convs.CreateConversation(ctx, conv); err != nil {
		return nil, apperrors.Unavailable("create conversation", err)
	}
	uc.log.Info().Str("conversation_id", conv.ID).Str("user_id", userID).Msg("conversation created")
	return conv, nil
}

// Get returns the conversation with its transcript.
func (uc *TranscriptUseCase) Get(ctx context.Context, userID, conversationID string) (*entities.Conversation, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	conv, err := uc.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, apperrors.Unavailable("load conversation", err)
	}
	if conv.UserID != userID {
		return nil, apperrors.ErrConversationNotFound
	}
	return conv, nil
}

// List returns the user's conversations, most recently updated first.
func (uc *TranscriptUseCase) List(ctx context.Context, userID string, limit, offset int) ([]*entities.Conversation, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	limit = ListLimit(limit)
	if offset < 0 {
		return nil, apperrors.Validation("offset must not be negative")
	}
	convs, err := uc.convs.ListConversations(ctx, userID, ports.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, apperrors.Unavailable("list conversations", err)
	}
	return convs, nil
}

// ListLimit returns the page size List applies for a requested limit:
// 20 when unset, at most 100.
func ListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

// AppendPrompt appends a pending exchange. It fails with
// ErrPendingExchangeExists while the previous exchange awaits its response.
func (uc *TranscriptUseCase) AppendPrompt(ctx context.Context, userID, conversationID, text string, doc *entities.DocumentDescriptor) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, apperrors.Validation("prompt text is required")
	}
	if doc != nil && strings.TrimSpace(doc.Filename) == "" {
		return 0, apperrors.Validation("attached document needs a filename")
	}
	if _, err := uc.Get(ctx, userID, conversationID); err != nil {
		return 0, err
	}

	now := uc.now()
	idx, err := uc.convs.AppendExchange(ctx, conversationID, entities.Exchange{
		Prompt:    entities.Prompt{Text: text, Document: doc},
		Status:    entities.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return 0, apperrors.Unavailable("append exchange", err)
	}
	uc.log.Debug().Str("conversation_id", conversationID).Int("exchange", idx).Msg("prompt appended")
	return idx, nil
}

// AttachResponse completes whichever exchange is pending.
func (uc *TranscriptUseCase) AttachResponse(ctx context.Context, userID, conversationID, text string, citations []entities.Citation) (int, error) {
	return uc.AttachResponseAt(ctx, userID, conversationID, ports.TailExchange, text, citations)
}

// AttachResponseAt completes exchange index. It fails with
// ErrNoPendingExchange when that exchange was already resolved, so a late
// answer never lands on a newer prompt.
func (uc *TranscriptUseCase) AttachResponseAt(ctx context.Context, userID, conversationID string, index int, text string, citations []entities.Citation) (int, error) {
	if citations == nil {
		citations = []entities.Citation{}
	}
	return uc.settle(ctx, userID, conversationID, index, entities.StatusCompleted,
		entities.Response{Text: text, Citations: citations}, "", "attach response")
}

// FailResponse moves the pending exchange to error, keeping detail for
// diagnostics. The transcript stays usable for the next prompt.
func (uc *TranscriptUseCase) FailResponse(ctx context.Context, userID, conversationID, detail string) (int, error) {
	return uc.FailResponseAt(ctx, userID, conversationID, ports.TailExchange, detail)
}

// FailResponseAt moves exchange index to error.
func (uc *TranscriptUseCase) FailResponseAt(ctx context.Context, userID, conversationID string, index int, detail string) (int, error) {
	return uc.settle(ctx, userID, conversationID, index, entities.StatusError, entities.Response{}, detail, "fail response")
}

// settle resolves a pending exchange, retrying transient store failures.
func (uc *TranscriptUseCase) settle(ctx context.Context, userID, conversationID string, index int, status entities.ExchangeStatus, resp entities.Response, detail, op string) (int, error) {
	if _, err := uc.Get(ctx, userID, conversationID); err != nil {
		return 0, err
	}
	var idx int
	err := uc.retry.do(ctx, func() error {
		var err error
		idx, err = uc.convs.CompleteExchange(ctx, conversationID, index, status, resp, detail)
		return err
	})
	if err != nil {
		return 0, apperrors.Unavailable(op, err)
	}
	return idx, nil
}

// Latest returns the last exchange; ok is false when the transcript is empty.
func (uc *TranscriptUseCase) Latest(ctx context.Context, userID, conversationID string) (ex entities.Exchange, ok bool, err error) {
	conv, err := uc.Get(ctx, userID, conversationID)
	if err != nil {
		return entities.Exchange{}, false, err
	}
	ex, ok = conv.Last()
	return ex, ok, nil
}

// Rename changes the title. It ignores the pending state.
func (uc *TranscriptUseCase) Rename(ctx context.Context, userID, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return apperrors.Validation("title is required")
	}
	if err := validateTitle(title); err != nil {
		return err
	}
	if _, err := uc.Get(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := uc.convs.RenameConversation(ctx, conversationID, title); err != nil {
		return apperrors.Unavailable("rename conversation", err)
	}
	return nil
}

// Delete removes the conversation and cascades to its indexed chunks and
// document records. It waits for running pipelines of the conversation.
func (uc *TranscriptUseCase) Delete(ctx context.Context, userID, conversationID string) error {
	if _, err := uc.Get(ctx, userID, conversationID); err != nil {
		return err
	}

	for _, kind := range []string{lockIngest, lockAnswer} {
		release, err := acquire(ctx, uc.locker, uc.obs, conversationID, kind)
		if err != nil {
			return err
		}
		defer release()
	}

	if err := uc.retry.do(ctx, func() error {
		return uc.index.DeleteConversation(ctx, conversationID)
	}); err != nil {
		return apperrors.Unavailable("delete indexed chunks", err)
	}
	if err := uc.convs.DeleteConversation(ctx, conversationID); err != nil && !errors.Is(err, apperrors.ErrConversationNotFound) {
		return apperrors.Unavailable("delete conversation", err)
	}
	uc.log.Info().Str("conversation_id", conversationID).Msg("conversation deleted")
	return nil
}

// Documents lists the ingestion records of a conversation.
func (uc *TranscriptUseCase) Documents(ctx context.Context, userID, conversationID string) ([]*entities.DocumentRecord, error) {
	if _, err := uc.Get(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	docs, err := uc.docs.ListDocuments(ctx, conversationID)
	if err != nil {
		return nil, apperrors.Unavailable("list documents", err)
	}
	return docs, nil
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperrors.Validation("user id is required")
	}
	return nil
}

func validateTitle(title string) error {
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return apperrors.Validation("title exceeds %d characters", MaxTitleLength)
	}
	return nil
}
