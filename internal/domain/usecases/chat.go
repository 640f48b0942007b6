package usecases

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

// ChatConfig tunes prompt processing.
type ChatConfig struct {
	// PipelineTimeout bounds ingestion wait, retrieval and generation of one turn.
	PipelineTimeout time.Duration
	// MediaTypes lists the canonical media types accepted for attachments.
	MediaTypes []string
}

// PromptInput is one user turn, optionally carrying a document.
type PromptInput struct {
	UserID         string
	ConversationID string
	Text           string
	Upload         *entities.Upload
	TopK           int
}

// TurnResult is the settled exchange of a synchronous turn.
type TurnResult struct {
	Exchange  entities.Exchange
	Passages  []entities.ScoredChunk
	Ingestion *entities.IngestionResult
}

// ChatUseCase ties the transcript to the ingestion and answer pipelines:
// append pending, ingest the attachment while embedding the query, answer,
// then complete or fail the exchange.
type ChatUseCase struct {
	transcript *TranscriptUseCase
	ingest     *IngestUseCase
	answer     *AnswerUseCase
	mediaTypes map[string]bool
	cfg        ChatConfig
	wg         sync.WaitGroup
	log        zerolog.Logger
}

// NewChatUseCase creates a ChatUseCase over the three pipelines.
func NewChatUseCase(transcript *TranscriptUseCase, ingest *IngestUseCase, answer *AnswerUseCase, cfg ChatConfig) *ChatUseCase {
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 5 * time.Minute
	}
	types := make(map[string]bool, len(cfg.MediaTypes))
	for _, mt := range cfg.MediaTypes {
		types[mt] = true
	}
	return &ChatUseCase{
		transcript: transcript,
		ingest:     ingest,
		answer:     answer,
		mediaTypes: types,
		cfg:        cfg,
		log:        log.With().Str("component", "chat").Logger(),
	}
}

// Submit records the prompt and runs the turn to completion. When the turn
// fails the settled error exchange is returned together with the cause.
// A client abort does not stop the turn.
func (uc *ChatUseCase) Submit(ctx context.Context, in PromptInput) (*TurnResult, error) {
	idx, err := uc.begin(ctx, in)
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	res, perr := uc.process(ctx, in, idx)

	conv, err := uc.transcript.Get(ctx, in.UserID, in.ConversationID)
	if err != nil {
		if perr != nil {
			return nil, perr
		}
		return nil, err
	}
	if idx < len(conv.Exchanges) {
		res.Exchange = conv.Exchanges[idx]
	}
	return res, perr
}

// SubmitAsync records the prompt and runs the turn in the background.
// It returns the index of the pending exchange.
func (uc *ChatUseCase) SubmitAsync(ctx context.Context, in PromptInput) (int, error) {
	idx, err := uc.begin(ctx, in)
	if err != nil {
		return 0, err
	}

	bg := context.WithoutCancel(ctx)
	uc.wg.Add(1)
	go func() {
		defer uc.wg.Done()
		if _, err := uc.process(bg, in, idx); err != nil {
			uc.log.Debug().Err(err).Str("conversation_id", in.ConversationID).Int("exchange", idx).Msg("async turn failed")
		}
	}()
	return idx, nil
}

// Wait blocks until background turns finish or ctx ends.
func (uc *ChatUseCase) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		uc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin validates everything that can be checked without side effects, then
// appends the pending exchange. A rejected prompt leaves no trace.
func (uc *ChatUseCase) begin(ctx context.Context, in PromptInput) (int, error) {
	if strings.TrimSpace(in.Text) == "" {
		return 0, apperrors.Validation("prompt text is required")
	}
	if _, err := CleanQuery(in.Text); err != nil {
		return 0, err
	}

	var doc *entities.DocumentDescriptor
	if in.Upload != nil {
		if err := uc.checkUpload(*in.Upload); err != nil {
			return 0, err
		}
		d := in.Upload.Descriptor()
		doc = &d
	}
	return uc.transcript.AppendPrompt(ctx, in.UserID, in.ConversationID, in.Text, doc)
}

// process runs the pipelines for exchange idx and settles it.
func (uc *ChatUseCase) process(ctx context.Context, in PromptInput, idx int) (*TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, uc.cfg.PipelineTimeout)
	defer cancel()

	logger := uc.log.With().Str("conversation_id", in.ConversationID).Int("exchange", idx).Logger()
	res := &TurnResult{}

	var outcome <-chan IngestOutcome
	if in.Upload != nil {
		ch, err := uc.ingest.Start(ctx, in.ConversationID, *in.Upload)
		if err != nil {
			return res, uc.fail(ctx, in, idx, err)
		}
		outcome = ch
	}

	// the query is embedded while the attachment is ingested
	q, qerr := uc.answer.PrepareQuery(ctx, in.Text)

	if outcome != nil {
		select {
		case o := <-outcome:
			if o.Err != nil {
				return res, uc.fail(ctx, in, idx, o.Err)
			}
			res.Ingestion = o.Result
		case <-ctx.Done():
			return res, uc.fail(ctx, in, idx, apperrors.ErrTimeout.Wrap(ctx.Err(), "wait for ingestion"))
		}
	}
	if qerr != nil {
		return res, uc.fail(ctx, in, idx, qerr)
	}

	ans, err := uc.answer.AnswerPrepared(ctx, in.ConversationID, idx, q, in.TopK)
	if err != nil {
		return res, uc.fail(ctx, in, idx, err)
	}
	res.Passages = ans.Passages

	if _, err := uc.transcript.AttachResponseAt(ctx, in.UserID, in.ConversationID, idx, ans.Text, ans.Citations); err != nil {
		if errors.Is(err, apperrors.ErrNoPendingExchange) {
			// resolved elsewhere, typically by an external response
			logger.Warn().Err(err).Msg("exchange already resolved, dropping answer")
			return res, err
		}
		logger.Error().Err(err).Msg("failed to attach response")
		return res, uc.fail(ctx, in, idx, err)
	}
	logger.Info().Int("citations", len(ans.Citations)).Msg("turn completed")
	return res, nil
}

// fail records cause on exchange idx. It uses its own deadline so a
// timed-out turn can still be settled.
func (uc *ChatUseCase) fail(ctx context.Context, in PromptInput, idx int, cause error) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := uc.transcript.FailResponseAt(fctx, in.UserID, in.ConversationID, idx, cause.Error()); err != nil {
		uc.log.Error().Err(err).AnErr("cause", cause).Str("conversation_id", in.ConversationID).Int("exchange", idx).Msg("failed to record turn failure")
	}
	uc.log.Warn().Err(cause).
		Str("conversation_id", in.ConversationID).
		Int("exchange", idx).
		Str("kind", string(apperrors.KindOf(cause))).
		Str("stage", string(apperrors.StageOf(cause))).
		Msg("turn failed")
	return cause
}

// Upload ingests a document without a prompt.
func (uc *ChatUseCase) Upload(ctx context.Context, userID, conversationID string, up entities.Upload) (*entities.IngestionResult, error) {
	if _, err := uc.transcript.Get(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if err := uc.checkUpload(up); err != nil {
		return nil, err
	}
	return uc.ingest.Ingest(ctx, conversationID, up)
}

// DeleteDocument removes one document's chunks from the conversation.
func (uc *ChatUseCase) DeleteDocument(ctx context.Context, userID, conversationID, documentID string) error {
	if _, err := uc.transcript.Get(ctx, userID, conversationID); err != nil {
		return err
	}
	return uc.ingest.Remove(ctx, conversationID, documentID)
}

// Search returns ranked passages for a query without generating an answer.
func (uc *ChatUseCase) Search(ctx context.Context, userID, conversationID, query string, k int) ([]entities.ScoredChunk, error) {
	if _, err := uc.transcript.Get(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return uc.answer.Search(ctx, conversationID, query, k)
}

func (uc *ChatUseCase) checkUpload(up entities.Upload) error {
	if strings.TrimSpace(up.Filename) == "" {
		return apperrors.Validation("document filename is required")
	}
	if len(up.Data) == 0 {
		return apperrors.Validation("document %q is empty", up.Filename)
	}
	if len(uc.mediaTypes) > 0 && !uc.mediaTypes[up.MediaType] {
		return apperrors.ErrUnsupportedMediaType.Wrapf(nil, "unsupported media type %q", up.MediaType)
	}
	return nil
}
