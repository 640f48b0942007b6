// Package usecases contains application business rules.
// Usecases orchestrate entities and depend only on port interfaces.
package usecases

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
	"github.com/0xcro3dile/docchat-go/internal/domain/textproc"
)

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	Timeout           time.Duration // whole pipeline run, lock wait included
	RemoveBoilerplate bool
	Retry             RetryPolicy
}

// IngestDeps are the collaborators of the ingestion pipeline.
type IngestDeps struct {
	Conversations ports.ConversationStore
	Documents     ports.DocumentStore
	Extractor     ports.TextExtractor
	Chunker       *textproc.Chunker
	Embedder      *BatchEmbedder
	Index         ports.VectorIndex
	Locker        ports.Locker
	Inflight      ports.InflightTracker
	Observer      ports.PipelineObserver
}

// IngestOutcome is delivered by Start when a background ingestion settles.
type IngestOutcome struct {
	Result *entities.IngestionResult
	Err    error
}

// IngestUseCase runs documents through
// extract -> clean -> chunk -> embed -> store.
// Chunks become visible to retrieval only when every stage succeeded.
type IngestUseCase struct {
	convs     ports.ConversationStore
	docs      ports.DocumentStore
	extractor ports.TextExtractor
	chunker   *textproc.Chunker
	embedder  *BatchEmbedder
	index     ports.VectorIndex
	locker    ports.Locker
	inflight  ports.InflightTracker
	obs       ports.PipelineObserver
	cfg       IngestConfig
	now       func() time.Time
	log       zerolog.Logger
}

// NewIngestUseCase creates an IngestUseCase with injected dependencies.
func NewIngestUseCase(deps IngestDeps, cfg IngestConfig) *IngestUseCase {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &IngestUseCase{
		convs:     deps.Conversations,
		docs:      deps.Documents,
		extractor: deps.Extractor,
		chunker:   deps.Chunker,
		embedder:  deps.Embedder,
		index:     deps.Index,
		locker:    deps.Locker,
		inflight:  deps.Inflight,
		obs:       observerOrNoop(deps.Observer),
		cfg:       cfg,
		now:       time.Now,
		log:       log.With().Str("component", "ingest").Logger(),
	}
}

// Ingest runs the pipeline to completion and returns the new chunk ids.
// The caller's cancellation does not interrupt a started run.
func (uc *IngestUseCase) Ingest(ctx context.Context, conversationID string, up entities.Upload) (*entities.IngestionResult, error) {
	done, err := uc.inflight.Begin(ctx, conversationID)
	if err != nil {
		return nil, apperrors.Unavailable("mark ingestion in flight", err)
	}
	defer done()
	return uc.run(ctx, conversationID, up)
}

// Start raises the in-flight flag before returning and runs the pipeline in
// the background. The channel receives exactly one outcome.
func (uc *IngestUseCase) Start(ctx context.Context, conversationID string, up entities.Upload) (<-chan IngestOutcome, error) {
	done, err := uc.inflight.Begin(ctx, conversationID)
	if err != nil {
		return nil, apperrors.Unavailable("mark ingestion in flight", err)
	}

	ch := make(chan IngestOutcome, 1)
	go func() {
		defer done()
		res, err := uc.run(context.WithoutCancel(ctx), conversationID, up)
		ch <- IngestOutcome{Result: res, Err: err}
	}()
	return ch, nil
}

func (uc *IngestUseCase) run(ctx context.Context, conversationID string, up entities.Upload) (*entities.IngestionResult, error) {
	if strings.TrimSpace(up.Filename) == "" {
		return nil, apperrors.Validation("document filename is required")
	}
	if len(up.Data) == 0 {
		return nil, apperrors.Validation("document %q is empty", up.Filename)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.Timeout)
	defer cancel()

	release, err := acquire(ctx, uc.locker, uc.obs, conversationID, lockIngest)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := uc.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, apperrors.Unavailable("load conversation", err)
	}

	started := uc.now()
	rec := &entities.DocumentRecord{
		ID:             DocumentID(conversationID, up.Filename, up.Data),
		ConversationID: conversationID,
		Filename:       up.Filename,
		MediaType:      up.MediaType,
		Size:           int64(len(up.Data)),
		Stage:          entities.StageReceived,
		CreatedAt:      started,
		UpdatedAt:      started,
	}
	if err := uc.docs.SaveDocument(ctx, rec); err != nil {
		return nil, apperrors.Unavailable("save document record", err)
	}

	logger := uc.log.With().
		Str("conversation_id", conversationID).
		Str("document_id", rec.ID).
		Str("filename", up.Filename).
		Logger()
	logger.Debug().Int64("size", rec.Size).Str("media_type", up.MediaType).Msg("ingestion received")

	ids, stage, err := uc.pipeline(ctx, conv, rec, up, logger)
	elapsed := time.Since(started).Seconds()
	rec.UpdatedAt = uc.now()

	if err != nil {
		rec.Stage = entities.StageFailed
		rec.FailedStage = stage
		rec.Error = err.Error()
		if serr := uc.docs.SaveDocument(ctx, rec); serr != nil {
			logger.Error().Err(serr).Msg("failed to record ingestion failure")
		}
		uc.obs.IngestionFinished(stage, false, elapsed)
		logger.Warn().Err(err).Str("stage", string(stage)).Msg("ingestion failed")
		return nil, apperrors.Ingestion(stage, err)
	}

	rec.Stage = entities.StageDone
	rec.ChunkCount = len(ids)
	if serr := uc.docs.SaveDocument(ctx, rec); serr != nil {
		logger.Error().Err(serr).Msg("failed to record ingestion result")
	}
	uc.obs.IngestionFinished(entities.StageDone, true, elapsed)
	logger.Info().Int("chunks", len(ids)).Float64("seconds", elapsed).Msg("ingestion done")

	return &entities.IngestionResult{DocumentID: rec.ID, ChunkIDs: ids, Stage: entities.StageDone}, nil
}

// pipeline runs the stages in order. On failure it returns the stage that
// was being entered.
func (uc *IngestUseCase) pipeline(
	ctx context.Context,
	conv *entities.Conversation,
	rec *entities.DocumentRecord,
	up entities.Upload,
	logger zerolog.Logger,
) ([]string, entities.IngestionStage, error) {
	extracted, err := uc.extractor.Extract(ctx, up.Data, up.MediaType)
	if err != nil {
		return nil, entities.StageExtracted, err
	}
	rec.Stage = entities.StageExtracted

	text, pageStarts := uc.clean(extracted)
	rec.Stage = entities.StageCleaned

	pieces := uc.chunker.Split(text)
	chunks := make([]entities.Chunk, len(pieces))
	ids := make([]string, len(pieces))
	for i, p := range pieces {
		page := 0
		if extracted.Paginated {
			page = pageAt(pageStarts, p.Start)
		}
		ids[i] = ChunkID(rec.ID, p.Seq)
		chunks[i] = entities.Chunk{
			ID:             ids[i],
			DocumentID:     rec.ID,
			ConversationID: conv.ID,
			Filename:       up.Filename,
			Seq:            p.Seq,
			Start:          p.Start,
			End:            p.End,
			Text:           p.Text,
			Page:           page,
		}
	}
	rec.Stage = entities.StageChunked
	logger.Debug().Int("pages", len(extracted.Pages)).Int("chunks", len(chunks)).Msg("document chunked")

	if len(chunks) == 0 {
		logger.Warn().Msg("document has no text after cleaning")
		return ids, entities.StageDone, nil
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}
	vecs, err := uc.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, entities.StageEmbedded, err
	}
	for i := range chunks {
		chunks[i].Embedding = vecs[i]
	}
	rec.Stage = entities.StageEmbedded

	// ids already committed by an earlier upload of the same bytes must
	// survive a failed commit below
	var fresh []string
	for _, id := range ids {
		if !conv.HasChunk(id) {
			fresh = append(fresh, id)
		}
	}

	if err := uc.cfg.Retry.do(ctx, func() error {
		return uc.index.Upsert(ctx, conv.ID, chunks)
	}); err != nil {
		return nil, entities.StageStored, apperrors.Unavailable("upsert chunks", err)
	}
	if err := uc.cfg.Retry.do(ctx, func() error {
		return uc.convs.AddChunkIDs(ctx, conv.ID, ids)
	}); err != nil {
		if len(fresh) > 0 {
			if derr := uc.cfg.Retry.do(ctx, func() error {
				return uc.index.DeleteChunks(ctx, conv.ID, fresh)
			}); derr != nil {
				logger.Error().Err(derr).Int("chunks", len(fresh)).Msg("failed to roll back upserted chunks")
			}
		}
		return nil, entities.StageStored, apperrors.Unavailable("commit chunk ids", err)
	}
	rec.Stage = entities.StageStored

	return ids, entities.StageDone, nil
}

// clean normalizes each page, drops repeated headers and footers and joins
// the pages with paragraph breaks. pageStarts[i] is the rune offset of page i
// in the joined text, or -1 when the page is empty.
func (uc *IngestUseCase) clean(ext *entities.ExtractedText) (string, []int) {
	pages := make([]string, len(ext.Pages))
	for i, p := range ext.Pages {
		pages[i] = textproc.CleanDocument(p)
	}
	if uc.cfg.RemoveBoilerplate {
		pages = textproc.RemoveBoilerplate(pages)
		for i := range pages {
			pages[i] = textproc.CleanDocument(pages[i])
		}
	}

	var b strings.Builder
	starts := make([]int, len(pages))
	pos := 0
	for i, p := range pages {
		if p == "" {
			starts[i] = -1
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
			pos += 2
		}
		starts[i] = pos
		b.WriteString(p)
		pos += utf8.RuneCountInString(p)
	}
	return b.String(), starts
}

// pageAt returns the 1-based page containing offset.
func pageAt(starts []int, offset int) int {
	page := 0
	for i, s := range starts {
		if s < 0 {
			continue
		}
		if s > offset {
			break
		}
		page = i + 1
	}
	return page
}

// Remove deletes a document's chunks from the index and the conversation,
// then its record. It serializes with ingestion.
func (uc *IngestUseCase) Remove(ctx context.Context, conversationID, documentID string) error {
	release, err := acquire(ctx, uc.locker, uc.obs, conversationID, lockIngest)
	if err != nil {
		return err
	}
	defer release()

	rec, err := uc.docs.GetDocument(ctx, conversationID, documentID)
	if err != nil {
		return apperrors.Unavailable("load document", err)
	}

	ids := make([]string, rec.ChunkCount)
	for i := range ids {
		ids[i] = ChunkID(rec.ID, i)
	}
	if len(ids) > 0 {
		if err := uc.cfg.Retry.do(ctx, func() error {
			return uc.convs.RemoveChunkIDs(ctx, conversationID, ids)
		}); err != nil {
			return apperrors.Unavailable("remove chunk ids", err)
		}
		if err := uc.cfg.Retry.do(ctx, func() error {
			return uc.index.DeleteChunks(ctx, conversationID, ids)
		}); err != nil {
			return apperrors.Unavailable("delete chunks", err)
		}
	}
	if err := uc.docs.DeleteDocument(ctx, conversationID, documentID); err != nil && !errors.Is(err, apperrors.ErrDocumentNotFound) {
		return apperrors.Unavailable("delete document record", err)
	}

	uc.log.Info().Str("conversation_id", conversationID).Str("document_id", documentID).Int("chunks", len(ids)).Msg("document removed")
	return nil
}

// DocumentID derives a stable id from the conversation, filename and bytes,
// so re-uploading the same file yields the same chunk ids.
func DocumentID(conversationID, filename string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(conversationID))
	h.Write([]byte{0})
	h.Write([]byte(filename))
	h.Write([]byte{0})
	h.Write(data)
	return "doc_" + hex.EncodeToString(h.Sum(nil))[:16]
}

// ChunkID is the stable id of chunk seq of a document.
func ChunkID(documentID string, seq int) string {
	return fmt.Sprintf("%s-%d", documentID, seq)
}
