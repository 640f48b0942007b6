package usecases

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
	"github.com/0xcro3dile/docchat-go/internal/domain/textproc"
)

// AnswerConfig tunes retrieval and generation.
type AnswerConfig struct {
	TopK            int
	MaxTopK         int
	MinScore        float64 // passages scoring below are dropped; 0 keeps all
	HistoryTurns    int     // completed turns handed to the generator; negative disables
	WaitTimeout     time.Duration
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	GenerateTimeout time.Duration
	Retry           RetryPolicy
}

// AnswerDeps are the collaborators of the answer pipeline.
type AnswerDeps struct {
	Conversations ports.ConversationStore
	Embedder      *BatchEmbedder
	Index         ports.VectorIndex
	Generator     ports.Generator
	Locker        ports.Locker
	Inflight      ports.InflightTracker
	Observer      ports.PipelineObserver
}

// PreparedQuery is a cleaned and embedded query.
type PreparedQuery struct {
	Text    string
	Cleaned string
	Vector  []float32
}

// AnswerUseCase handles retrieval and response generation.
type AnswerUseCase struct {
	convs    ports.ConversationStore
	embedder *BatchEmbedder
	index    ports.VectorIndex
	gen      ports.Generator
	locker   ports.Locker
	inflight ports.InflightTracker
	obs      ports.PipelineObserver
	cfg      AnswerConfig
	log      zerolog.Logger
}

var errStillIngesting = errors.New("ingestion still in flight")

// NewAnswerUseCase creates an AnswerUseCase with injected dependencies.
func NewAnswerUseCase(deps AnswerDeps, cfg AnswerConfig) *AnswerUseCase {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 20
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.PollMaxInterval <= 0 {
		cfg.PollMaxInterval = 2 * time.Second
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 2 * time.Minute
	}
	if cfg.HistoryTurns == 0 {
		cfg.HistoryTurns = 3
	}
	return &AnswerUseCase{
		convs:    deps.Conversations,
		embedder: deps.Embedder,
		index:    deps.Index,
		gen:      deps.Generator,
		locker:   deps.Locker,
		inflight: deps.Inflight,
		obs:      observerOrNoop(deps.Observer),
		cfg:      cfg,
		log:      log.With().Str("component", "answer").Logger(),
	}
}

// Answer cleans and embeds the query, waits for in-flight ingestion, then
// retrieves passages and generates the answer. The latest completed turns
// of the conversation are passed along as history.
func (uc *AnswerUseCase) Answer(ctx context.Context, conversationID, query string, k int) (*entities.Answer, error) {
	q, err := uc.PrepareQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return uc.AnswerPrepared(ctx, conversationID, ports.TailExchange, q, k)
}

// CleanQuery applies query cleaning and rejects queries that end up empty.
func CleanQuery(query string) (string, error) {
	cleaned := textproc.CleanQuery(query)
	if cleaned == "" {
		return "", apperrors.ErrEmptyQuery
	}
	return cleaned, nil
}

// PrepareQuery cleans and embeds the query.
func (uc *AnswerUseCase) PrepareQuery(ctx context.Context, query string) (*PreparedQuery, error) {
	cleaned, err := CleanQuery(query)
	if err != nil {
		return nil, err
	}
	vecs, err := uc.embedder.Embed(ctx, []string{cleaned})
	if err != nil {
		return nil, err
	}
	return &PreparedQuery{Text: query, Cleaned: cleaned, Vector: vecs[0]}, nil
}

// AnswerPrepared runs retrieval and generation for an embedded query that
// belongs to exchange. History is taken from the turns before it.
// Generation failures are returned as ErrGenerationFailed.
func (uc *AnswerUseCase) AnswerPrepared(ctx context.Context, conversationID string, exchange int, q *PreparedQuery, k int) (*entities.Answer, error) {
	start := time.Now()
	ans, err := uc.answer(ctx, conversationID, exchange, q, k)
	status := entities.StatusCompleted
	if err != nil {
		status = entities.StatusError
	}
	uc.obs.AnswerFinished(status, time.Since(start).Seconds())
	return ans, err
}

func (uc *AnswerUseCase) answer(ctx context.Context, conversationID string, exchange int, q *PreparedQuery, k int) (*entities.Answer, error) {
	if err := uc.waitIdle(ctx, conversationID); err != nil {
		return nil, err
	}

	release, err := acquire(ctx, uc.locker, uc.obs, conversationID, lockAnswer)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := uc.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	passages, err := uc.retrieve(ctx, conv, q.Vector, k)
	if err != nil {
		return nil, err
	}
	if exchange == ports.TailExchange {
		exchange = len(conv.Exchanges)
	}
	history := conv.History(exchange, uc.cfg.HistoryTurns)

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Chunk.Text
	}

	genCtx, cancel := context.WithTimeout(ctx, uc.cfg.GenerateTimeout)
	defer cancel()
	text, err := uc.gen.Generate(genCtx, q.Text, texts, history)
	if err != nil {
		uc.log.Warn().Err(err).Str("conversation_id", conversationID).Int("passages", len(passages)).Msg("generation failed")
		return nil, apperrors.ErrGenerationFailed.Wrap(err, "")
	}

	uc.log.Debug().Str("conversation_id", conversationID).Int("passages", len(passages)).Int("history", len(history)).Msg("answer generated")
	return &entities.Answer{
		Text:      text,
		Citations: Citations(passages),
		Passages:  passages,
	}, nil
}

// Search retrieves ranked passages without generating an answer.
func (uc *AnswerUseCase) Search(ctx context.Context, conversationID, query string, k int) ([]entities.ScoredChunk, error) {
	q, err := uc.PrepareQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	if err := uc.waitIdle(ctx, conversationID); err != nil {
		return nil, err
	}
	conv, err := uc.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return uc.retrieve(ctx, conv, q.Vector, k)
}

// waitIdle polls the in-flight flag with exponential backoff. No lock is
// held while waiting.
func (uc *AnswerUseCase) waitIdle(ctx context.Context, conversationID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = uc.cfg.PollInterval
	b.MaxInterval = uc.cfg.PollMaxInterval
	b.MaxElapsedTime = uc.cfg.WaitTimeout

	err := backoff.Retry(func() error {
		busy, err := uc.inflight.InFlight(ctx, conversationID)
		if err != nil {
			return err
		}
		if busy {
			return errStillIngesting
		}
		return nil
	}, backoff.WithContext(b, ctx))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errStillIngesting):
		return apperrors.ErrTimeout.Wrapf(err, "waited %s for ingestion", uc.cfg.WaitTimeout)
	case ctx.Err() != nil:
		return apperrors.ErrTimeout.Wrap(err, "wait for ingestion")
	default:
		return apperrors.Unavailable("check ingestion state", err)
	}
}

func (uc *AnswerUseCase) load(ctx context.Context, conversationID string) (*entities.Conversation, error) {
	conv, err := uc.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, apperrors.Unavailable("load conversation", err)
	}
	return conv, nil
}

// retrieve queries the index and keeps only committed chunks of the conversation.
func (uc *AnswerUseCase) retrieve(ctx context.Context, conv *entities.Conversation, vec []float32, k int) ([]entities.ScoredChunk, error) {
	if k <= 0 {
		k = uc.cfg.TopK
	}
	if k > uc.cfg.MaxTopK {
		k = uc.cfg.MaxTopK
	}
	conversationID := conv.ID

	if len(conv.ChunkIDs) == 0 {
		return nil, nil
	}

	var hits []entities.ScoredChunk
	if err := uc.cfg.Retry.do(ctx, func() error {
		var qerr error
		hits, qerr = uc.index.Query(ctx, conversationID, vec, k)
		return qerr
	}); err != nil {
		return nil, apperrors.Unavailable("query index", err)
	}

	passages := hits[:0]
	for _, h := range hits {
		if !conv.HasChunk(h.Chunk.ID) {
			continue
		}
		if uc.cfg.MinScore > 0 && h.Score < uc.cfg.MinScore {
			continue
		}
		passages = append(passages, h)
	}
	return passages, nil
}

// Citations derives (filename, page) citations from ranked passages,
// dropping duplicates and keeping rank order.
func Citations(passages []entities.ScoredChunk) []entities.Citation {
	citations := make([]entities.Citation, 0, len(passages))
	seen := make(map[entities.Citation]struct{}, len(passages))
	for _, p := range passages {
		c := entities.Citation{Filename: p.Chunk.Filename, Page: p.Chunk.Page}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		citations = append(citations, c)
	}
	return citations
}
