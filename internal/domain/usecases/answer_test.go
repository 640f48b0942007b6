package usecases

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

// seedChunks puts chunks straight into the index and commits their ids.
func seedChunks(t *testing.T, h *harness, convID string, chunks ...entities.Chunk) {
	t.Helper()
	ids := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].ConversationID = convID
		ids[i] = chunks[i].ID
	}
	if err := h.index.Upsert(context.Background(), convID, chunks); err != nil {
		t.Fatal(err)
	}
	if err := h.store.AddChunkIDs(context.Background(), convID, ids); err != nil {
		t.Fatal(err)
	}
}

func TestAnswerUseCase_NoChunksAnswersWithoutCitations(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, "u1")
	h.generator.response = "I have no documents for that."

	ans, err := h.answer.Answer(context.Background(), conv.ID, "What is X?", 0)
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if ans.Text != "I have no documents for that." {
		t.Errorf("unexpected answer: %s", ans.Text)
	}
	if ans.Citations == nil || len(ans.Citations) != 0 {
		t.Errorf("expected empty citation list, got %#v", ans.Citations)
	}
	if len(h.generator.passages) != 0 {
		t.Error("generator should receive no passages")
	}
}

func TestAnswerUseCase_EmptyQuery(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, "u1")

	_, err := h.answer.Answer(context.Background(), conv.ID, "the of?!", 0)
	if !errors.Is(err, apperrors.ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
	if h.embedder.callCount() != 0 {
		t.Error("an empty query must not be embedded")
	}
}

func TestAnswerUseCase_CitationsDedupedInRankOrder(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, "u1")
	seedChunks(t, h, conv.ID,
		entities.Chunk{ID: "c1", Filename: "a.pdf", Page: 1, Text: "first"},
		entities.Chunk{ID: "c2", Filename: "a.pdf", Page: 1, Text: "second"},
		entities.Chunk{ID: "c3", Filename: "b.pdf", Page: 2, Text: "third"},
	)
	scores := map[string]float64{"c1": 0.9, "c2": 0.8, "c3": 0.7}
	h.index.score = func(c entities.Chunk) float64 { return scores[c.ID] }

	ans, err := h.answer.Answer(context.Background(), conv.ID, "tell me", 3)
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	want := []entities.Citation{{Filename: "a.pdf", Page: 1}, {Filename: "b.pdf", Page: 2}}
	if !reflect.DeepEqual(ans.Citations, want) {
		t.Errorf("citations = %+v, want %+v", ans.Citations, want)
	}
	if !reflect.DeepEqual(h.generator.passages, []string{"first", "second", "third"}) {
		t.Errorf("passages out of rank order: %v", h.generator.passages)
	}
}

func TestAnswerUseCase_IgnoresUncommittedChunks(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, "u1")
	seedChunks(t, h, conv.ID, entities.Chunk{ID: "committed", Filename: "a.txt", Text: "visible"})
	_ = h.index.Upsert(context.Background(), conv.ID, []entities.Chunk{{ID: "orphan", Filename: "b.txt", Text: "hidden"}})

	ans, err := h.answer.Answer(context.Background(), conv.ID, "anything", 5)
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if len(ans.Passages) != 1 || ans.Passages[0].Chunk.ID != "committed" {
		t.Errorf("expected only the committed chunk, got %+v", ans.Passages)
	}
}

func TestAnswerUseCase_MinScoreDropsWeakPassages(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, "u1")
	seedChunks(t, h, conv.ID,
		entities.Chunk{ID: "strong", Filename: "a.txt", Text: "relevant"},
		entities.Chunk{ID: "weak", Filename: "b.txt", Text: "unrelated"},
	)
	scores := map[string]float64{"strong": 0.82, "weak": 0.12}
	h.index.score = func(c entities.Chunk) float64 { return scores[c.ID] }

	ans, err := h.answer.Answer(context.Background(), conv.ID, "anything", 5)
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if len(ans.Passages) != 2 {
		t.Fatalf("without a threshold every passage is kept, got %+v", ans.Passages)
	}

	h.answer.cfg.MinScore = 0.3
	ans, err = h.answer.Answer(context.Background(), conv.ID, "anything", 5)
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if len(ans.Passages) != 1 || ans.Passages[0].Chunk.ID != "strong" {
		t.Errorf("expected only the strong passage, got %+v", ans.Passages)
	}
	if want := []entities.Citation{{Filename: "a.txt"}}; !reflect.DeepEqual(ans.Citations, want) {
		t.Errorf("citations = %+v, want %+v", ans.Citations, want)
	}

	h.answer.cfg.MinScore = 0.9
	ans, err = h.answer.Answer(context.Background(), conv.ID, "anything", 5)
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if len(ans.Passages) != 0 || len(ans.Citations) != 0 {
		t.Errorf("nothing clears the threshold, got %+v", ans)
	}
}

func TestAnswerUseCase_PassesRecentHistory(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, "u1")
	ctx := context.Background()

	for i, q := range []string{"first question", "second question", "third question", "fourth question"} {
		if _, err := h.transcript.AppendPrompt(ctx, "u1", conv.ID, q, nil); err != nil {
			t.Fatal(err)
		}
		if i == 2 {
			if _, err := h.transcript.FailResponse(ctx, "u1", conv.ID, "boom"); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if _, err := h.transcript.AttachResponse(ctx, "u1", conv.ID, "answer "+q, nil); err != nil {
			t.Fatal(err)
		}
	}
	idx, err := h.transcript.AppendPrompt(ctx, "u1", conv.ID, "follow up", nil)
	if err != nil {
		t.Fatal(err)
	}

	q, err := h.answer.PrepareQuery(ctx, "follow up")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.answer.AnswerPrepared(ctx, conv.ID, idx, q, 0); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	want := []entities.Turn{
		{Question: "first question", Answer: "answer first question"},
		{Question: "second question", Answer: "answer second question"},
		{Question: "fourth question", Answer: "answer fourth question"},
	}
	if !reflect.DeepEqual(h.generator.history, want) {
		t.Errorf("history = %+v, want %+v", h.generator.history, want)
	}

	// only turns before the answered exchange count
	if _, err := h.answer.AnswerPrepared(ctx, conv.ID, 1, q, 0); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if !reflect.DeepEqual(h.generator.history, want[:1]) {
		t.Errorf("history = %+v, want %+v", h.generator.history, want[:1])
	}
}

func TestAnswerUseCase_HistoryDisabled(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, "u1")
	ctx := context.Background()
	if _, err := h.transcript.AppendPrompt(ctx, "u1", conv.ID, "earlier", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.transcript.AttachResponse(ctx, "u1", conv.ID, "reply", nil); err != nil {
		t.Fatal(err)
	}

	h.answer.cfg.HistoryTurns = -1
	if _, err := h.answer.Answer(ctx, conv.ID, "standalone", 0); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if len(h.generator.history) != 0 {
		t.Errorf("history should be empty, got %+v", h.generator.history)
	}
}

func TestAnswerUseCase_GenerationFailure(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, "u1")
	h.generator.err = errBoom

	_, err := h.answer.Answer(context.Background(), conv.ID, "will fail", 0)
	if !errors.Is(err, apperrors.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	if apperrors.KindOf(err) != apperrors.KindGeneration {
		t.Errorf("expected generation kind, got %s", apperrors.KindOf(err))
	}
}

func TestAnswerUseCase_WaitsForInflightIngestion(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, "u1")
	done, _ := h.inflight.Begin(context.Background(), conv.ID)

	result := make(chan *entities.Answer, 1)
	go func() {
		ans, err := h.answer.Answer(context.Background(), conv.ID, "grounded question", 0)
		if err != nil {
			t.Errorf("answer failed: %v", err)
		}
		result <- ans
	}()

	select {
	case <-result:
		t.Fatal("answer returned while ingestion was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	seedChunks(t, h, conv.ID, entities.Chunk{ID: "late", Filename: "late.txt", Text: "arrived"})
	done()

	select {
	case ans := <-result:
		if ans == nil || len(ans.Passages) != 1 {
			t.Fatalf("expected the freshly ingested chunk, got %+v", ans)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("answer did not resume after ingestion settled")
	}
}

func TestAnswerUseCase_WaitTimeout(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, "u1")
	_, _ = h.inflight.Begin(context.Background(), conv.ID)

	uc := NewAnswerUseCase(AnswerDeps{
		Conversations: h.store,
		Embedder:      NewBatchEmbedder(h.embedder, EmbedderConfig{}, nil),
		Index:         h.index,
		Generator:     h.generator,
		Locker:        h.locker,
		Inflight:      h.inflight,
	}, AnswerConfig{WaitTimeout: 20 * time.Millisecond, PollInterval: time.Millisecond, PollMaxInterval: 5 * time.Millisecond})

	_, err := uc.Answer(context.Background(), conv.ID, "never answered", 0)
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestAnswerUseCase_SearchCapsK(t *testing.T) {
	h := newHarness(t)
	conv := h.newConversation(t, "u1")
	var chunks []entities.Chunk
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m", "n", "o", "p", "q", "r", "s", "t", "u", "v"} {
		chunks = append(chunks, entities.Chunk{ID: id, Filename: "f.txt", Text: id})
	}
	seedChunks(t, h, conv.ID, chunks...)

	hits, err := h.answer.Search(context.Background(), conv.ID, "letters", 100)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(hits) != 20 {
		t.Errorf("expected k capped at 20, got %d", len(hits))
	}
	if hits[0].Chunk.ID != "a" || hits[1].Chunk.ID != "b" {
		t.Error("equal scores must be ordered by chunk id")
	}
}

func TestCitations_Empty(t *testing.T) {
	if c := Citations(nil); c == nil || len(c) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", c)
	}
}
