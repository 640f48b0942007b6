package usecases

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
	"github.com/0xcro3dile/docchat-go/internal/domain/textproc"
)

// mockEmbedder implements ports.EmbeddingService for testing
type mockEmbedder struct {
	mu      sync.Mutex
	calls   int
	batchFn func(call int, texts []string) ([][]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()

	if m.batchFn != nil {
		return m.batchFn(call, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = fakeVector(t)
	}
	return out, nil
}

func (m *mockEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// fakeVector is deterministic: same text, same vector.
func fakeVector(text string) []float32 {
	return []float32{float32(len(text)), float32(strings.Count(text, " ") + 1), 1}
}

// mockIndex implements ports.VectorIndex for testing
type mockIndex struct {
	mu       sync.Mutex
	chunks   map[string]map[string]entities.Chunk
	upsertFn func(chunks []entities.Chunk) error
	score    func(c entities.Chunk) float64
}

func newMockIndex() *mockIndex {
	return &mockIndex{chunks: make(map[string]map[string]entities.Chunk)}
}

func (m *mockIndex) Upsert(ctx context.Context, convID string, chunks []entities.Chunk) error {
	if m.upsertFn != nil {
		if err := m.upsertFn(chunks); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks[convID] == nil {
		m.chunks[convID] = make(map[string]entities.Chunk)
	}
	for _, c := range chunks {
		m.chunks[convID][c.ID] = c
	}
	return nil
}

func (m *mockIndex) Query(ctx context.Context, convID string, vec []float32, k int) ([]entities.ScoredChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entities.ScoredChunk
	for _, c := range m.chunks[convID] {
		score := 0.5
		if m.score != nil {
			score = m.score(c)
		}
		out = append(out, entities.ScoredChunk{Chunk: c, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *mockIndex) DeleteChunks(ctx context.Context, convID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.chunks[convID], id)
	}
	return nil
}

func (m *mockIndex) DeleteConversation(ctx context.Context, convID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, convID)
	return nil
}

func (m *mockIndex) count(convID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks[convID])
}

// mockStore implements ports.ConversationStore and ports.DocumentStore
type mockStore struct {
	mu          sync.Mutex
	convs       map[string]*entities.Conversation
	docs        map[string]*entities.DocumentRecord
	addChunksFn func(ids []string) error
	completeFn  func(status entities.ExchangeStatus) error
}

func newMockStore() *mockStore {
	return &mockStore{
		convs: make(map[string]*entities.Conversation),
		docs:  make(map[string]*entities.DocumentRecord),
	}
}

func (m *mockStore) CreateConversation(ctx context.Context, conv *entities.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *conv
	m.convs[conv.ID] = &cp
	return nil
}

func (m *mockStore) GetConversation(ctx context.Context, id string) (*entities.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	cp := *c
	cp.Exchanges = append([]entities.Exchange(nil), c.Exchanges...)
	cp.ChunkIDs = append([]string(nil), c.ChunkIDs...)
	return &cp, nil
}

func (m *mockStore) ListConversations(ctx context.Context, userID string, opts ports.ListOptions) ([]*entities.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entities.Conversation
	for _, c := range m.convs {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) AppendExchange(ctx context.Context, convID string, ex entities.Exchange) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convID]
	if !ok {
		return 0, apperrors.ErrConversationNotFound
	}
	if c.HasPending() {
		return 0, apperrors.ErrPendingExchangeExists
	}
	ex.Index = len(c.Exchanges)
	c.Exchanges = append(c.Exchanges, ex)
	return ex.Index, nil
}

func (m *mockStore) CompleteExchange(ctx context.Context, convID string, index int, status entities.ExchangeStatus, resp entities.Response, detail string) (int, error) {
	if m.completeFn != nil {
		if err := m.completeFn(status); err != nil {
			return 0, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convID]
	if !ok {
		return 0, apperrors.ErrConversationNotFound
	}
	if !c.HasPending() {
		return 0, apperrors.ErrNoPendingExchange
	}
	if index != ports.TailExchange && index != len(c.Exchanges)-1 {
		return 0, apperrors.ErrNoPendingExchange
	}
	last := &c.Exchanges[len(c.Exchanges)-1]
	last.Status = status
	last.Response = resp
	last.ErrorDetail = detail
	return last.Index, nil
}

func (m *mockStore) AddChunkIDs(ctx context.Context, convID string, ids []string) error {
	if m.addChunksFn != nil {
		if err := m.addChunksFn(ids); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	for _, id := range ids {
		if !c.HasChunk(id) {
			c.ChunkIDs = append(c.ChunkIDs, id)
		}
	}
	return nil
}

func (m *mockStore) RemoveChunkIDs(ctx context.Context, convID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	drop := make(map[string]bool)
	for _, id := range ids {
		drop[id] = true
	}
	kept := c.ChunkIDs[:0]
	for _, id := range c.ChunkIDs {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	c.ChunkIDs = kept
	return nil
}

func (m *mockStore) RenameConversation(ctx context.Context, convID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	c.Title = title
	return nil
}

func (m *mockStore) DeleteConversation(ctx context.Context, convID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, convID)
	for k, d := range m.docs {
		if d.ConversationID == convID {
			delete(m.docs, k)
		}
	}
	return nil
}

func (m *mockStore) SaveDocument(ctx context.Context, doc *entities.DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *doc
	m.docs[doc.ConversationID+"/"+doc.ID] = &cp
	return nil
}

func (m *mockStore) GetDocument(ctx context.Context, convID, docID string) (*entities.DocumentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[convID+"/"+docID]
	if !ok {
		return nil, apperrors.ErrDocumentNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockStore) ListDocuments(ctx context.Context, convID string) ([]*entities.DocumentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entities.DocumentRecord
	for _, d := range m.docs {
		if d.ConversationID == convID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) DeleteDocument(ctx context.Context, convID, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, convID+"/"+docID)
	return nil
}

// mockExtractor treats every payload as paged text separated by form feeds
type mockExtractor struct {
	err error
}

func (m *mockExtractor) Extract(ctx context.Context, data []byte, mediaType string) (*entities.ExtractedText, error) {
	if m.err != nil {
		return nil, m.err
	}
	if mediaType != entities.MediaTypeText && mediaType != entities.MediaTypePDF {
		return nil, apperrors.ErrUnsupportedMediaType
	}
	pages := strings.Split(string(data), "\f")
	return &entities.ExtractedText{Pages: pages, Paginated: len(pages) > 1}, nil
}

func (m *mockExtractor) SupportedMediaTypes() []string {
	return []string{entities.MediaTypeText, entities.MediaTypePDF}
}

// mockGenerator implements ports.Generator for testing
type mockGenerator struct {
	mu       sync.Mutex
	response string
	err      error
	passages []string
	history  []entities.Turn
	block    chan struct{}
}

func (m *mockGenerator) Generate(ctx context.Context, query string, passages []string, history []entities.Turn) (string, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.mu.Lock()
	m.passages = passages
	m.history = history
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.response != "" {
		return m.response, nil
	}
	return "mocked answer", nil
}

// mockLocker is a per-key mutex
type mockLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newMockLocker() *mockLocker {
	return &mockLocker{locks: make(map[string]chan struct{})}
}

func (m *mockLocker) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[key] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// mockInflight counts running ingestions per conversation
type mockInflight struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMockInflight() *mockInflight {
	return &mockInflight{counts: make(map[string]int)}
}

func (m *mockInflight) Begin(ctx context.Context, convID string) (func(), error) {
	m.mu.Lock()
	m.counts[convID]++
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.counts[convID]--
			m.mu.Unlock()
		})
	}, nil
}

func (m *mockInflight) InFlight(ctx context.Context, convID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[convID] > 0, nil
}

var errBoom = errors.New("boom")

// harness wires every usecase over the mocks.
type harness struct {
	store      *mockStore
	index      *mockIndex
	embedder   *mockEmbedder
	extractor  *mockExtractor
	generator  *mockGenerator
	locker     *mockLocker
	inflight   *mockInflight
	transcript *TranscriptUseCase
	ingest     *IngestUseCase
	answer     *AnswerUseCase
	chat       *ChatUseCase
}

var fastRetry = RetryPolicy{Attempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     newMockStore(),
		index:     newMockIndex(),
		embedder:  &mockEmbedder{},
		extractor: &mockExtractor{},
		generator: &mockGenerator{},
		locker:    newMockLocker(),
		inflight:  newMockInflight(),
	}

	chunker, err := textproc.NewChunker(textproc.ChunkerConfig{MaxChunkSize: 100, Overlap: 20})
	if err != nil {
		t.Fatalf("chunker: %v", err)
	}
	embedder := NewBatchEmbedder(h.embedder, EmbedderConfig{BatchSize: 4, RetryDelay: time.Millisecond}, nil)

	h.transcript = NewTranscriptUseCase(TranscriptDeps{
		Conversations: h.store,
		Documents:     h.store,
		Index:         h.index,
		Locker:        h.locker,
	}, fastRetry)
	h.ingest = NewIngestUseCase(IngestDeps{
		Conversations: h.store,
		Documents:     h.store,
		Extractor:     h.extractor,
		Chunker:       chunker,
		Embedder:      embedder,
		Index:         h.index,
		Locker:        h.locker,
		Inflight:      h.inflight,
	}, IngestConfig{Timeout: 5 * time.Second, RemoveBoilerplate: true, Retry: fastRetry})
	h.answer = NewAnswerUseCase(AnswerDeps{
		Conversations: h.store,
		Embedder:      embedder,
		Index:         h.index,
		Generator:     h.generator,
		Locker:        h.locker,
		Inflight:      h.inflight,
	}, AnswerConfig{
		TopK:            3,
		WaitTimeout:     2 * time.Second,
		PollInterval:    time.Millisecond,
		PollMaxInterval: 5 * time.Millisecond,
		GenerateTimeout: time.Second,
		Retry:           fastRetry,
	})
	h.chat = NewChatUseCase(h.transcript, h.ingest, h.answer, ChatConfig{
		PipelineTimeout: 5 * time.Second,
		MediaTypes:      h.extractor.SupportedMediaTypes(),
	})
	return h
}

func (h *harness) newConversation(t *testing.T, userID string) *entities.Conversation {
	t.Helper()
	conv, err := h.transcript.Create(context.Background(), userID, "test chat")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func textUpload(name, body string) entities.Upload {
	return entities.Upload{Filename: name, MediaType: entities.MediaTypeText, Data: []byte(body)}
}
