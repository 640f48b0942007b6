package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/docchat-go/internal/adapters/lock"
	"github.com/0xcro3dile/docchat-go/internal/adapters/parser"
	"github.com/0xcro3dile/docchat-go/internal/adapters/store"
	"github.com/0xcro3dile/docchat-go/internal/adapters/vectordb"
	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/textproc"
	"github.com/0xcro3dile/docchat-go/internal/domain/usecases"
)

// letterEmbedder embeds text as letter frequencies.
type letterEmbedder struct{}

func (letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 27)
	v[26] = 1
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v, nil
}

func (e letterEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

type stubGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
}

func (g *stubGenerator) Generate(_ context.Context, _ string, _ []string, _ []entities.Turn) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

type testEnv struct {
	server    *Server
	generator *stubGenerator
}

func newTestEnv(t *testing.T, cfg Config, checks map[string]HealthCheck) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	memStore := store.NewMemoryStore()
	index := vectordb.NewInMemoryStore()
	locker := lock.NewLocalLocker()
	inflight := lock.NewLocalInflight()
	extractor := parser.NewRegistry()
	gen := &stubGenerator{reply: "It is about revenue."}
	retry := usecases.RetryPolicy{Attempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	chunker, err := textproc.NewChunker(textproc.ChunkerConfig{MaxChunkSize: 200, Overlap: 20})
	require.NoError(t, err)
	embedder := usecases.NewBatchEmbedder(letterEmbedder{}, usecases.EmbedderConfig{BatchSize: 8, RetryDelay: time.Millisecond}, nil)

	transcript := usecases.NewTranscriptUseCase(usecases.TranscriptDeps{
		Conversations: memStore,
		Documents:     memStore,
		Index:         index,
		Locker:        locker,
	}, retry)
	ingest := usecases.NewIngestUseCase(usecases.IngestDeps{
		Conversations: memStore,
		Documents:     memStore,
		Extractor:     extractor,
		Chunker:       chunker,
		Embedder:      embedder,
		Index:         index,
		Locker:        locker,
		Inflight:      inflight,
	}, usecases.IngestConfig{Timeout: 5 * time.Second, Retry: retry})
	answer := usecases.NewAnswerUseCase(usecases.AnswerDeps{
		Conversations: memStore,
		Embedder:      embedder,
		Index:         index,
		Generator:     gen,
		Locker:        locker,
		Inflight:      inflight,
	}, usecases.AnswerConfig{
		TopK:            5,
		MaxTopK:         20,
		WaitTimeout:     time.Second,
		PollInterval:    time.Millisecond,
		PollMaxInterval: 5 * time.Millisecond,
		GenerateTimeout: time.Second,
		Retry:           retry,
	})
	chat := usecases.NewChatUseCase(transcript, ingest, answer, usecases.ChatConfig{
		PipelineTimeout: 5 * time.Second,
		MediaTypes:      extractor.SupportedMediaTypes(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = chat.Wait(ctx)
	})

	return &testEnv{
		server:    NewServer(transcript, chat, extractor.SupportedMediaTypes(), checks, cfg),
		generator: gen,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request, user string) *httptest.ResponseRecorder {
	t.Helper()
	if user != "" {
		req.Header.Set(userIDHeader, user)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return e.do(t, req, user)
}

func (e *testEnv) createConversation(t *testing.T, user string) conversationDTO {
	t.Helper()
	rec := e.doJSON(t, http.MethodPost, "/api/conversations", user, map[string]string{"title": "Quarterly"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conv conversationDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	return conv
}

func multipartRequest(t *testing.T, path string, fields map[string]string, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

const report = "Revenue grew by twelve percent in the third quarter. " +
	"Operating costs stayed flat while revenue from services doubled. " +
	"The board expects revenue to keep growing next year."

func TestServer_RequiresUser(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec := env.doJSON(t, http.MethodGet, "/api/conversations", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_user", decodeError(t, rec).Error.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestServer_ConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	conv := env.createConversation(t, "alice")
	assert.True(t, strings.HasPrefix(conv.ID, "conv_"))
	assert.Equal(t, "Quarterly", conv.Title)

	rec := env.doJSON(t, http.MethodGet, "/api/conversations/"+conv.ID+"/latest", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"exchange": null}`, rec.Body.String())

	rec = env.doJSON(t, http.MethodPatch, "/api/conversations/"+conv.ID, "alice", map[string]string{"title": "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.doJSON(t, http.MethodGet, "/api/conversations?limit=10", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Conversations []conversationDTO `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "Renamed", list.Conversations[0].Title)

	// another user cannot see it
	rec = env.doJSON(t, http.MethodGet, "/api/conversations/"+conv.ID, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.doJSON(t, http.MethodDelete, "/api/conversations/"+conv.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.doJSON(t, http.MethodGet, "/api/conversations/"+conv.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Error.Kind)
}

func TestServer_ListDefaultsToTwenty(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	for i := 0; i < 25; i++ {
		env.createConversation(t, "alice")
	}

	var list struct {
		Conversations []conversationDTO `json:"conversations"`
		Limit         int               `json:"limit"`
	}
	rec := env.doJSON(t, http.MethodGet, "/api/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Conversations, 20)
	assert.Equal(t, 20, list.Limit)

	rec = env.doJSON(t, http.MethodGet, "/api/conversations?limit=500", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Conversations, 25)
	assert.Equal(t, 100, list.Limit)
}

func TestServer_InvalidQueryParams(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	conv := env.createConversation(t, "alice")

	rec := env.doJSON(t, http.MethodGet, "/api/conversations?limit=abc", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.doJSON(t, http.MethodGet, "/api/conversations/"+conv.ID+"/search?q=revenue&top_k=50", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.doJSON(t, http.MethodPatch, "/api/conversations/"+conv.ID, "alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PromptJSON(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	conv := env.createConversation(t, "alice")

	rec := env.doJSON(t, http.MethodPost, "/api/conversations/"+conv.ID+"/prompt", "alice", map[string]any{"text": "What happened to revenue?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var turn turnDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &turn))
	assert.Equal(t, "completed", turn.Exchange.Status)
	assert.Equal(t, "It is about revenue.", turn.Exchange.Response.Text)
	assert.Contains(t, rec.Body.String(), `"citations":[]`)
	assert.Nil(t, turn.Ingestion)
}

func TestServer_PromptMultipartWithDocument(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	conv := env.createConversation(t, "alice")

	req := multipartRequest(t, "/api/conversations/"+conv.ID+"/prompt",
		map[string]string{"text": "How did revenue develop?", "top_k": "3"},
		"report.txt", "application/octet-stream", []byte(report))
	rec := env.do(t, req, "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var turn turnDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &turn))
	require.NotNil(t, turn.Ingestion)
	assert.Equal(t, "done", turn.Ingestion.Stage)
	assert.Positive(t, turn.Ingestion.ChunkCount)
	require.NotNil(t, turn.Exchange.Prompt.Document)
	assert.Equal(t, entities.MediaTypeText, turn.Exchange.Prompt.Document.MediaType)
	require.NotEmpty(t, turn.Exchange.Response.Citations)
	assert.Equal(t, "report.txt", turn.Exchange.Response.Citations[0].Filename)
	assert.NotEmpty(t, turn.Passages)

	rec = env.doJSON(t, http.MethodGet, "/api/conversations/"+conv.ID+"/search?q=revenue&top_k=2", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var search struct {
		Passages []passageDTO `json:"passages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &search))
	assert.NotEmpty(t, search.Passages)
	assert.LessOrEqual(t, len(search.Passages), 2)
}

func TestServer_PromptGenerationFailure(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	conv := env.createConversation(t, "alice")
	env.generator.err = errors.New("model crashed")

	rec := env.doJSON(t, http.MethodPost, "/api/conversations/"+conv.ID+"/prompt", "alice", map[string]any{"text": "Summarize revenue"})

	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	body := decodeError(t, rec)
	assert.Equal(t, "generation", body.Error.Kind)
	require.NotNil(t, body.Exchange)
	assert.Equal(t, "error", body.Exchange.Status)
	assert.NotEmpty(t, body.Exchange.ErrorDetail)
}

func TestServer_PromptAsync(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	conv := env.createConversation(t, "alice")

	rec := env.doJSON(t, http.MethodPost, "/api/conversations/"+conv.ID+"/prompt?async=true", "alice", map[string]any{"text": "revenue outlook"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"exchange_index": 0, "status": "pending"}`, rec.Body.String())

	require.Eventually(t, func() bool {
		rec := env.doJSON(t, http.MethodGet, "/api/conversations/"+conv.ID+"/latest", "alice", nil)
		return strings.Contains(rec.Body.String(), `"status":"completed"`)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_AttachResponseWithoutPending(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	conv := env.createConversation(t, "alice")

	rec := env.doJSON(t, http.MethodPost, "/api/conversations/"+conv.ID+"/response", "alice", map[string]any{"text": "late answer"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_pending_exchange", decodeError(t, rec).Error.Code)
}

func TestServer_Documents(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	conv := env.createConversation(t, "alice")
	base := "/api/conversations/" + conv.ID + "/documents"

	rec := env.do(t, multipartRequest(t, base, nil, "notes.md", "text/markdown", []byte(report)), "alice")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ing ingestionDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ing))
	assert.True(t, strings.HasPrefix(ing.DocumentID, "doc_"))

	rec = env.doJSON(t, http.MethodGet, base, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var docs struct {
		Documents []documentDTO `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs.Documents, 1)
	assert.Equal(t, "notes.md", docs.Documents[0].Filename)
	assert.Equal(t, "done", docs.Documents[0].Stage)

	rec = env.doJSON(t, http.MethodDelete, base+"/"+ing.DocumentID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.doJSON(t, http.MethodDelete, base+"/"+ing.DocumentID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_UploadRejections(t *testing.T) {
	env := newTestEnv(t, Config{MaxFileBytes: 64}, nil)
	conv := env.createConversation(t, "alice")
	base := "/api/conversations/" + conv.ID + "/documents"

	zip := append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0}, 26)...)
	rec := env.do(t, multipartRequest(t, base, nil, "archive.bin", "application/octet-stream", zip), "alice")
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, rec.Body.String())

	rec = env.do(t, multipartRequest(t, base, nil, "big.txt", "text/plain", []byte(report)), "alice")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = env.do(t, multipartRequest(t, base, map[string]string{"note": "x"}, "", "", nil), "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_FormatsAndHealth(t *testing.T) {
	env := newTestEnv(t, Config{}, map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
	})

	rec := env.doJSON(t, http.MethodGet, "/api/formats", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), entities.MediaTypePDF)

	rec = env.doJSON(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","dependencies":{"store":"ok"}}`, rec.Body.String())

	degraded := newTestEnv(t, Config{}, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = degraded.doJSON(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.Validation("bad"), http.StatusBadRequest},
		{apperrors.ErrEmptyQuery, http.StatusBadRequest},
		{apperrors.ErrPendingExchangeExists, http.StatusConflict},
		{apperrors.ErrConversationNotFound, http.StatusNotFound},
		{apperrors.ErrUnsupportedMediaType.Wrapf(nil, "x"), http.StatusUnsupportedMediaType},
		{apperrors.Ingestion(entities.StageEmbedded, apperrors.ErrEmbeddingFailed), http.StatusUnprocessableEntity},
		{apperrors.ErrGenerationFailed, http.StatusBadGateway},
		{apperrors.ErrUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("read: %w", &http.MaxBytesError{Limit: 10}), http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
