// Package http provides the HTTP server infrastructure.
// Clean Architecture: Framework/driver layer - outermost circle.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/usecases"
	"github.com/0xcro3dile/docchat-go/internal/infrastructure/metrics"
)

// TranscriptService is the conversation surface the server needs.
type TranscriptService interface {
	Create(ctx context.Context, userID, title string) (*entities.Conversation, error)
	Get(ctx context.Context, userID, conversationID string) (*entities.Conversation, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*entities.Conversation, error)
	Rename(ctx context.Context, userID, conversationID, title string) error
	Delete(ctx context.Context, userID, conversationID string) error
	Latest(ctx context.Context, userID, conversationID string) (entities.Exchange, bool, error)
	Documents(ctx context.Context, userID, conversationID string) ([]*entities.DocumentRecord, error)
	AttachResponse(ctx context.Context, userID, conversationID, text string, citations []entities.Citation) (int, error)
}

// ChatService runs turns and document operations.
type ChatService interface {
	Submit(ctx context.Context, in usecases.PromptInput) (*usecases.TurnResult, error)
	SubmitAsync(ctx context.Context, in usecases.PromptInput) (int, error)
	Upload(ctx context.Context, userID, conversationID string, up entities.Upload) (*entities.IngestionResult, error)
	DeleteDocument(ctx context.Context, userID, conversationID, documentID string) error
	Search(ctx context.Context, userID, conversationID, query string, k int) ([]entities.ScoredChunk, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config holds the server limits and timeouts.
type Config struct {
	Addr            string
	MaxFileBytes    int64
	MaxRequestBytes int64
	MaxTopK         int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	GinMode         string
}

// Server is the HTTP server for the chat API.
type Server struct {
	transcript TranscriptService
	chat       ChatService
	formats    []string
	checks     map[string]HealthCheck
	cfg        Config
	engine     *gin.Engine
	log        zerolog.Logger
}

// NewServer creates a new HTTP server. formats lists the accepted
// canonical media types.
func NewServer(transcript TranscriptService, chat ChatService, formats []string, checks map[string]HealthCheck, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 10 << 20
	}
	if cfg.MaxRequestBytes < cfg.MaxFileBytes {
		cfg.MaxRequestBytes = cfg.MaxFileBytes + 2<<20
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 20
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 6 * time.Minute // long enough for a synchronous turn
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	s := &Server{
		transcript: transcript,
		chat:       chat,
		formats:    formats,
		checks:     checks,
		cfg:        cfg,
		log:        log.With().Str("component", "http").Logger(),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger(s.log), recordMetrics(), cors())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api", requireUser(), limitBody(s.cfg.MaxRequestBytes))
	api.GET("/formats", s.handleFormats)

	convs := api.Group("/conversations")
	convs.POST("", s.handleCreate)
	convs.GET("", s.handleList)
	convs.GET("/:id", s.handleGet)
	convs.PATCH("/:id", s.handleRename)
	convs.DELETE("/:id", s.handleDelete)
	convs.GET("/:id/latest", s.handleLatest)
	convs.POST("/:id/prompt", s.handlePrompt)
	convs.POST("/:id/response", s.handleAttachResponse)
	convs.POST("/:id/documents", s.handleUpload)
	convs.GET("/:id/documents", s.handleDocuments)
	convs.DELETE("/:id/documents/:docId", s.handleDeleteDocument)
	convs.GET("/:id/search", s.handleSearch)

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", s.cfg.Addr).Msg("docchat server starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHealth returns server health status.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}

func (s *Server) handleFormats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"media_types":    s.formats,
		"max_file_bytes": s.cfg.MaxFileBytes,
	})
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+userIDHeader+", "+requestIDHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
