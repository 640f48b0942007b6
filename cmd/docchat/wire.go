package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/0xcro3dile/docchat-go/internal/adapters/embedding"
	"github.com/0xcro3dile/docchat-go/internal/adapters/llm"
	"github.com/0xcro3dile/docchat-go/internal/adapters/lock"
	"github.com/0xcro3dile/docchat-go/internal/adapters/parser"
	"github.com/0xcro3dile/docchat-go/internal/adapters/store"
	"github.com/0xcro3dile/docchat-go/internal/adapters/vectordb"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
	"github.com/0xcro3dile/docchat-go/internal/domain/textproc"
	"github.com/0xcro3dile/docchat-go/internal/domain/usecases"
	"github.com/0xcro3dile/docchat-go/internal/infrastructure/config"
	httpserver "github.com/0xcro3dile/docchat-go/internal/infrastructure/http"
	"github.com/0xcro3dile/docchat-go/internal/infrastructure/metrics"
	"github.com/0xcro3dile/docchat-go/internal/infrastructure/redisclient"
)

type persistence interface {
	ports.ConversationStore
	ports.DocumentStore
}

// app holds the assembled services and everything that needs closing.
type app struct {
	transcript *usecases.TranscriptUseCase
	chat       *usecases.ChatUseCase
	formats    []string
	checks     map[string]httpserver.HealthCheck
	closers    []io.Closer
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
}

func build(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{checks: make(map[string]httpserver.HealthCheck)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var rdb redis.UniversalClient
	if cfg.NeedsRedis() {
		rdb, err = redisclient.New(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb)
		a.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info().Msg("redis connected")
	}

	db, err := openDatabase(cfg, a)
	if err != nil {
		return nil, err
	}

	var records persistence
	switch cfg.Store.Backend {
	case "memory":
		records = store.NewMemoryStore()
	case "gorm":
		records = store.NewRepository(db)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	index, err := openIndex(cfg, db, a)
	if err != nil {
		return nil, err
	}
	instrumented := metrics.InstrumentIndex(index)

	var (
		locker   ports.Locker
		inflight ports.InflightTracker
	)
	switch cfg.Lock.Backend {
	case "redis":
		locker = lock.NewRedisLocker(rdb, cfg.Lock.TTL)
		inflight = lock.NewRedisInflight(rdb, cfg.Lock.InflightTTL)
	default:
		locker = lock.NewLocalLocker()
		inflight = lock.NewLocalInflight()
	}

	cache, err := embedding.NewCache(embedding.CacheConfig{
		Type:      cfg.Cache.Type,
		KeyPrefix: cfg.Cache.KeyPrefix,
		MaxSize:   cfg.Cache.MaxSize,
		TTL:       cfg.Cache.TTL,
	}, rdb)
	if err != nil {
		return nil, err
	}
	ollama := embedding.NewOllamaAdapter(cfg.Ollama.URL, cfg.Ollama.EmbedModel, cfg.Embedding.Timeout)
	embedSvc := embedding.NewCachedService(ollama, cache, ollama.Model())

	var parserOpts []parser.Option
	if cfg.Parser.PDFServiceURL != "" {
		remote := parser.NewRemotePDFParser(cfg.Parser.PDFServiceURL, cfg.Parser.PDFServiceTimeout)
		parserOpts = append(parserOpts, parser.WithParser(entities.MediaTypePDF, remote))
		a.checks["pdf_service"] = func(ctx context.Context) error {
			if !remote.IsServiceHealthy(ctx) {
				return errors.New("pdf service is not healthy")
			}
			return nil
		}
	}
	extractor := parser.NewRegistry(parserOpts...)
	a.formats = extractor.SupportedMediaTypes()

	generator := llm.NewOllamaLLMAdapter(cfg.Ollama.URL, cfg.Ollama.LLMModel, cfg.Ollama.GenerateTimeout).
		WithOptions(llm.Options{
			Temperature: cfg.Ollama.Temperature,
			TopP:        cfg.Ollama.TopP,
			NumPredict:  cfg.Ollama.NumPredict,
		})

	chunker, err := textproc.NewChunker(textproc.ChunkerConfig{
		MaxChunkSize: cfg.Chunking.Size,
		Overlap:      cfg.Chunking.Overlap,
	})
	if err != nil {
		return nil, err
	}

	obs := metrics.Observer{}
	retry := usecases.RetryPolicy{
		Attempts:        cfg.Pipeline.RetryAttempts,
		InitialInterval: cfg.Pipeline.RetryInitial,
		MaxInterval:     cfg.Pipeline.RetryMaxBackoff,
	}
	batcher := usecases.NewBatchEmbedder(embedSvc, usecases.EmbedderConfig{
		BatchSize:   cfg.Embedding.BatchSize,
		Concurrency: cfg.Embedding.Concurrency,
		Timeout:     cfg.Embedding.Timeout,
	}, obs)

	a.transcript = usecases.NewTranscriptUseCase(usecases.TranscriptDeps{
		Conversations: records,
		Documents:     records,
		Index:         instrumented,
		Locker:        locker,
		Observer:      obs,
	}, retry)
	ingest := usecases.NewIngestUseCase(usecases.IngestDeps{
		Conversations: records,
		Documents:     records,
		Extractor:     extractor,
		Chunker:       chunker,
		Embedder:      batcher,
		Index:         instrumented,
		Locker:        locker,
		Inflight:      inflight,
		Observer:      obs,
	}, usecases.IngestConfig{
		Timeout:           cfg.Pipeline.IngestTimeout,
		RemoveBoilerplate: cfg.Chunking.RemoveBoilerplate,
		Retry:             retry,
	})
	answer := usecases.NewAnswerUseCase(usecases.AnswerDeps{
		Conversations: records,
		Embedder:      batcher,
		Index:         instrumented,
		Generator:     generator,
		Locker:        locker,
		Inflight:      inflight,
		Observer:      obs,
	}, usecases.AnswerConfig{
		TopK:            cfg.Pipeline.TopK,
		MaxTopK:         cfg.Pipeline.MaxTopK,
		MinScore:        cfg.Pipeline.MinScore,
		HistoryTurns:    cfg.Pipeline.HistoryTurns,
		WaitTimeout:     cfg.Pipeline.WaitTimeout,
		GenerateTimeout: cfg.Ollama.GenerateTimeout,
		Retry:           retry,
	})
	a.chat = usecases.NewChatUseCase(a.transcript, ingest, answer, usecases.ChatConfig{
		PipelineTimeout: cfg.Pipeline.TurnTimeout,
		MediaTypes:      a.formats,
	})

	log.Info().
		Str("store", cfg.Store.Backend).
		Str("vector_index", cfg.Vector.Index).
		Str("lock", cfg.Lock.Backend).
		Str("cache", cfg.Cache.Type).
		Strs("formats", a.formats).
		Msg("docchat assembled")
	return a, nil
}

// openDatabase connects and migrates the conversation database. It returns
// nil for the memory store.
func openDatabase(cfg *config.Config, a *app) (*gorm.DB, error) {
	if cfg.Store.Backend != "gorm" {
		return nil, nil
	}
	db, err := store.Open(store.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		MaxIdleConns: cfg.Store.MaxIdleConns,
		LogLevel:     store.ParseLogLevel(cfg.Store.LogLevel),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sqlDB)
	a.checks["database"] = sqlDB.PingContext

	if err := store.Migrate(db); err != nil {
		return nil, err
	}
	log.Info().Str("driver", cfg.Store.Driver).Msg("database ready")
	return db, nil
}

func openIndex(cfg *config.Config, db *gorm.DB, a *app) (ports.VectorIndex, error) {
	switch cfg.Vector.Index {
	case "memory":
		return vectordb.NewInMemoryStore(), nil
	case "sqlite":
		s, err := vectordb.NewSQLiteStore(cfg.Vector.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s)
		return s, nil
	case "chromem":
		return vectordb.NewChromemStore(cfg.Vector.ChromemPath)
	case "pgvector":
		dsn := cfg.PostgresDSN()
		// reuse the store connection when it already points at the same database
		if db == nil || cfg.Store.Driver != store.DriverPostgres || dsn != cfg.Store.DSN {
			pg, err := store.Open(store.Config{
				Driver:   store.DriverPostgres,
				DSN:      dsn,
				LogLevel: store.ParseLogLevel(cfg.Store.LogLevel),
			})
			if err != nil {
				return nil, err
			}
			sqlDB, err := pg.DB()
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, sqlDB)
			a.checks["pgvector"] = sqlDB.PingContext
			db = pg
		}
		return vectordb.NewPGVectorStore(db)
	default:
		return nil, fmt.Errorf("unknown vector index %q", cfg.Vector.Index)
	}
}
