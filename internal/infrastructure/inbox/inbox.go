// Package inbox ingests documents dropped into a watched directory.
//
// Files are expected at <dir>/<userID>/<conversationID>/<name>. Once a file
// has been quiet for the settle delay it is uploaded into that conversation
// and moved to <dir>/.done or <dir>/.failed, keeping the same relative path.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/adapters/parser"
	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
)

const (
	doneDir   = ".done"
	failedDir = ".failed"
)

// Uploader ingests a document into a conversation.
type Uploader interface {
	Upload(ctx context.Context, userID, conversationID string, up entities.Upload) (*entities.IngestionResult, error)
}

// Config controls the inbox.
type Config struct {
	Dir          string
	SettleDelay  time.Duration
	MaxFileBytes int64
}

// Service watches the inbox and hands settled files to the uploader.
type Service struct {
	watcher  ports.FileWatcher
	uploader Uploader
	cfg      Config
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewService creates an inbox service.
func NewService(watcher ports.FileWatcher, uploader Uploader, cfg Config) *Service {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	return &Service{
		watcher:  watcher,
		uploader: uploader,
		cfg:      cfg,
		log:      log.With().Str("component", "inbox").Str("dir", cfg.Dir).Logger(),
		pending:  make(map[string]*time.Timer),
	}
}

// Run watches the inbox until ctx is cancelled. Uploads in progress are
// allowed to finish before it returns.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Dir == "" {
		return errors.New("inbox directory is not set")
	}
	for _, sub := range []string{doneDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(s.cfg.Dir, sub), 0o755); err != nil {
			return fmt.Errorf("prepare inbox: %w", err)
		}
	}

	events, err := s.watcher.Watch(ctx, s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}
	s.log.Info().Msg("watching inbox")

	defer func() {
		s.mu.Lock()
		for path, t := range s.pending {
			if t.Stop() {
				s.wg.Done()
			}
			delete(s.pending, path)
		}
		s.mu.Unlock()
		s.wg.Wait()
		if err := s.watcher.Stop(); err != nil {
			s.log.Warn().Err(err).Msg("failed to stop watcher")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Operation {
			case ports.FileCreated, ports.FileModified:
				s.schedule(ctx, ev.Path)
			case ports.FileDeleted:
				s.cancel(ev.Path)
			}
		}
	}
}

// schedule (re)arms the settle timer for path.
func (s *Service) schedule(ctx context.Context, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.pending[path]; ok && t.Stop() {
		s.wg.Done()
	}
	s.wg.Add(1)
	s.pending[path] = time.AfterFunc(s.cfg.SettleDelay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.pending, path)
		s.mu.Unlock()
		s.process(context.WithoutCancel(ctx), path)
	})
}

func (s *Service) cancel(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[path]; ok {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.pending, path)
	}
}

func (s *Service) process(ctx context.Context, path string) {
	rel, err := filepath.Rel(s.cfg.Dir, path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("file outside inbox")
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		s.log.Warn().Str("path", rel).Msg("ignoring file, expected <user>/<conversation>/<file>")
		return
	}
	userID, convID, name := parts[0], parts[1], parts[2]
	logger := s.log.With().Str("user_id", userID).Str("conversation_id", convID).Str("file", name).Logger()

	data, err := s.read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		logger.Warn().Err(err).Msg("failed to read inbox file")
		s.finish(path, rel, err)
		return
	}

	up := entities.Upload{
		Filename:  name,
		MediaType: parser.NormalizeMediaType("", name),
		Data:      data,
	}
	res, err := s.uploader.Upload(ctx, userID, convID, up)
	if err != nil {
		logger.Warn().Err(err).Msg("inbox ingestion failed")
		s.finish(path, rel, err)
		return
	}
	logger.Info().Str("document_id", res.DocumentID).Int("chunks", len(res.ChunkIDs)).Msg("inbox file ingested")
	s.finish(path, rel, nil)
}

func (s *Service) read(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxFileBytes > 0 && info.Size() > s.cfg.MaxFileBytes {
		return nil, fmt.Errorf("file is %d bytes, limit is %d", info.Size(), s.cfg.MaxFileBytes)
	}
	return os.ReadFile(path)
}

// finish moves the file out of the inbox. Failed files get a sibling
// .error file holding the cause.
func (s *Service) finish(path, rel string, cause error) {
	sub := doneDir
	if cause != nil {
		sub = failedDir
	}
	dest := filepath.Join(s.cfg.Dir, sub, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		s.log.Error().Err(err).Str("path", rel).Msg("failed to create archive directory")
		return
	}
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(dest)
		dest = fmt.Sprintf("%s.%d%s", strings.TrimSuffix(dest, ext), time.Now().UnixNano(), ext)
	}
	if err := os.Rename(path, dest); err != nil {
		s.log.Error().Err(err).Str("path", rel).Msg("failed to move inbox file")
		return
	}
	if cause != nil {
		if err := os.WriteFile(dest+".error", []byte(cause.Error()+"\n"), 0o644); err != nil {
			s.log.Warn().Err(err).Str("path", rel).Msg("failed to write error note")
		}
	}
}
