// Command docchat serves the document chat API.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/0xcro3dile/docchat-go/internal/adapters/filewatcher"
	"github.com/0xcro3dile/docchat-go/internal/infrastructure/config"
	httpserver "github.com/0xcro3dile/docchat-go/internal/infrastructure/http"
	"github.com/0xcro3dile/docchat-go/internal/infrastructure/inbox"
	"github.com/0xcro3dile/docchat-go/internal/infrastructure/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("info", "console")
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("docchat stopped with error")
	}
	log.Info().Msg("docchat stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	server := httpserver.NewServer(app.transcript, app.chat, app.formats, app.checks, httpserver.Config{
		Addr:            cfg.Server.Addr,
		MaxFileBytes:    cfg.Server.MaxFileBytes,
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
		MaxTopK:         cfg.Pipeline.MaxTopK,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		GinMode:         cfg.Server.GinMode,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})

	if cfg.Inbox.Dir != "" {
		watcher, err := filewatcher.NewFSNotifyWatcher(nil)
		if err != nil {
			return err
		}
		svc := inbox.NewService(watcher, app.chat, inbox.Config{
			Dir:          cfg.Inbox.Dir,
			SettleDelay:  cfg.Inbox.SettleDelay,
			MaxFileBytes: cfg.Server.MaxFileBytes,
		})
		g.Go(func() error {
			return svc.Run(gctx)
		})
	}

	err = g.Wait()

	// let background turns settle their exchanges before the stores close
	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if werr := app.chat.Wait(waitCtx); werr != nil {
		log.Warn().Err(werr).Msg("background turns still running at shutdown")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
