// Package daemon wires the sync engine together and runs it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/larshag/tellsync/internal/api"
	"github.com/larshag/tellsync/internal/config"
	"github.com/larshag/tellsync/internal/dispatch"
	"github.com/larshag/tellsync/internal/gateway"
	"github.com/larshag/tellsync/internal/logger"
	"github.com/larshag/tellsync/internal/notify"
	"github.com/larshag/tellsync/internal/poll"
	"github.com/larshag/tellsync/internal/sched"
	"github.com/larshag/tellsync/internal/session"
	"github.com/larshag/tellsync/internal/store"
	"github.com/larshag/tellsync/internal/stream"
	"github.com/larshag/tellsync/internal/telldus"
)

func Run(cfg *config.Config, cfgPath string) error {
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Log

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return fmt.Errorf("store dir: %w", err)
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	scheduler := sched.New()
	defer scheduler.Stop()

	hub := notify.NewHub()

	client := telldus.NewClient(cfg.Cloud.BaseURL)
	sess := session.NewManager(client, session.Credentials{
		ClientID:     cfg.Cloud.ClientID,
		ClientSecret: cfg.Cloud.ClientSecret,
		RefreshToken: cfg.Cloud.RefreshToken,
	}, scheduler, log)
	client.Tokens = sess

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		// Not fatal: renewal retries via the request-error path.
		log.Warn("initial token renewal failed", "error", err)
	}

	locator := gateway.NewLocator(client)
	ingester := stream.NewIngester(st, hub, log)
	supervisor := stream.NewSupervisor(locator, sess, ingester, log)
	dispatcher := dispatch.New(st, client, scheduler, hub, log)
	poller := poll.New(st, client, scheduler, hub, log)

	if err := poller.Start(); err != nil {
		return err
	}

	// The stream is only wanted while at least one widget exists.
	n, err := st.CountBindings()
	if err != nil {
		return err
	}
	supervisor.SetNeeded(n > 0)

	srv := api.NewServer(st, dispatcher, supervisor, poller, hub, log)
	httpSrv := &http.Server{
		Addr:    cfg.API.Listen,
		Handler: srv,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 2)

	go func() {
		log.Info("connection supervisor started")
		errCh <- supervisor.Run(ctx)
	}()

	go func() {
		log.Info("api listening", "addr", cfg.API.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	go watchConfig(ctx, cfgPath, log)

	log.Info("tellsyncd started", "store", cfg.Store.Path)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
		defer stop()
		httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon error: %w", err)
		}
		return nil
	}
}

// watchConfig notes edits to the config file. Credentials are read once at
// startup, so a change needs a restart; log it instead of silently
// ignoring the edit.
func watchConfig(ctx context.Context, path string, log *slog.Logger) {
	if path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config watch unavailable", "error", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warn("config watch unavailable", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name == path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Info("config file changed; restart to apply", "path", path)
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
