// Package cli is the interactive qrkeeper shell: scan capture, history
// queries, preferences, queue inspection and update control over the
// offline facade.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"

	"qrkeeper/internal/backup"
	"qrkeeper/internal/config"
	"qrkeeper/internal/cryptox"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/msgx"
	"qrkeeper/internal/offline"
	"qrkeeper/internal/repositories/prefs"
	"qrkeeper/internal/repositories/queue"
	"qrkeeper/internal/repositories/scans"
	"qrkeeper/internal/sidecar"
	"qrkeeper/internal/storage"
	"qrkeeper/internal/syncer"
	"qrkeeper/internal/update"
	"qrkeeper/internal/worker"

	_ "modernc.org/sqlite"
)

type App struct {
	config    *config.Config
	logger    logging.Logger
	engine    *storage.Engine
	store     *offline.Facade
	lifecycle *worker.Manager
	sync      *syncer.Coordinator
	updates   *update.Manager
	reader    *bufio.Reader
}

func NewApp(cfg *config.Config) (*App, error) {

	ctx := context.Background()
	logger := newLogger(cfg.LogLevel)

	sc, err := sidecar.Open(cfg.SidecarDir())
	if err != nil {
		return nil, fmt.Errorf("cli: open sidecar: %w", err)
	}

	sink, err := newSink(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cli: backup sink: %w", err)
	}

	var password []byte
	if cfg.UsePassword {
		password, err = GetPassword(os.Stdout)
		if err != nil {
			return nil, fmt.Errorf("cli: read password: %w", err)
		}
	}

	engine := storage.NewEngine(cfg.DBPath(), sc, sink, logger)
	degraded := false
	if err := engine.Initialize(ctx, password); err != nil {
		if errors.Is(err, cryptox.ErrWrongPassword) {
			return nil, err
		}
		// The shell stays usable; new requests are held in memory.
		logger.Error(ctx, "storage unavailable, running degraded", "error", err)
		degraded = true
	}

	scansRepo := scans.NewEngineRepository(engine)
	prefsRepo := prefs.NewEngineRepository(engine)
	queueRepo := queue.NewEngineRepository(engine)

	factory := worker.NewProcessFactory(cfg.WorkerBinary, cfg.WorkerSocket, logger)
	lifecycle := worker.NewManager(factory, sc, logger)
	lifecycle.SetBinaryPath(cfg.WorkerBinary)

	coord := syncer.NewCoordinator(queueRepo, &http.Client{Timeout: 15 * time.Second}, lifecycle, logger,
		syncer.WithProbeURL(cfg.ProbeURL),
		syncer.WithProbeInterval(cfg.ProbeInterval),
		syncer.WithSyncInterval(cfg.SyncInterval),
	)

	app := &App{
		config:    cfg,
		logger:    logger,
		engine:    engine,
		lifecycle: lifecycle,
		sync:      coord,
		reader:    bufio.NewReader(os.Stdin),
	}

	app.updates = update.NewManager(lifecycle, sc, update.PrompterFunc(app.promptUpdate), logger,
		update.WithCheckInterval(cfg.UpdateCheckInterval))
	app.store = offline.New(engine, scansRepo, prefsRepo, coord, logger, degraded)
	app.registerWorkerListeners(ctx)

	return app, nil
}

// registerWorkerListeners surfaces worker broadcasts between prompts. A
// failed worker drain is retried in-process, where the vault key is
// available.
func (a *App) registerWorkerListeners(ctx context.Context) {
	a.lifecycle.OnBroadcast(msgx.TypeSyncComplete, func(data json.RawMessage) {
		var p msgx.SyncCompletePayload
		if json.Unmarshal(data, &p) == nil && p.ProcessedCount > 0 {
			printlnFn(fmt.Sprintf("\n[sync] delivered %d queued request(s)", p.ProcessedCount))
		}
	})
	a.lifecycle.OnBroadcast(msgx.TypeSyncFailed, func(data json.RawMessage) {
		var p msgx.SyncFailedPayload
		_ = json.Unmarshal(data, &p)
		a.logger.Warn(ctx, "worker drain failed, draining locally", "error", p.Error)
		go a.sync.DrainLocally(context.WithoutCancel(ctx))
	})
	a.lifecycle.OnBroadcast(msgx.TypeRequestSynced, func(data json.RawMessage) {
		var p msgx.RequestSyncedPayload
		if json.Unmarshal(data, &p) == nil {
			a.logger.Info(ctx, "queued request delivered",
				"id", p.RequestID, "method", p.Method, "url", p.URL, "status", p.Status)
		}
	})
	a.lifecycle.OnBroadcast(msgx.TypeCacheUpdated, func(data json.RawMessage) {
		var p msgx.CacheUpdatedPayload
		if json.Unmarshal(data, &p) == nil {
			a.logger.Debug(ctx, "worker cache updated", "cache", p.CacheName)
		}
	})
	a.lifecycle.OnBroadcast(msgx.TypeError, func(data json.RawMessage) {
		var p msgx.ErrorPayload
		if json.Unmarshal(data, &p) == nil {
			printlnFn(fmt.Sprintf("\n[worker] %s: %s", p.Type, p.Message))
		}
	})
}

// promptUpdate never applies in place; it tells the user how to apply so
// the shell is not interrupted mid-command.
func (a *App) promptUpdate(ctx context.Context, version string) (bool, error) {
	fmt.Printf("\nWorker update %s is ready. Type 'update apply' to switch over.\n", version)
	return false, nil
}

func (a *App) Run(ctx context.Context) {
	defer a.Close()

	if !a.store.Degraded() {
		regCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := a.lifecycle.Register(regCtx); err != nil {
			a.logger.Warn(ctx, "background worker unavailable", "error", err)
		}
		cancel()
	}

	a.sync.Start(ctx)
	a.updates.Start(ctx)
	go a.watchEvents(ctx)

	a.Root(ctx)
}

// watchEvents surfaces connectivity flips and completed updates between
// prompts.
func (a *App) watchEvents(ctx context.Context) {
	syncCh, unsubSync := a.sync.Subscribe()
	defer unsubSync()
	updCh, unsubUpd := a.updates.Events()
	defer unsubUpd()

	for {
		select {
		case e, ok := <-syncCh:
			if !ok {
				return
			}
			if s, isStatus := e.(syncer.StatusChanged); isStatus {
				if s.Online {
					fmt.Println("\n[online]")
				} else {
					fmt.Println("\n[offline]")
				}
			}
		case e, ok := <-updCh:
			if !ok {
				return
			}
			switch ev := e.(type) {
			case update.Applied:
				fmt.Printf("\nWorker updated to %s.\n", ev.Version)
			case update.RollbackCompleted:
				fmt.Println("\nUpdate failed; previous worker restored.")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) Close() {
	a.updates.Stop()
	a.sync.Stop()
	if err := a.lifecycle.Close(); err != nil {
		a.logger.Warn(context.Background(), "worker shutdown", "error", err)
	}
	if err := a.engine.Close(); err != nil {
		a.logger.Warn(context.Background(), "storage close", "error", err)
	}
}

func newLogger(level string) logging.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})
	return logging.NewSlogLogger(slog.New(h))
}

func newSink(ctx context.Context, cfg *config.Config) (backup.Sink, error) {
	if cfg.S3Bucket != "" {
		client, err := backup.NewS3Client(ctx)
		if err != nil {
			return nil, err
		}
		return backup.NewS3Sink(client, cfg.S3Bucket, cfg.S3Prefix), nil
	}
	return backup.NewFileSink(cfg.BackupDir())
}
