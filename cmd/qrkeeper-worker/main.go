// The qrkeeper background worker. Spawned by the main application, it
// serves the cross-context protocol on a unix socket: queue writes, cache
// management and sync drains happen here, off the interactive path.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qrkeeper/internal/backup"
	"qrkeeper/internal/config"
	"qrkeeper/internal/flagx"
	"qrkeeper/internal/logging"
	"qrkeeper/internal/repositories/queue"
	"qrkeeper/internal/sidecar"
	"qrkeeper/internal/storage"
	"qrkeeper/internal/worker"

	_ "modernc.org/sqlite"
)

func main() {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigs
		cancel()
	}()

	cfg := config.LoadConfig()
	socket := socketFlag(cfg.WorkerSocket)

	h := slog.NewTextHandler(os.Stderr, nil)
	logger := logging.NewSlogLogger(slog.New(h))

	sc, err := sidecar.Open(cfg.SidecarDir())
	if err != nil {
		log.Fatalf("sidecar: %v", err)
	}
	sink, err := backup.NewFileSink(cfg.BackupDir())
	if err != nil {
		log.Fatalf("backup sink: %v", err)
	}

	engine := storage.NewEngine(cfg.DBPath(), sc, sink, logger)
	if err := engine.Initialize(ctx, nil); err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer engine.Close()

	caches, err := worker.OpenCacheStore(cfg.CacheDir())
	if err != nil {
		log.Fatalf("caches: %v", err)
	}

	version, err := worker.SelfVersion()
	if err != nil {
		log.Fatalf("version: %v", err)
	}

	repo := queue.NewEngineRepository(engine)
	w := worker.New(version, socket, caches, repo, &http.Client{Timeout: 15 * time.Second}, logger)
	// SKIP_WAITING means a newer instance takes over; this one drains out.
	w.OnSkipWaiting = cancel

	if err := w.Serve(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// socketFlag reads -socket, the per-instance socket path the supervisor
// assigns. Flags meant for the main application are ignored.
func socketFlag(def string) string {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	socket := fs.String("socket", def, "unix socket path to serve on")
	if err := fs.Parse(flagx.FilterArgs(os.Args[1:], []string{"-socket"})); err != nil {
		log.Fatalf("flags: %v", err)
	}
	return *socket
}
