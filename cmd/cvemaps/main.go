package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/yourorg/cvemaps/internal/config"
	"github.com/yourorg/cvemaps/internal/db"
	"github.com/yourorg/cvemaps/internal/logging"
	"github.com/yourorg/cvemaps/internal/metrics"
	"github.com/yourorg/cvemaps/internal/pipeline"
	"github.com/yourorg/cvemaps/internal/s3"
)

func main() {
	// Local dev: also try one level up in case we run from cmd/cvemaps.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := metrics.NewRegistry()

	var (
		store  *db.Store
		ledger pipeline.Ledger
	)
	if cfg.LedgerEnabled() {
		store, err = openStore(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Error("ledger unavailable", zap.Error(err))
			return 1
		}
		defer store.Close()
		ledger = store
	}

	var publisher pipeline.Publisher
	if cfg.PublishEnabled() {
		client, err := s3.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.S3Region)
		if err != nil {
			log.Error("object store client", zap.Error(err))
			return 1
		}
		if err := client.EnsureBucket(ctx, cfg.PublishBucket); err != nil {
			log.Error("ensure bucket", zap.String("bucket", cfg.PublishBucket), zap.Error(err))
			return 1
		}
		publisher = client
	}

	if cfg.HTTPAddr != "" {
		go serve(ctx, cfg.HTTPAddr, store, reg, log)
	}

	log.Info("cvemaps starting",
		zap.String("corpus", cfg.CVEDataDir),
		zap.String("out", cfg.WebDataDir),
		zap.Int("days_back", cfg.DaysBack),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Bool("ledger", ledger != nil),
		zap.Bool("publish", publisher != nil),
	)

	sum, runErr := pipeline.NewRunner(cfg, log, reg, ledger, publisher).Run(ctx)

	if cfg.MetricsTextfile != "" {
		if err := reg.WriteTextfile(cfg.MetricsTextfile); err != nil {
			log.Warn("metrics textfile not written", zap.String("path", cfg.MetricsTextfile), zap.Error(err))
		}
	}
	if runErr != nil {
		log.Error("run failed", zap.Error(runErr))
		return 1
	}
	if sum.Failed() {
		return 1
	}
	return 0
}

func openStore(ctx context.Context, url string, log *zap.Logger) (*db.Store, error) {
	store, err := db.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		if !db.IsInsufficientPrivilege(err) {
			store.Close()
			return nil, err
		}
		log.Warn("ensure schema skipped due insufficient privilege", zap.Error(err))
	}
	return store, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler answers 503 when the ledger database is configured but
// unreachable.
func healthHandler(p pinger, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p != nil {
			pctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(pctx); err != nil {
				log.Warn("healthz: db ping failed", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unhealthy","reason":"db unreachable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}
}

func serve(ctx context.Context, addr string, store *db.Store, reg *metrics.Registry, log *zap.Logger) {
	var p pinger
	if store != nil {
		p = store
	}
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthHandler(p, log))
	mux.Handle("/metrics", reg.Handler())

	s := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shctx)
	}()
	log.Info("http server listening", zap.String("addr", addr))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("http server", zap.Error(err))
	}
}
