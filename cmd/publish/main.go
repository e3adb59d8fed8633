// Command publish uploads written map files to the object store. With a
// ledger it drains exports not yet marked published; without one it uploads
// every file found in the output directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/yourorg/cvemaps/internal/config"
	"github.com/yourorg/cvemaps/internal/db"
	"github.com/yourorg/cvemaps/internal/export"
	"github.com/yourorg/cvemaps/internal/logging"
	"github.com/yourorg/cvemaps/internal/metrics"
	"github.com/yourorg/cvemaps/internal/pipeline"
	"github.com/yourorg/cvemaps/internal/s3"
)

func main() {
	var (
		batchSize = flag.Int("batch-size", 100, "number of ledger exports to publish per batch")
		maxFiles  = flag.Int("max", 0, "maximum files to publish (0 = unlimited)")
		dir       = flag.String("dir", "", "output directory to publish when no ledger is configured (default WEB_DATA_DIR)")
	)
	flag.Parse()

	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	os.Exit(run(*batchSize, *maxFiles, *dir))
}

func run(batchSize, maxFiles int, dir string) int {
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

	if !cfg.PublishEnabled() {
		log.Error("publishing needs S3_ENDPOINT and PUBLISH_BUCKET")
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := s3.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.S3Region)
	if err != nil {
		log.Error("object store client", zap.Error(err))
		return 1
	}
	if err := client.EnsureBucket(ctx, cfg.PublishBucket); err != nil {
		log.Error("ensure bucket", zap.String("bucket", cfg.PublishBucket), zap.Error(err))
		return 1
	}

	reg := metrics.NewRegistry()
	up := &pipeline.Uploader{
		Publisher:   client,
		Bucket:      cfg.PublishBucket,
		Prefix:      cfg.PublishPrefix,
		Concurrency: cfg.WorkerConcurrency,
		Log:         log,
		Metrics:     reg,
	}

	var total, ok int
	if cfg.LedgerEnabled() {
		store, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("db open", zap.Error(err))
			return 1
		}
		defer store.Close()
		total, ok, err = drainLedger(ctx, store, up, batchSize, maxFiles, log)
		if err != nil {
			log.Error("publish from ledger", zap.Error(err))
			return 1
		}
	} else {
		if dir == "" {
			dir = cfg.WebDataDir
		}
		arts, err := localArtifacts(dir)
		if err != nil {
			log.Error("list output directory", zap.String("dir", dir), zap.Error(err))
			return 1
		}
		if maxFiles > 0 && len(arts) > maxFiles {
			arts = arts[:maxFiles]
		}
		done, uerr := up.Upload(ctx, arts)
		total, ok = len(arts), len(done)
		if uerr != nil {
			log.Warn("some files were not published", zap.Error(uerr))
		}
	}

	if cfg.MetricsTextfile != "" {
		if err := reg.WriteTextfile(cfg.MetricsTextfile); err != nil {
			log.Warn("metrics textfile not written", zap.Error(err))
		}
	}
	log.Info("publish complete", zap.Int("processed", total), zap.Int("ok", ok), zap.Int("failed", total-ok))
	if ok < total {
		return 1
	}
	return 0
}

type unpublishedLedger interface {
	ListUnpublished(ctx context.Context, limit int) ([]db.Unpublished, error)
	MarkPublished(ctx context.Context, runID, name string) error
}

// drainLedger publishes unpublished exports batch by batch. It stops when the
// ledger has nothing left or a whole batch fails, since failed exports would
// be listed again. total counts distinct exports, so one listed again after a
// failure is processed once. Uploaded exports that cannot be marked count as
// failed.
func drainLedger(ctx context.Context, ledger unpublishedLedger, up *pipeline.Uploader, batchSize, maxFiles int, log *zap.Logger) (total, ok int, err error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	seen := make(map[[2]string]bool)
	for ctx.Err() == nil {
		if maxFiles > 0 && total >= maxFiles {
			break
		}
		limit := batchSize
		if maxFiles > 0 && total+limit > maxFiles {
			limit = maxFiles - total
		}

		listCtx, listCancel := context.WithTimeout(ctx, 20*time.Second)
		rows, err := ledger.ListUnpublished(listCtx, limit)
		listCancel()
		if err != nil {
			return total, ok, err
		}
		if len(rows) == 0 {
			break
		}

		arts := make([]pipeline.Artifact, len(rows))
		for i, row := range rows {
			arts[i] = pipeline.Artifact{RunID: row.RunID, Name: row.Name, Path: row.Path}
		}
		done, uerr := up.Upload(ctx, arts)
		for _, a := range arts {
			if k := [2]string{a.RunID, a.Name}; !seen[k] {
				seen[k] = true
				total++
			}
		}
		if uerr != nil {
			log.Warn("batch partially published", zap.Int("published", len(done)), zap.Int("batch", len(arts)), zap.Error(uerr))
		}
		marked := 0
		for _, a := range done {
			if err := ledger.MarkPublished(ctx, a.RunID, a.Name); err != nil {
				log.Warn("mark published failed", zap.String("run_id", a.RunID), zap.String("artifact", a.Name), zap.Error(err))
				continue
			}
			marked++
		}
		ok += marked
		if marked == 0 {
			break
		}
	}
	return total, ok, ctx.Err()
}

// localArtifacts lists the JSON outputs and the timestamp file of dir in
// name order.
func localArtifacts(dir string) ([]pipeline.Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var arts []pipeline.Artifact
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".json") && name != export.LastUpdatedFile) {
			continue
		}
		arts = append(arts, pipeline.Artifact{
			Name: strings.TrimSuffix(name, ".json"),
			Path: filepath.Join(dir, name),
		})
	}
	slices.SortFunc(arts, func(a, b pipeline.Artifact) int { return strings.Compare(a.Path, b.Path) })
	return arts, nil
}
