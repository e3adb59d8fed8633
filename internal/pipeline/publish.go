package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/cvemaps/internal/metrics"
	"github.com/yourorg/cvemaps/internal/s3"
)

// Publisher stores one local file under an object key.
type Publisher interface {
	UploadFile(ctx context.Context, bucket, key, filePath string) error
}

// Artifact is a written file that can be published.
type Artifact struct {
	RunID string
	Name  string
	Path  string
}

// Uploader publishes artifacts with bounded concurrency. A failed upload
// does not stop the others.
type Uploader struct {
	Publisher   Publisher
	Bucket      string
	Prefix      string
	Concurrency int
	Log         *zap.Logger
	Metrics     *metrics.Registry
}

// Upload returns the artifacts that were stored and the joined errors of
// those that were not.
func (u *Uploader) Upload(ctx context.Context, artifacts []Artifact) ([]Artifact, error) {
	log := u.Log
	if log == nil {
		log = zap.NewNop()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(u.Concurrency, 1))

	var (
		mu   sync.Mutex
		done []Artifact
		errs []error
	)
	for _, art := range artifacts {
		g.Go(func() error {
			key := s3.ObjectKey(u.Prefix, filepath.Base(art.Path))
			err := Retry(gctx, retryAttempts, retryBaseDelay, func() error {
				return u.Publisher.UploadFile(gctx, u.Bucket, key, art.Path)
			})
			status := "ok"
			mu.Lock()
			if err != nil {
				status = "failed"
				errs = append(errs, fmt.Errorf("upload %s: %w", art.Name, err))
			} else {
				done = append(done, art)
			}
			mu.Unlock()
			if u.Metrics != nil {
				u.Metrics.UploadsTotal.WithLabelValues(status).Inc()
			}
			if err != nil {
				log.Warn("upload failed", zap.String("artifact", art.Name), zap.String("key", key), zap.Error(err))
			} else {
				log.Debug("uploaded", zap.String("artifact", art.Name), zap.String("bucket", u.Bucket), zap.String("key", key))
			}
			return nil
		})
	}
	_ = g.Wait()
	return done, errors.Join(errs...)
}
