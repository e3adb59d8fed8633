package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/yourorg/cvemaps/internal/model"
)

const (
	filePrefix = "CVE-"
	fileSuffix = ".json"
)

type SkipReason string

const (
	SkipUnreadable SkipReason = "unreadable"
	SkipMalformed  SkipReason = "malformed"
)

// Entry is one matching file. Doc is nil when Skip is set.
type Entry struct {
	Path string
	Doc  *model.Document
	Skip SkipReason
}

type Stats struct {
	Files      int `json:"files"`
	Unreadable int `json:"unreadable"`
	Malformed  int `json:"malformed"`
}

// Loader walks a corpus directory. Each call to All starts a fresh walk and
// resets Stats.
type Loader struct {
	root          string
	progressEvery int
	log           *zap.Logger
	stats         Stats
}

func New(root string, progressEvery int, log *zap.Logger) (*Loader, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("corpus root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("corpus root %s: not a directory", root)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{root: root, progressEvery: progressEvery, log: log}, nil
}

// Matches reports whether a file name follows the CVE-*.json convention.
func Matches(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}

func (l *Loader) Stats() Stats { return l.stats }

// All yields every matching document in lexical walk order. Unreadable files
// and directories are counted and never yielded; malformed documents are
// yielded with SkipMalformed.
func (l *Loader) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		l.stats = Stats{}
		stopped := errors.New("stopped")
		err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				l.stats.Unreadable++
				l.log.Debug("unreadable path", zap.String("path", path), zap.Error(err))
				if d != nil && d.IsDir() && path != l.root {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !Matches(d.Name()) {
				return nil
			}

			l.stats.Files++
			if l.progressEvery > 0 && l.stats.Files%l.progressEvery == 0 {
				l.log.Info("loading corpus", zap.Int("files", l.stats.Files))
			}

			b, err := os.ReadFile(path)
			if err != nil {
				l.stats.Unreadable++
				l.log.Debug("unreadable file", zap.String("path", path), zap.Error(err))
				return nil
			}
			doc, err := model.ParseDocument(path, b)
			entry := Entry{Path: path, Doc: doc}
			if err != nil {
				l.stats.Malformed++
				l.log.Warn("skipping malformed document", zap.String("path", path), zap.Error(err))
				entry = Entry{Path: path, Skip: SkipMalformed}
			}
			if !yield(entry) {
				return stopped
			}
			return nil
		})
		if err != nil && !errors.Is(err, stopped) {
			l.log.Warn("corpus walk ended early", zap.Error(err))
		}
	}
}
