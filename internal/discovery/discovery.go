// Package discovery walks a target tree and seeds the pipeline with
// file-analysis work, smallest files first.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

func tracer() trace.Tracer { return otel.Tracer("discovery") }

const maxSizePriority = 100

// sourceExtensions is the allowlist of file types worth extracting points of
// interest from. Config formats are included because USES_CONFIG edges need
// them as endpoints.
var sourceExtensions = map[string]struct{}{
	".js": {}, ".jsx": {}, ".mjs": {}, ".cjs": {}, ".ts": {}, ".tsx": {},
	".vue": {}, ".svelte": {},
	".py": {}, ".go": {}, ".java": {}, ".rb": {}, ".rs": {}, ".php": {},
	".c": {}, ".h": {}, ".cc": {}, ".cpp": {}, ".hpp": {}, ".cs": {},
	".swift": {}, ".kt": {}, ".scala": {},
	".sql": {}, ".sh": {}, ".bash": {},
	".json": {}, ".yaml": {}, ".yml": {}, ".toml": {}, ".ini": {}, ".env": {},
}

// prunedDirs are subtree names never worth descending into. Dot-directories
// (VCS metadata, editor state) are pruned by prefix.
var prunedDirs = map[string]struct{}{
	"node_modules": {}, "bower_components": {}, "vendor": {},
	"dist": {}, "build": {}, "out": {}, "target": {},
	"coverage": {}, "tmp": {}, "__pycache__": {}, "venv": {},
	"bin": {}, "obj": {},
}

// Report totals one walk by outcome.
type Report struct {
	RunID            string        `json:"run_id"`
	Scanned          int           `json:"scanned"`
	Accepted         int           `json:"accepted"`
	SkippedType      int           `json:"skipped_type"`
	SkippedSize      int           `json:"skipped_size"`
	SkippedBinary    int           `json:"skipped_binary"`
	SkippedUnchanged int           `json:"skipped_unchanged"`
	Unreadable       int           `json:"unreadable"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Walker feeds accepted files into the file-analysis queue, recording each
// one in the store first so every job references a durable row.
type Walker struct {
	store       domain.Store
	queue       domain.Queue
	maxFileSize int64
	retries     int
	backoff     time.Duration
}

// New wires a walker against the store and the file-analysis queue.
func New(store domain.Store, queues domain.QueueProvider, cfg config.Config) *Walker {
	return &Walker{
		store:       store,
		queue:       queues.Queue(domain.QueueFileAnalysis),
		maxFileSize: cfg.MaxFileSize,
		retries:     cfg.RetryAttempts,
		backoff:     cfg.RetryDelay,
	}
}

// Run walks targetDir and enqueues a file-analysis job per accepted file.
// Unreadable entries are counted and skipped; store or broker failures abort
// the walk, since a partially seeded run is rerunnable but a silently
// half-seeded one is not.
func (w *Walker) Run(ctx domain.Context, runID, targetDir string) (Report, error) {
	ctx, span := tracer().Start(ctx, "discovery.Run")
	defer span.End()

	root, err := filepath.Abs(targetDir)
	if err != nil {
		return Report{}, fmt.Errorf("op=discovery.Run: resolve %q: %w", targetDir, err)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return Report{}, fmt.Errorf("op=discovery.Run: target %q is not a readable directory: %w", targetDir, domain.ErrInvalidArgument)
	}

	rep := Report{RunID: runID}
	start := time.Now()
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			rep.Unreadable++
			slog.Warn("discovery cannot read entry", slog.String("path", path), slog.Any("error", err))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && pruned(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		return w.consider(ctx, runID, root, path, d, &rep)
	})

	rep.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.Int("discovery.scanned", rep.Scanned),
		attribute.Int("discovery.accepted", rep.Accepted),
		attribute.Int("discovery.unreadable", rep.Unreadable),
	)
	slog.Info("discovery complete",
		slog.String("run_id", runID),
		slog.String("target", root),
		slog.Int("scanned", rep.Scanned),
		slog.Int("accepted", rep.Accepted),
		slog.Int("skipped_unchanged", rep.SkippedUnchanged),
		slog.Int("unreadable", rep.Unreadable),
		slog.Duration("elapsed", rep.Elapsed))
	if walkErr != nil {
		return rep, fmt.Errorf("op=discovery.Run: %w", walkErr)
	}
	return rep, nil
}

func (w *Walker) consider(ctx domain.Context, runID, root, path string, d fs.DirEntry, rep *Report) error {
	rep.Scanned++
	if !d.Type().IsRegular() {
		rep.SkippedType++
		return nil
	}
	if _, ok := sourceExtensions[strings.ToLower(filepath.Ext(d.Name()))]; !ok {
		rep.SkippedType++
		return nil
	}
	info, err := d.Info()
	if err != nil {
		rep.Unreadable++
		return nil
	}
	if info.Size() == 0 || info.Size() > w.maxFileSize {
		rep.SkippedSize++
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		rep.Unreadable++
		slog.Warn("discovery cannot read file", slog.String("path", path), slog.Any("error", err))
		return nil
	}
	if !textContent(content) {
		rep.SkippedBinary++
		return nil
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	prior, err := w.store.LatestHash(ctx, rel)
	switch {
	case err == nil && prior == hash:
		rep.SkippedUnchanged++
		return nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("op=discovery.consider: hash lookup %s: %w", rel, err)
	}

	var fileID int64
	err = w.store.InTransaction(ctx, func(tx domain.Store) error {
		id, err := tx.InsertFile(ctx, domain.File{
			RunID: runID, Path: rel, Hash: hash, SizeBytes: info.Size(),
		})
		if err != nil {
			return err
		}
		fileID = id
		return tx.BumpRunStats(ctx, runID, 1, 0, 0)
	})
	if err != nil {
		return fmt.Errorf("op=discovery.consider: record %s: %w", rel, err)
	}

	job := domain.FileAnalysisJob{RunID: runID, FileID: fileID, Path: rel, Size: info.Size()}
	_, err = w.queue.Enqueue(ctx, job, domain.JobOptions{
		Priority:    sizePriority(info.Size(), w.maxFileSize),
		MaxAttempts: w.retries,
		Backoff:     w.backoff,
	})
	if err != nil {
		if markErr := w.store.UpdateFileStatus(ctx, fileID, domain.FileFailed); markErr != nil {
			slog.Error("discovery cannot mark failed file", slog.Int64("file_id", fileID), slog.Any("error", markErr))
		}
		return fmt.Errorf("op=discovery.consider: enqueue %s: %w", rel, err)
	}
	rep.Accepted++
	return nil
}

func pruned(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, deny := prunedDirs[name]
	return deny
}

// textContent walks the detected MIME up its hierarchy; anything rooted in
// text/plain is fair game, everything else is a binary that slipped past the
// extension filter.
func textContent(b []byte) bool {
	for m := mimetype.Detect(b); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// sizePriority maps file size to a queue priority so small files drain first
// and unblock aggregation and resolution behind them.
func sizePriority(size, ceiling int64) int {
	if size <= 0 {
		return maxSizePriority
	}
	p := ceiling / size
	if p < 1 {
		return 1
	}
	if p > maxSizePriority {
		return maxSizePriority
	}
	return int(p)
}
