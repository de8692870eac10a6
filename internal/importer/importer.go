// Package importer loads a directory of Markdown and plain-text files into the
// entity store as documents, so they can be matched by title and found by the
// semantic retriever. Obsidian vaults work as-is: frontmatter aliases and tags
// are kept and [[wiki links]] are flattened to text.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ImCalebP/ai-employee/internal/llm"
	"github.com/ImCalebP/ai-employee/internal/storage"
)

// DefaultConcurrency bounds how many files are embedded and stored at once.
const DefaultConcurrency = 4

// Result summarises one import run.
type Result struct {
	Root     string        `json:"root"`
	Found    int           `json:"found"`
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Options tune an Importer.
type Options struct {
	// Embedder is optional; without it documents are stored without vectors.
	Embedder    llm.EmbeddingGenerator
	Chunker     llm.Chunker
	Concurrency int
	Logger      *zap.Logger

	// ImportedBy is recorded in each document's imported_by field when set.
	ImportedBy string
}

// Importer walks a directory and upserts one document entity per file. The
// natural key of a document is its frontmatter url or its absolute path, so
// importing the same directory twice updates rather than duplicates.
type Importer struct {
	store storage.EntityStore
	opts  Options
}

// New creates an importer writing to store.
func New(store storage.EntityStore, opts Options) *Importer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Importer{store: store, opts: opts}
}

// Import loads every document file under root. Per-file failures are counted
// in the result; the returned error is reserved for an unreadable root or a
// cancelled context.
func (imp *Importer) Import(ctx context.Context, root string) (*Result, error) {
	start := time.Now()
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("cannot access directory %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", root)
	}

	files, err := collectFiles(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", abs, err)
	}

	res := &Result{Root: abs, Found: len(files)}
	var mu sync.Mutex
	record := func(apply func(r *Result)) {
		mu.Lock()
		apply(res)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(imp.opts.Concurrency)
	for _, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rel, _ := filepath.Rel(abs, path)
			created, skipped, err := imp.importFile(gctx, path, rel)
			switch {
			case err != nil && gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				imp.opts.Logger.Warn("failed to import document", zap.String("path", rel), zap.Error(err))
				record(func(r *Result) {
					r.Failed++
					r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", filepath.ToSlash(rel), err))
				})
			case skipped:
				record(func(r *Result) { r.Skipped++ })
			case created:
				record(func(r *Result) { r.Created++ })
			default:
				record(func(r *Result) { r.Updated++ })
			}
			return nil
		})
	}
	err = g.Wait()
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}

	imp.opts.Logger.Info("import completed",
		zap.String("root", abs),
		zap.Int("found", res.Found),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// importFile upserts one document. Empty files are skipped.
func (imp *Importer) importFile(ctx context.Context, path, rel string) (created, skipped bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, false, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return false, true, nil
	}

	parsed, err := ParseFile(data, rel)
	if err != nil {
		return false, false, err
	}
	entity := parsed.Entity("file://" + filepath.ToSlash(path))
	if imp.opts.ImportedBy != "" {
		entity.Fields["imported_by"] = imp.opts.ImportedBy
	}

	if imp.opts.Embedder != nil && entity.Text != "" {
		vec, err := llm.EmbedLong(ctx, imp.opts.Embedder, imp.opts.Chunker, entity.Name+"\n\n"+entity.Text)
		if err != nil {
			return false, false, fmt.Errorf("failed to embed: %w", err)
		}
		entity.Embedding = vec
	}

	existing, err := imp.store.GetByPrimaryKey(ctx, entity.Class, entity.PrimaryKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return true, false, imp.store.Insert(ctx, entity)
	case err != nil:
		return false, false, err
	}

	entity.ID = existing.ID
	entity.CreatedAt = existing.CreatedAt
	if entity.Embedding == nil && entity.Text == existing.Text {
		entity.Embedding = existing.Embedding
	}
	return false, false, imp.store.Update(ctx, entity)
}

var documentExts = map[string]bool{".md": true, ".markdown": true, ".txt": true}

// collectFiles returns the document files under root, skipping hidden
// directories such as .obsidian and .git.
func collectFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if documentExts[strings.ToLower(filepath.Ext(d.Name()))] {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
