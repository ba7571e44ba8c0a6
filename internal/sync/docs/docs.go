// Package docs implements the bulk-pull documentation sync adapter: fan
// out across the spaces/projects named in config/context-filters.yaml,
// fetch each source's documents, and write them into the shared tracking
// directory for the analyzer to read.
package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"jib/internal/config"
)

// Document is one fetched page/ticket/doc.
type Document struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"` // "space:<name>" or "project:<name>"
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Source fetches every document currently in a named space or project.
// Implementations wrap whatever documentation-like backend is configured;
// this package has no opinion on which one.
type Source interface {
	FetchSpace(ctx context.Context, name string) ([]Document, error)
	FetchProject(ctx context.Context, name string) ([]Document, error)
}

// Puller runs a bulk pull across a ContextFilters allowlist and persists the
// result under trackingDir.
type Puller struct {
	source      Source
	trackingDir string
	logger      *log.Logger
	concurrency int
}

// New builds a Puller. concurrency <= 0 defaults to 4.
func New(source Source, trackingDir string, logger *log.Logger, concurrency int) *Puller {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Puller{source: source, trackingDir: trackingDir, logger: logger, concurrency: concurrency}
}

// PullAll fetches every space and project named in filters concurrently,
// bounded by p.concurrency, and writes each document to
// <trackingDir>/docs/<id>.json. A single source's failure does not abort
// the others; all errors are joined and returned after every fetch
// completes.
func (p *Puller) PullAll(ctx context.Context, filters config.ContextFilters) (int, error) {
	var (
		mu    sync.Mutex
		count int
		errs  []error
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.concurrency)

	record := func(name string, docs []Document, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		for _, d := range docs {
			if werr := p.persist(d); werr != nil {
				errs = append(errs, fmt.Errorf("%s: persist %s: %w", name, d.ID, werr))
				continue
			}
			count++
		}
	}

	for _, space := range filters.Spaces {
		space := space
		eg.Go(func() error {
			docs, err := p.source.FetchSpace(egCtx, space)
			record("space:"+space, docs, err)
			return nil // collected in errs, never abort siblings
		})
	}
	for _, project := range filters.Projects {
		project := project
		eg.Go(func() error {
			docs, err := p.source.FetchProject(egCtx, project)
			record("project:"+project, docs, err)
			return nil
		})
	}

	_ = eg.Wait()

	if p.logger != nil {
		p.logger.Printf("docs: pulled %d documents across %d spaces, %d projects (%d errors)",
			count, len(filters.Spaces), len(filters.Projects), len(errs))
	}
	if len(errs) > 0 {
		return count, fmt.Errorf("%d source(s) failed: %v", len(errs), errs)
	}
	return count, nil
}

func (p *Puller) persist(d Document) error {
	dir := filepath.Join(p.trackingDir, "docs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, d.ID+".json.tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, d.ID+".json"))
}
