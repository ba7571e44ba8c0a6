// Package task implements the task/thread registry: one persistent record
// per chat thread or pull request, keyed by a stable context_id, with
// status, labels, and append-only notes. It is a sqlite-backed store
// (modernc.org/sqlite, no cgo) that migrates its schema on Open.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Status is a context record's lifecycle status.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
	StatusCancelled  Status = "cancelled"
)

// Note is one append-only, timestamp-prefixed entry on a context record.
type Note struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Record is the persistent per-thread/per-PR entity.
type Record struct {
	ContextID  string   `json:"context_id"`
	InternalID string   `json:"internal_id"`
	Title      string   `json:"title"`
	Labels     []string `json:"labels"`
	Status     Status   `json:"status"`
	Notes      []Note   `json:"notes"`
	Links      []string `json:"links"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Registry is the sqlite-backed task/thread registry. Writes for a given
// context_id are serialized by the per-call mutex below; since context_ids
// are disjoint, this is sufficient single-writer-per-record discipline.
type Registry struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (or re-opens) a task registry at path.
func Open(path string) (*Registry, error) {
	if path == "" {
		return nil, errors.New("task registry path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	r := &Registry{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Registry) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS contexts (
			context_id TEXT PRIMARY KEY,
			internal_id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			labels TEXT NOT NULL,
			status TEXT NOT NULL,
			notes TEXT NOT NULL,
			links TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := r.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// EnsureOpen creates a context record by context_id if absent, returning the
// existing record unchanged if present (the idempotence law: creating a
// record by context_id twice yields the same internal_id and a single
// record). title/labels are only applied on first creation.
func (r *Registry) EnsureOpen(ctx context.Context, contextID, title string, labels []string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok, err := r.get(ctx, contextID); err != nil {
		return Record{}, err
	} else if ok {
		return existing, nil
	}

	now := time.Now().UTC()
	rec := Record{
		ContextID:  contextID,
		InternalID: uuid.NewString(),
		Title:      title,
		Labels:     dedupe(append([]string{contextID}, labels...)),
		Status:     StatusOpen,
		Notes:      nil,
		Links:      nil,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.insert(ctx, rec); err != nil {
		// Lost the creation race against another writer; re-read instead of
		// erroring, preserving idempotence.
		if existing, ok, gerr := r.get(ctx, contextID); gerr == nil && ok {
			return existing, nil
		}
		return Record{}, err
	}
	return rec, nil
}

// Update loads a record whatever its status, appends note (if
// non-empty), sets status if non-empty (an empty status leaves a closed
// or cancelled record as it is), and adds links. Under no circumstances
// does a closed status prevent loading and appending.
func (r *Registry) Update(ctx context.Context, contextID string, status Status, note string, addLinks []string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok, err := r.get(ctx, contextID)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, fmt.Errorf("no context record for %q", contextID)
	}
	if status != "" {
		rec.Status = status
	}
	if note != "" {
		rec.Notes = append(rec.Notes, Note{At: time.Now().UTC(), Text: note})
	}
	if len(addLinks) > 0 {
		rec.Links = dedupe(append(rec.Links, addLinks...))
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := r.replace(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get retrieves a context record by context_id. Closed records are still
// retrievable.
func (r *Registry) Get(ctx context.Context, contextID string) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(ctx, contextID)
}

func (r *Registry) get(ctx context.Context, contextID string) (Record, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT context_id, internal_id, title, labels, status, notes, links, created_at, updated_at FROM contexts WHERE context_id = ?`, contextID)
	var rec Record
	var labelsJSON, notesJSON, linksJSON string
	var created, updated string
	if err := row.Scan(&rec.ContextID, &rec.InternalID, &rec.Title, &labelsJSON, &rec.Status, &notesJSON, &linksJSON, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	_ = json.Unmarshal([]byte(labelsJSON), &rec.Labels)
	_ = json.Unmarshal([]byte(notesJSON), &rec.Notes)
	_ = json.Unmarshal([]byte(linksJSON), &rec.Links)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return rec, true, nil
}

func (r *Registry) insert(ctx context.Context, rec Record) error {
	labels, _ := json.Marshal(rec.Labels)
	notes, _ := json.Marshal(rec.Notes)
	links, _ := json.Marshal(rec.Links)
	_, err := r.db.ExecContext(ctx, `INSERT INTO contexts (context_id, internal_id, title, labels, status, notes, links, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ContextID, rec.InternalID, rec.Title, string(labels), rec.Status, string(notes), string(links), rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

func (r *Registry) replace(ctx context.Context, rec Record) error {
	labels, _ := json.Marshal(rec.Labels)
	notes, _ := json.Marshal(rec.Notes)
	links, _ := json.Marshal(rec.Links)
	_, err := r.db.ExecContext(ctx, `UPDATE contexts SET title=?, labels=?, status=?, notes=?, links=?, updated_at=? WHERE context_id=?`,
		rec.Title, string(labels), rec.Status, string(notes), string(links), rec.UpdatedAt.Format(time.RFC3339Nano), rec.ContextID)
	return err
}

// Search finds context records whose context_id or labels contain q
// (case-insensitive substring), newest-updated first.
func (r *Registry) Search(ctx context.Context, q string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.QueryContext(ctx, `SELECT context_id, internal_id, title, labels, status, notes, links, created_at, updated_at FROM contexts ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	q = strings.ToLower(q)
	var out []Record
	for rows.Next() {
		var rec Record
		var labelsJSON, notesJSON, linksJSON, created, updated string
		if err := rows.Scan(&rec.ContextID, &rec.InternalID, &rec.Title, &labelsJSON, &rec.Status, &notesJSON, &linksJSON, &created, &updated); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(labelsJSON), &rec.Labels)
		_ = json.Unmarshal([]byte(notesJSON), &rec.Notes)
		_ = json.Unmarshal([]byte(linksJSON), &rec.Links)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)

		if q == "" || strings.Contains(strings.ToLower(rec.ContextID), q) || containsFold(rec.Labels, q) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

func containsFold(ss []string, q string) bool {
	for _, s := range ss {
		if strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

func dedupe(ss []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range ss {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// ThreadContextID builds the stable context_id for a chat thread.
func ThreadContextID(rootTS string) string {
	return "thread-" + rootTS
}

// PRContextID builds the stable context_id for a pull request.
func PRContextID(repoFullName string, number int) string {
	return fmt.Sprintf("pr-%s-%d", repoFullName, number)
}
