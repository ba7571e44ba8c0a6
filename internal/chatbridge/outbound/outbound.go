// Package outbound implements the chat bridge's outbound path: a
// drop-zone watcher that coalesces notification intents arriving within a
// batch window per thread_key and emits them through the gateway's chat
// proxy as a summary + detail message pair.
package outbound

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"jib/internal/gateway/chatproxy"
	"jib/internal/task"
)

// Intent is one notification intent dropped by the agent into
// sharing/notifications/.
type Intent struct {
	ThreadKey string    `json:"thread_key"`
	ContextID string    `json:"context_id"`
	Channel   string    `json:"channel"`
	Summary   string    `json:"summary"`
	Detail    string    `json:"detail"`
	At        time.Time `json:"at"`
}

// ThreadStore persists thread_key -> root ts so later updates find the
// existing thread instead of creating a new one.
type ThreadStore struct {
	mu   sync.Mutex
	path string
	data map[string]string // thread_key -> root ts
}

// OpenThreadStore loads (or initializes) the thread-key index at path.
func OpenThreadStore(path string) (*ThreadStore, error) {
	ts := &ThreadStore{path: path, data: map[string]string{}}
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &ts.data)
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return ts, nil
}

func (ts *ThreadStore) Get(threadKey string) (rootTS string, ok bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	rootTS, ok = ts.data[threadKey]
	return
}

func (ts *ThreadStore) Put(threadKey, rootTS string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.data[threadKey] = rootTS
	b, err := json.MarshalIndent(ts.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := ts.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, ts.path)
}

// Watcher drains sharing/notifications/, coalesces by thread_key over a
// batch window, and posts through the chat proxy.
type Watcher struct {
	dir         string
	batchWindow time.Duration
	chat        *chatproxy.Proxy
	threads     *ThreadStore
	tasks       *task.Registry
	logger      *log.Logger

	fsw *fsnotify.Watcher
}

// New builds an outbound drop-zone watcher.
func New(dir string, batchWindow time.Duration, chat *chatproxy.Proxy, threads *ThreadStore, tasks *task.Registry, logger *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{dir: dir, batchWindow: batchWindow, chat: chat, threads: threads, tasks: tasks, logger: logger, fsw: fsw}, nil
}

func (w *Watcher) Close() error { return w.fsw.Close() }

// Run drains the drop zone on a timer tied to batchWindow, coalescing
// pending intents by thread_key on each tick.
func (w *Watcher) Run() {
	ticker := time.NewTicker(w.batchWindow)
	defer ticker.Stop()
	for {
		select {
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// coalescing happens on the ticker, not per-event
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) flush() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	byThread := map[string][]Intent{}
	seen := map[string]bool{}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var in Intent
		if err := json.Unmarshal(b, &in); err != nil {
			continue
		}
		paths = append(paths, path)
		// the same intent dropped twice within one window emits once
		key := in.ThreadKey + "\x00" + in.Summary + "\x00" + in.Detail
		if seen[key] {
			continue
		}
		seen[key] = true
		byThread[in.ThreadKey] = append(byThread[in.ThreadKey], in)
	}

	for threadKey, intents := range byThread {
		sort.Slice(intents, func(i, j int) bool { return intents[i].At.Before(intents[j].At) })
		w.emit(threadKey, intents)
	}
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// emit posts the coalesced batch: a brief summary then a detail body for
// a new thread, or thread replies for an existing one.
func (w *Watcher) emit(threadKey string, intents []Intent) {
	if len(intents) == 0 {
		return
	}
	first := intents[0]
	rootTS, existing := w.threads.Get(threadKey)

	containerID := "jib-notifier-" + uuid.NewString()[:8]
	ctx := context.Background()
	if !existing {
		summaryTS, err := w.chat.Send(ctx, chatproxy.SendRequest{ContainerID: containerID, Channel: first.Channel, Text: first.Summary})
		if err != nil {
			w.logPermanentFailure(threadKey, err)
			return
		}
		if _, err := w.chat.Send(ctx, chatproxy.SendRequest{ContainerID: containerID, Channel: first.Channel, ThreadTS: summaryTS, Text: first.Detail}); err != nil {
			w.logPermanentFailure(threadKey, err)
		}
		_ = w.threads.Put(threadKey, summaryTS)
		rootTS = summaryTS
		intents = intents[1:]
	}

	for _, in := range intents {
		if _, err := w.chat.Send(ctx, chatproxy.SendRequest{ContainerID: containerID, Channel: in.Channel, ThreadTS: rootTS, Text: in.Detail}); err != nil {
			w.logPermanentFailure(threadKey, err)
		}
	}
}

// logPermanentFailure records a send failure in the task record and in
// the bridge's own log.
func (w *Watcher) logPermanentFailure(threadKey string, err error) {
	if w.logger != nil {
		w.logger.Printf("outbound: permanent send failure for thread %s: %v", threadKey, err)
	}
	if w.tasks == nil {
		return
	}
	ctx := context.Background()
	ctxID := task.ThreadContextID(threadKey)
	if _, ferr := w.tasks.EnsureOpen(ctx, ctxID, "chat notification", nil); ferr != nil {
		return
	}
	_, _ = w.tasks.Update(ctx, ctxID, "", "chat send failed permanently: "+err.Error(), nil)
}
