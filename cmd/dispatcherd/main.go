// Command dispatcherd runs the event dispatcher daemon: it wires the
// container lifecycle manager as the dispatcher's Executor, a
// sharing/notifications/ writer as its Notifier, and schedules the hourly
// documentation-sync trigger.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"jib/internal/chatbridge/outbound"
	"jib/internal/config"
	"jib/internal/container"
	"jib/internal/corr"
	"jib/internal/dispatcher"
	"jib/internal/task"
)

func main() {
	logger := log.New(os.Stdout, "dispatcherd ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := config.EnsureSharingLayout(cfg.SharingDir); err != nil {
		logger.Fatalf("ensure sharing layout: %v", err)
	}

	mgr, err := container.NewManager()
	if err != nil {
		logger.Fatalf("open container manager: %v", err)
	}
	defer mgr.Close()

	corrStore, err := corr.Open(filepath.Join(cfg.SharingDir, "container-logs"))
	if err != nil {
		logger.Fatalf("open run correlation store: %v", err)
	}

	tasks, err := task.Open(filepath.Join(cfg.SharingDir, "tracking", "tasks.db"))
	if err != nil {
		logger.Fatalf("open task registry: %v", err)
	}

	exec := &containerExecutor{mgr: mgr, corr: corrStore, maxWall: cfg.AnalyzerMaxWallTime}
	notify := &dropZoneNotifier{dir: filepath.Join(cfg.SharingDir, "notifications")}

	d := dispatcher.New(exec, notify, tasks, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cronRunner, err := d.RunHourlyDocSync(ctx)
	if err != nil {
		logger.Fatalf("schedule hourly doc sync: %v", err)
	}
	defer cronRunner.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/api/v1/health", healthHandler)
	addr := envOr("JIB_DISPATCHER_ADDR", "127.0.0.1:7173")
	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Printf("health endpoint listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("health server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Println("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// containerExecutor adapts internal/container.Manager to dispatcher.Executor.
// Each analyzer run is bounded by the configured maximum wall time.
type containerExecutor struct {
	mgr     *container.Manager
	corr    *corr.Store
	maxWall time.Duration
}

func (e *containerExecutor) Exec(ctx context.Context, t dispatcher.Trigger) error {
	if e.maxWall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.maxWall)
		defer cancel()
	}
	argv := append([]string{t.AnalyzerPath}, t.Args...)
	_, err := e.mgr.Exec(ctx, e.corr, container.ExecRequest{
		ContainerID: t.ContainerID,
		Argv:        argv,
		RunID:       uuid.NewString(),
		Origin:      t.Origin,
		ContextID:   t.ContextID,
	})
	if err != nil {
		return dispatcher.ClassifyExecError(err)
	}
	return nil
}

// dropZoneNotifier writes a notification intent to sharing/notifications/
// for the outbound chat bridge watcher to pick up.
type dropZoneNotifier struct {
	dir string
}

func (n *dropZoneNotifier) NotifyFailure(ctx context.Context, contextID, message string) error {
	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		return err
	}
	intent := outbound.Intent{
		ThreadKey: contextID,
		ContextID: contextID,
		Summary:   "run failed",
		Detail:    message,
		At:        time.Now(),
	}
	b, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	path := filepath.Join(n.dir, fmt.Sprintf("failure-%s.json", uuid.NewString()))
	return os.WriteFile(path, b, 0o644)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
