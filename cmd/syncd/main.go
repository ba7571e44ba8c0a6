// Command syncd runs the external sync adapter daemon: an hourly
// bulk-pull of allow-listed Confluence spaces and Jira projects, and an
// on-demand poller for open pull requests that feeds deduplicated events
// to the event dispatcher.
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"jib/internal/config"
	"jib/internal/container"
	"jib/internal/corr"
	"jib/internal/dispatcher"
	"jib/internal/policy"
	"jib/internal/secrets"
	"jib/internal/sync/docs"
	"jib/internal/sync/ondemand"
	"jib/internal/task"
)

func main() {
	logger := log.New(os.Stdout, "syncd ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := config.EnsureSharingLayout(cfg.SharingDir); err != nil {
		logger.Fatalf("ensure sharing layout: %v", err)
	}

	filters, err := config.LoadContextFilters(cfg.ContextFiltersPath)
	if err != nil {
		logger.Fatalf("load context filters: %v", err)
	}

	secretWatcher, err := secrets.NewWatcher(cfg.SecretsPath)
	if err != nil {
		logger.Fatalf("load secrets: %v", err)
	}
	bundle := secretWatcher.Current()

	docsSource := &docs.ConfluenceSource{
		BaseURL:  bundle.Get(secrets.KeyDocsBaseURL),
		User:     bundle.Get(secrets.KeyDocsUser),
		APIToken: bundle.Get(secrets.KeyDocsAPIToken),
	}
	puller := docs.New(docsSource, cfg.SharingDir+"/tracking", logger, 4)

	policyStore, err := policy.Load(cfg.RepositoriesPath)
	if err != nil {
		logger.Fatalf("load repository policy: %v", err)
	}

	ghClient := github.NewClient(nil).WithAuthToken(bundle.Get(secrets.KeyCodeHostToken))
	poller := ondemand.New(ghClient, pollRepos(policyStore), logger)

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
	d := dispatcher.New(exec, nil, tasks, logger)

	ctx, cancel := context.WithCancel(context.Background())

	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() {
		n, err := puller.PullAll(ctx, filters)
		if err != nil {
			logger.Printf("doc sync: %v (%d documents written)", err, n)
			return
		}
		logger.Printf("doc sync: wrote %d documents", n)
	}); err != nil {
		logger.Fatalf("schedule doc sync: %v", err)
	}
	c.Start()
	defer c.Stop()

	go func() {
		ticker := time.NewTicker(pollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := poller.PollOnce(ctx, func(eventID, repoFull string, number int, updatedAt time.Time) {
					// several updates to the same PR within the
					// debounce window collapse into one analyzer run
					// that receives all of them
					key := fmt.Sprintf("%s#%d", repoFull, number)
					update := fmt.Sprintf("%s updated at %s", eventID, updatedAt.Format(time.RFC3339))
					d.DebounceReviewComment(ctx, key, cfg.PRDebounceWindow, update, func(updates []string) dispatcher.Trigger {
						return dispatcher.Trigger{
							Origin:       corr.OriginPREvent,
							UserFacing:   true,
							AnalyzerPath: "analyzers/pr-event",
							Args:         append([]string{repoFull, strconv.Itoa(number)}, updates...),
							ContextID:    task.PRContextID(repoFull, number),
						}
					})
				}); err != nil {
					logger.Printf("pr poll: %v", err)
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/api/v1/health", healthHandler)
	addr := envOr("JIB_SYNCD_ADDR", "127.0.0.1:7174")
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

// containerExecutor adapts internal/container.Manager to dispatcher.Executor,
// duplicated from cmd/dispatcherd since syncd dispatches its own PR-event
// triggers directly rather than forwarding them through dispatcherd.
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

// pollRepos reads the writable+readable repository list straight out of
// config/repositories.yaml via the policy store summary, falling back to an
// env override for hosts that want a narrower polling set.
func pollRepos(store *policy.Store) []string {
	if v := os.Getenv("JIB_POLL_REPOS"); v != "" {
		return strings.Split(v, ",")
	}
	return store.Summary().Repos
}

func pollInterval() time.Duration {
	if v := os.Getenv("JIB_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 5 * time.Minute
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
