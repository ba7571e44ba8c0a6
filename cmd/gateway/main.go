// Command gateway runs the gateway sidecar daemon: the single process
// holding every credential, mounting the model/chat/code-hosting/git
// proxies on one chi router, and exposing the health/introspection
// endpoint.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/slack-go/slack"

	"jib/internal/config"
	"jib/internal/container"
	"jib/internal/gateway/chatproxy"
	"jib/internal/gateway/codeproxy"
	"jib/internal/gateway/credentials"
	"jib/internal/gateway/gitproxy"
	"jib/internal/gateway/httpapi"
	"jib/internal/gateway/modelproxy"
	"jib/internal/gateway/visibility"
	"jib/internal/gateway/worktreemgr"
	"jib/internal/policy"
	"jib/internal/reqlog"
	"jib/internal/secrets"
	"jib/internal/worktree"
)

func main() {
	logger := log.New(os.Stdout, "gateway ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if err := config.EnsureSharingLayout(cfg.SharingDir); err != nil {
		logger.Fatalf("sharing layout: %v", err)
	}

	policyStore, err := policy.Load(cfg.RepositoriesPath)
	if err != nil {
		logger.Fatalf("repository policy: %v", err)
	}

	// No credentials, no gateway.
	secretWatcher, err := secrets.NewWatcher(cfg.SecretsPath)
	if err != nil {
		logger.Fatalf("secret bundle: %v", err)
	}
	defer secretWatcher.Close()

	app, err := loadApp(secretWatcher.Current())
	if err != nil {
		logger.Fatalf("github app credentials: %v", err)
	}

	credSelector := credentials.NewSelector(app, secretWatcher.Current, policyStore)
	visCache := visibility.New(5*time.Minute, 30*time.Second)
	codeProxy := codeproxy.New(credSelector, policyStore, visCache, privateMode())
	gitProxy := gitproxy.New(credSelector)

	reqLog, err := reqlog.Open(filepath.Join(cfg.SharingDir, "tracking", "gateway-requests.jsonl"))
	if err != nil {
		logger.Fatalf("request log: %v", err)
	}
	defer reqLog.Close()

	modelProxy := modelproxy.New(modelUpstreamBase(), http.DefaultClient, secretWatcher.Current, privateMode(), reqLog, logger)

	slackClient := slack.New(secretWatcher.Current().Get(secrets.KeyChatBotToken))
	chatProxy := chatproxy.New(slackClient, cfg.ChatPacingInterval, reqLog, logger)

	worktreeIndex, err := worktree.Open(filepath.Join(cfg.SharingDir, "tracking", "worktrees.json"))
	if err != nil {
		logger.Fatalf("worktree index: %v", err)
	}
	worktrees := worktreemgr.New(worktreeIndex, filepath.Join(cfg.SharingDir, "tracking", "worktrees"), credSelector)

	// Crash recovery: any worktree left behind by a container that is no
	// longer running is removed before the gateway starts serving, with a
	// logged warning for any that carried uncommitted changes.
	if containerMgr, cerr := container.NewManager(); cerr == nil {
		removed, warnings, serr := worktrees.Sweep(context.Background(), containerMgr)
		if serr != nil {
			logger.Printf("worktree crash-recovery sweep failed: %v", serr)
		} else {
			for _, w := range warnings {
				logger.Printf("crash recovery: %s", w)
			}
			if len(removed) > 0 {
				logger.Printf("crash recovery: removed %d orphaned worktree(s)", len(removed))
			}
		}
		_ = containerMgr.Close()
	} else {
		logger.Printf("worktree crash-recovery sweep skipped: docker client unavailable: %v", cerr)
	}

	srv := &httpapi.Server{
		Model:       modelProxy,
		Chat:        chatProxy,
		Code:        codeProxy,
		Git:         gitProxy,
		Worktrees:   worktrees,
		Policy:      policyStore,
		PrivateMode: privateMode(),
	}

	addr := envOr("JIB_GATEWAY_ADDR", "127.0.0.1:7171")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s (private_mode=%t)", addr, privateMode())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Printf("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
}

// loadApp resolves the GitHub App identity from the secret bundle: app
// id, installation id, and the private key file the bundle points at.
func loadApp(bundle *secrets.Bundle) (*credentials.App, error) {
	appID, err := strconv.ParseInt(strings.TrimSpace(bundle.Get(secrets.KeyCodeHostAppID)), 10, 64)
	if err != nil {
		return nil, err
	}
	installationID, err := strconv.ParseInt(strings.TrimSpace(bundle.Get(secrets.KeyCodeHostInstallationID)), 10, 64)
	if err != nil {
		return nil, err
	}
	keyPath := strings.TrimSpace(bundle.Get(secrets.KeyCodeHostPrivateKeyPath))
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return &credentials.App{AppID: appID, InstallationID: installationID, PrivateKeyPEM: pem}, nil
}

func privateMode() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("JIB_PRIVATE_MODE")))
	return v == "1" || v == "true" || v == "yes"
}

func modelUpstreamBase() string {
	return envOr("JIB_MODEL_UPSTREAM_BASE", "https://api.anthropic.com")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
