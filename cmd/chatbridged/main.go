// Command chatbridged runs the bi-directional chat bridge daemon: an
// inbound Socket Mode listener that drops classified task events into
// sharing/incoming/ (and thread replies into sharing/responses/), and an
// outbound drop-zone watcher that coalesces sharing/notifications/
// intents into threaded chat replies.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"jib/internal/chatbridge/inbound"
	"jib/internal/chatbridge/outbound"
	"jib/internal/config"
	"jib/internal/gateway/chatproxy"
	"jib/internal/reqlog"
	"jib/internal/secrets"
	"jib/internal/task"
)

func main() {
	logger := log.New(os.Stdout, "chatbridged ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := config.EnsureSharingLayout(cfg.SharingDir); err != nil {
		logger.Fatalf("ensure sharing layout: %v", err)
	}

	secretWatcher, err := secrets.NewWatcher(cfg.SecretsPath)
	if err != nil {
		logger.Fatalf("load secrets: %v", err)
	}
	bundle := secretWatcher.Current()

	api := slack.New(bundle.Get(secrets.KeyChatBotToken), slack.OptionAppLevelToken(bundle.Get(secrets.KeyChatSocketToken)))
	smClient := socketmode.New(api)

	reqLog, err := reqlog.Open(filepath.Join(cfg.SharingDir, "tracking", "chatbridge-requests.jsonl"))
	if err != nil {
		logger.Fatalf("open request log: %v", err)
	}
	chatProxy := chatproxy.New(api, cfg.ChatPacingInterval, reqLog, logger)

	tasks, err := task.Open(filepath.Join(cfg.SharingDir, "tracking", "tasks.db"))
	if err != nil {
		logger.Fatalf("open task registry: %v", err)
	}

	threadsPath := filepath.Join(cfg.SharingDir, "tracking", "chat-threads.json")
	threadStore, err := outbound.OpenThreadStore(threadsPath)
	if err != nil {
		logger.Fatalf("open thread store: %v", err)
	}

	listener := inbound.New(inbound.Config{
		Client:       smClient,
		Poster:       api,
		SelfUserID:   envOr("JIB_CHAT_SELF_USER_ID", ""),
		Allowlist:    splitCSV(os.Getenv("JIB_CHAT_ALLOWLIST")),
		IsBotRoot:    isBotRoot(threadsPath),
		IntakeDir:    filepath.Join(cfg.SharingDir, "incoming"),
		ResponsesDir: filepath.Join(cfg.SharingDir, "responses"),
		Tasks:        tasks,
		Logger:       logger,
	})

	watcher, err := outbound.New(filepath.Join(cfg.SharingDir, "notifications"), cfg.ChatBatchWindow, chatProxy, threadStore, tasks, logger)
	if err != nil {
		logger.Fatalf("open outbound watcher: %v", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go listener.Run(ctx)
	go watcher.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/api/v1/health", healthHandler)
	addr := envOr("JIB_CHATBRIDGE_ADDR", "127.0.0.1:7172")
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

// isBotRoot checks the persisted thread-key index for a root ts equal to
// ts, so a reply in a thread the bridge itself started classifies as a
// bot_dm_reply. The index records no channel, so channel is not compared.
func isBotRoot(threadsPath string) inbound.BotRootLookup {
	return func(channel, ts string) bool {
		b, err := os.ReadFile(threadsPath)
		if err != nil {
			return false
		}
		var data map[string]string
		if err := json.Unmarshal(b, &data); err != nil {
			return false
		}
		for _, rootTS := range data {
			if rootTS == ts {
				return true
			}
		}
		return false
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
