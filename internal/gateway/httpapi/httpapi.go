// Package httpapi mounts the gateway's HTTP surface on chi: a Server
// struct holding the dependencies, a Router() method building the
// chi.Mux, and small handler methods that decode JSON, call into a proxy
// package, and write JSON back.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jib/internal/gateway/chatproxy"
	"jib/internal/gateway/codeproxy"
	"jib/internal/gateway/gitproxy"
	"jib/internal/gateway/modelproxy"
	"jib/internal/gateway/worktreemgr"
	"jib/internal/gwerr"
	"jib/internal/policy"
	"jib/internal/wrapperproto"
)

// Server bundles every gateway dependency the HTTP surface dispatches to.
type Server struct {
	Model     *modelproxy.Proxy
	Chat      *chatproxy.Proxy
	Code      *codeproxy.Proxy
	Git       *gitproxy.Proxy
	Worktrees *worktreemgr.Manager
	Policy    *policy.Store

	PrivateMode bool
}

// Router builds the chi router exposing the gateway API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/v1/messages", s.Model.ServeHTTP)
	r.Post("/v1/messages/count_tokens", s.Model.ServeHTTP)

	r.Post("/chat/post", s.handleChatPost)
	r.Post("/chat/reply", s.handleChatPost)
	r.Post("/chat/react", s.handleChatReact)
	r.Get("/chat/thread", s.handleChatThread)
	r.Get("/chat/users/{id}", s.handleChatUser)

	r.Post("/code/pr", s.handleCodeCreate)
	r.Post("/code/pr/{n}/comment", s.handleCodeComment)
	r.Post("/code/pr/{n}/review", s.handleCodeReview)
	r.Get("/code/pr/{n}", s.handleCodeGet)
	r.Get("/code/checks/{ref}", s.handleCodeChecks)
	r.Get("/code/tree/{ref}/*", s.handleCodeTree)

	r.Post("/git/push", s.handleGitNetwork("push"))
	r.Post("/git/fetch", s.handleGitNetwork("fetch"))
	r.Post("/git/pull", s.handleGitNetwork("pull"))
	r.Post("/git/ls-remote", s.handleGitNetwork("ls-remote"))
	r.Post("/git/local", s.handleGitLocal)

	// the repo segment is a full_name and carries a slash, so it is a
	// wildcard rather than a single path parameter
	r.Post("/worktree", s.handleWorktreeCreate)
	r.Delete("/worktree/{container_id}/*", s.handleWorktreeDestroy)
	r.Get("/worktrees", s.handleWorktreeList)

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr renders a gwerr.Error as {error, message, request_id}.
func writeErr(w http.ResponseWriter, err error) {
	if ge, ok := gwerr.As(err); ok {
		writeJSON(w, ge.Status(), map[string]string{"error": string(ge.Kind), "message": ge.Message, "request_id": ge.RequestID})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": string(gwerr.Internal), "message": err.Error()})
}

func (s *Server) handleChatPost(w http.ResponseWriter, r *http.Request) {
	var body chatproxy.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, gwerr.New(gwerr.NotAllowed, "malformed body: %v", err))
		return
	}
	ts, err := s.Chat.Send(r.Context(), body)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ts": ts})
}

func (s *Server) handleChatReact(w http.ResponseWriter, r *http.Request) {
	var body struct{ ContainerID, Channel, TS, Emoji string }
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, gwerr.New(gwerr.NotAllowed, "malformed body: %v", err))
		return
	}
	if err := s.Chat.AddReaction(r.Context(), body.ContainerID, body.Channel, body.TS, body.Emoji); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleChatThread(w http.ResponseWriter, r *http.Request) {
	containerID := r.URL.Query().Get("container_id")
	channel := r.URL.Query().Get("channel")
	ts := r.URL.Query().Get("ts")
	msgs, err := s.Chat.Thread(r.Context(), containerID, channel, ts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleChatUser(w http.ResponseWriter, r *http.Request) {
	containerID := r.URL.Query().Get("container_id")
	id := chi.URLParam(r, "id")
	user, err := s.Chat.UserProfile(r.Context(), containerID, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type codeCreateBody struct {
	ContainerID string
	Repo        string
	Title       string
	Body        string
	Labels      []string
}

func (s *Server) handleCodeCreate(w http.ResponseWriter, r *http.Request) {
	var body codeCreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, gwerr.New(gwerr.NotAllowed, "malformed body: %v", err))
		return
	}
	iss, err := s.Code.CreateIssue(r.Context(), body.Repo, body.Title, body.Body, body.Labels)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iss)
}

func (s *Server) handleCodeComment(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		writeErr(w, gwerr.New(gwerr.NotAllowed, "bad PR number"))
		return
	}
	var body struct {
		Repo string
		Body string
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, gwerr.New(gwerr.NotAllowed, "malformed body: %v", err))
		return
	}
	if err := s.Code.Comment(r.Context(), body.Repo, n, body.Body); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCodeReview(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		writeErr(w, gwerr.New(gwerr.NotAllowed, "bad PR number"))
		return
	}
	var body struct {
		Repo  string
		Event string
		Body  string
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, gwerr.New(gwerr.NotAllowed, "malformed body: %v", err))
		return
	}
	if body.Event == "MERGE" {
		writeErr(w, gwerr.New(gwerr.ProtectedBranch, "pull-request merge calls are rejected; humans must merge"))
		return
	}
	if err := s.Code.Review(r.Context(), body.Repo, n, codeproxy.ReviewEvent(body.Event), body.Body); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCodeGet(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		writeErr(w, gwerr.New(gwerr.NotAllowed, "bad PR number"))
		return
	}
	repo := r.URL.Query().Get("repo")
	iss, err := s.Code.GetIssue(r.Context(), repo, n)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iss)
}

func (s *Server) handleCodeChecks(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	repo := r.URL.Query().Get("repo")
	checks, err := s.Code.Checks(r.Context(), repo, ref)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checks)
}

func (s *Server) handleCodeTree(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	path := chi.URLParam(r, "*")
	repo := r.URL.Query().Get("repo")
	entries, err := s.Code.Tree(r.Context(), repo, ref, path)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// resolveWorktreeDir maps (container, repo) to the host-side working
// directory recorded in the worktree index. The caller's own idea of its
// working directory is a container path and is never trusted or used.
func (s *Server) resolveWorktreeDir(containerID, repo string) (string, error) {
	rec, ok := s.Worktrees.Get(containerID, repo)
	if !ok {
		return "", gwerr.New(gwerr.NotAllowed, "no worktree for container %q on %q", containerID, repo)
	}
	return rec.WorkingDirPath, nil
}

// callerContainerID prefers the identity header over anything in the
// request body.
func callerContainerID(r *http.Request, bodyID string) string {
	if id := r.Header.Get(wrapperproto.ContainerIDHeader); id != "" {
		return id
	}
	return bodyID
}

func (s *Server) handleGitNetwork(sub string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body gitproxy.NetworkRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, gwerr.New(gwerr.NotAllowed, "malformed body: %v", err))
			return
		}
		body.Subcommand = sub
		body.ContainerID = callerContainerID(r, body.ContainerID)
		dir, err := s.resolveWorktreeDir(body.ContainerID, body.Repo)
		if err != nil {
			writeErr(w, err)
			return
		}
		body.WorkingDir = dir
		res, err := s.Git.Network(r.Context(), body)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleGitLocal(w http.ResponseWriter, r *http.Request) {
	var body gitproxy.LocalExecRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, gwerr.New(gwerr.NotAllowed, "malformed body: %v", err))
		return
	}
	body.ContainerID = callerContainerID(r, body.ContainerID)
	dir, err := s.resolveWorktreeDir(body.ContainerID, body.Repo)
	if err != nil {
		writeErr(w, err)
		return
	}
	body.WorkingDir = dir
	res, err := s.Git.LocalExec(r.Context(), body)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type worktreeCreateBody struct {
	ContainerID string `json:"container_id"`
	Repo        string `json:"repo"`
	Slug        string `json:"slug"`
}

func (s *Server) handleWorktreeCreate(w http.ResponseWriter, r *http.Request) {
	var body worktreeCreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, gwerr.New(gwerr.NotAllowed, "malformed body: %v", err))
		return
	}
	rec, err := s.Worktrees.Create(r.Context(), body.ContainerID, body.Repo, body.Slug)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleWorktreeDestroy(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "container_id")
	repo := chi.URLParam(r, "*")
	warning, err := s.Worktrees.Destroy(r.Context(), containerID, repo)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"warning": warning})
}

func (s *Server) handleWorktreeList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Worktrees.List())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"private_mode":   s.PrivateMode,
		"policy_summary": s.Policy.Summary(),
	})
}
