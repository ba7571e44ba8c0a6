// Package inbound implements the chat bridge's inbound path: a Socket
// Mode event subscriber that classifies incoming messages into exactly
// three trusted shapes (self-DM task, reply in a bot-rooted thread,
// direct message to the bot) and writes each accepted one to the local
// drop zones. Anything else is ignored.
package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"jib/internal/task"
)

// EventKind is one of the three trusted inbound shapes. Bot-DM direct
// messages and user self-DMs are deliberately distinct kinds; the
// distinction is kept all the way into the task record.
type EventKind string

const (
	EventSelfDMTask   EventKind = "self_dm_task"
	EventBotDMReply   EventKind = "bot_dm_reply"
	EventBotDMDirect  EventKind = "bot_dm_direct" // new task keyed by the DM's own ts
	DefaultTaskPrefix           = "claude:"
)

// Event is the classified inbound chat event.
type Event struct {
	Kind     EventKind `json:"event_kind"`
	User     string    `json:"user"`
	Channel  string    `json:"channel"`
	ThreadTS string    `json:"thread_ts,omitempty"`
	Text     string    `json:"text"`
	TS       string    `json:"ts"`
}

// BotRootLookup reports whether ts is the root of a thread the bot itself
// posted, so a reply in that thread classifies as bot_dm_reply.
type BotRootLookup func(channel, ts string) bool

// Poster is the subset of *slack.Client the listener needs to send
// acknowledgements, so tests can supply a fake.
type Poster interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// Listener subscribes to the chat platform's Socket Mode event stream and
// classifies/dispatches accepted events.
type Listener struct {
	client       *socketmode.Client
	poster       Poster
	selfUserID   string
	allowlist    map[string]bool // optional sender whitelist; nil/empty means allow all
	prefix       string
	isBotRoot    BotRootLookup
	intakeDir    string
	responsesDir string
	tasks        *task.Registry
	logger       *log.Logger
}

// Config configures a Listener.
type Config struct {
	Client       *socketmode.Client
	Poster       Poster // the Web API client acks are sent through
	SelfUserID   string
	Allowlist    []string
	TaskPrefix   string
	IsBotRoot    BotRootLookup
	IntakeDir    string
	ResponsesDir string
	Tasks        *task.Registry
	Logger       *log.Logger
}

// New builds an inbound listener.
func New(cfg Config) *Listener {
	prefix := cfg.TaskPrefix
	if prefix == "" {
		prefix = DefaultTaskPrefix
	}
	var allow map[string]bool
	if len(cfg.Allowlist) > 0 {
		allow = make(map[string]bool, len(cfg.Allowlist))
		for _, u := range cfg.Allowlist {
			allow[u] = true
		}
	}
	return &Listener{
		client:       cfg.Client,
		poster:       cfg.Poster,
		selfUserID:   cfg.SelfUserID,
		allowlist:    allow,
		prefix:       strings.ToLower(prefix),
		isBotRoot:    cfg.IsBotRoot,
		intakeDir:    cfg.IntakeDir,
		responsesDir: cfg.ResponsesDir,
		tasks:        cfg.Tasks,
		logger:       cfg.Logger,
	}
}

// Run drains the Socket Mode event channel until it closes or ctx is
// cancelled.
func (l *Listener) Run(ctx context.Context) {
	go l.client.RunContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-l.client.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			inner, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			l.client.Ack(*evt.Request)
			l.handleEventsAPI(ctx, inner)
		}
	}
}

// handleEventsAPI classifies a raw Events API envelope into one of the
// three trusted shapes, ignoring anything that doesn't match.
func (l *Listener) handleEventsAPI(ctx context.Context, outer slackevents.EventsAPIEvent) {
	inner, ok := outer.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || inner == nil {
		return
	}
	if l.allowlist != nil && !l.allowlist[inner.User] {
		return
	}
	ev, ok := classify(inner, l.selfUserID, l.prefix, l.isBotRoot)
	if !ok {
		return
	}
	l.dispatch(ctx, ev)
}

// classify applies the three-shape trust rule from a raw message event.
// It is a pure function so the classification rules can be exercised
// without a live Socket Mode connection.
func classify(inner *slackevents.MessageEvent, selfUserID, prefixLower string, isBotRoot BotRootLookup) (Event, bool) {
	if inner.BotID != "" || inner.SubType != "" {
		return Event{}, false // ignore bot-authored and edited/deleted message subtypes
	}

	text := strings.TrimSpace(inner.Text)
	selfDM := inner.Channel == inner.User || (selfUserID != "" && inner.User == selfUserID)

	switch {
	case selfDM && strings.HasPrefix(strings.ToLower(text), prefixLower):
		return Event{
			Kind:    EventSelfDMTask,
			User:    inner.User,
			Channel: inner.Channel,
			Text:    strings.TrimSpace(text[len(prefixLower):]),
			TS:      inner.TimeStamp,
		}, true
	case inner.ThreadTimeStamp != "" && inner.ThreadTimeStamp != inner.TimeStamp && isBotRoot != nil && isBotRoot(inner.Channel, inner.ThreadTimeStamp):
		return Event{
			Kind:     EventBotDMReply,
			User:     inner.User,
			Channel:  inner.Channel,
			ThreadTS: inner.ThreadTimeStamp,
			Text:     text,
			TS:       inner.TimeStamp,
		}, true
	case !selfDM && (inner.ThreadTimeStamp == "" || inner.ThreadTimeStamp == inner.TimeStamp):
		return Event{
			Kind:    EventBotDMDirect,
			User:    inner.User,
			Channel: inner.Channel,
			Text:    text,
			TS:      inner.TimeStamp,
		}, true
	default:
		return Event{}, false
	}
}

// dispatch keys the event to its task record (creating or reopening as
// needed; a closed record never blocks appending) and writes the
// accepted event to the drop zone the dispatcher watches: new tasks to
// the intake directory, thread replies to the responses directory.
func (l *Listener) dispatch(ctx context.Context, ev Event) {
	rootTS := ev.TS
	if ev.Kind == EventBotDMReply {
		rootTS = ev.ThreadTS
	}
	contextID := task.ThreadContextID(rootTS)

	if l.tasks != nil {
		if _, err := l.tasks.EnsureOpen(ctx, contextID, titleFor(ev), []string{"chat", kindLabel(ev.Kind)}); err != nil {
			l.logf("inbound: ensure task %s: %v", contextID, err)
			return
		}
		if _, err := l.tasks.Update(ctx, contextID, task.StatusInProgress, ev.Text, nil); err != nil {
			l.logf("inbound: update task %s: %v", contextID, err)
		}
	}

	if ev.Kind == EventBotDMReply {
		if l.responsesDir != "" {
			if err := l.writeResponse(contextID, ev); err != nil {
				l.logf("inbound: write response for %s: %v", contextID, err)
			}
		}
	} else if l.intakeDir != "" {
		if err := l.writeIntake(contextID, ev); err != nil {
			l.logf("inbound: write intake for %s: %v", contextID, err)
		}
	}

	if ev.Kind == EventSelfDMTask {
		l.ack(ev)
	}
}

func kindLabel(k EventKind) string {
	switch k {
	case EventSelfDMTask:
		return "dm-self"
	case EventBotDMReply:
		return "dm-reply"
	default:
		return "dm"
	}
}

func titleFor(ev Event) string {
	t := ev.Text
	if len(t) > 80 {
		t = t[:80] + "…"
	}
	return t
}

// writeIntake persists a new task as sharing/incoming/task-<ts>.md, body
// being the trimmed text.
func (l *Listener) writeIntake(contextID string, ev Event) error {
	if err := os.MkdirAll(l.intakeDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(l.intakeDir, intakeName(ev.TS))
	meta, _ := json.Marshal(ev)
	body := fmt.Sprintf("<!-- context_id=%s event=%s -->\n\n%s\n", contextID, string(meta), ev.Text)
	return os.WriteFile(path, []byte(body), 0o644)
}

// writeResponse persists a thread reply as
// sharing/responses/RESPONSE-<thread_ts>.md so the running task picks the
// human's answer up by its thread timestamp.
func (l *Listener) writeResponse(contextID string, ev Event) error {
	if err := os.MkdirAll(l.responsesDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(l.responsesDir, fmt.Sprintf("RESPONSE-%s.md", ev.ThreadTS))
	meta, _ := json.Marshal(ev)
	body := fmt.Sprintf("<!-- context_id=%s event=%s -->\n\n%s\n", contextID, string(meta), ev.Text)
	return os.WriteFile(path, []byte(body), 0o644)
}

func intakeName(ts string) string {
	return fmt.Sprintf("task-%s.md", strings.ReplaceAll(ts, ".", "-"))
}

// ack confirms a self-DM task back into the same self-DM, naming the
// intake file the task landed in.
func (l *Listener) ack(ev Event) {
	if l.poster == nil {
		return
	}
	text := fmt.Sprintf("✅ Task received and queued for Claude\n📁 Saved to: %s", intakeName(ev.TS))
	_, _, err := l.poster.PostMessage(ev.Channel, slack.MsgOptionText(text, false))
	if err != nil {
		l.logf("inbound: ack failed for %s: %v", ev.Channel, err)
	}
}

func (l *Listener) logf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}
