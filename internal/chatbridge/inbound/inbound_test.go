package inbound

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"jib/internal/task"
)

func msg(user, channel, text, ts, threadTS string) *slackevents.MessageEvent {
	return &slackevents.MessageEvent{User: user, Channel: channel, Text: text, TimeStamp: ts, ThreadTimeStamp: threadTS}
}

func TestClassifySelfDMTaskStripsPrefixCaseInsensitive(t *testing.T) {
	ev, ok := classify(msg("U1", "U1", "Claude: fix the flaky test", "100.1", ""), "U1", "claude:", nil)
	if !ok {
		t.Fatalf("expected event to classify")
	}
	if ev.Kind != EventSelfDMTask {
		t.Fatalf("expected self_dm_task, got %s", ev.Kind)
	}
	if ev.Text != "fix the flaky test" {
		t.Fatalf("expected prefix stripped, got %q", ev.Text)
	}
}

func TestClassifySelfDMWithoutPrefixIsIgnored(t *testing.T) {
	// Self-DM (channel == user) without the task prefix doesn't match any
	// shape: it isn't a self-DM task, and "!selfDM" doesn't apply either.
	_, ok := classify(msg("U1", "U1", "just chatting", "100.1", ""), "U1", "claude:", nil)
	if ok {
		t.Fatalf("expected unmatched self-DM without prefix to be ignored")
	}
}

func TestClassifyBotDMReplyUsesRootTS(t *testing.T) {
	isBotRoot := func(channel, ts string) bool { return ts == "200.0" }
	ev, ok := classify(msg("U2", "D1", "here's an update", "200.5", "200.0"), "U1", "claude:", isBotRoot)
	if !ok {
		t.Fatalf("expected event to classify")
	}
	if ev.Kind != EventBotDMReply {
		t.Fatalf("expected bot_dm_reply, got %s", ev.Kind)
	}
	if ev.ThreadTS != "200.0" {
		t.Fatalf("expected thread ts 200.0, got %s", ev.ThreadTS)
	}
}

func TestClassifyThreadReplyNotOnBotRootIsIgnored(t *testing.T) {
	isBotRoot := func(channel, ts string) bool { return false }
	_, ok := classify(msg("U2", "D1", "reply", "200.5", "200.0"), "U1", "claude:", isBotRoot)
	if ok {
		t.Fatalf("expected reply on a non-bot-root thread to be ignored")
	}
}

func TestClassifyBotDMDirectMessage(t *testing.T) {
	ev, ok := classify(msg("U2", "D1", "hey can you look at this", "300.1", ""), "U1", "claude:", nil)
	if !ok {
		t.Fatalf("expected event to classify")
	}
	if ev.Kind != EventBotDMDirect {
		t.Fatalf("expected bot-DM direct classification, got %s", ev.Kind)
	}
}

func TestClassifyIgnoresBotAuthoredMessages(t *testing.T) {
	m := msg("U2", "D1", "claude: anything", "300.1", "")
	m.BotID = "B1"
	if _, ok := classify(m, "U1", "claude:", nil); ok {
		t.Fatalf("expected bot-authored message to be ignored")
	}
}

func TestClassifyIgnoresMessageSubtypes(t *testing.T) {
	m := msg("U2", "D1", "claude: anything", "300.1", "")
	m.SubType = "message_changed"
	if _, ok := classify(m, "U1", "claude:", nil); ok {
		t.Fatalf("expected edited-message subtype to be ignored")
	}
}

type fakePoster struct {
	calls       int
	lastChannel string
}

func (f *fakePoster) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	f.calls++
	f.lastChannel = channelID
	return channelID, "999.1", nil
}

func TestDispatchCreatesTaskAndAcksSelfDM(t *testing.T) {
	tasks, err := task.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open tasks: %v", err)
	}
	defer tasks.Close()

	intake := t.TempDir()
	poster := &fakePoster{}
	l := New(Config{Poster: poster, IntakeDir: intake, Tasks: tasks, TaskPrefix: "claude:"})

	ev := Event{Kind: EventSelfDMTask, User: "U1", Channel: "U1", Text: "fix the build", TS: "100.1"}
	l.dispatch(context.Background(), ev)

	contextID := task.ThreadContextID("100.1")
	rec, ok, err := tasks.Get(context.Background(), contextID)
	if err != nil || !ok {
		t.Fatalf("expected task record to exist, ok=%v err=%v", ok, err)
	}
	if rec.Status != task.StatusInProgress {
		t.Fatalf("expected status in_progress, got %s", rec.Status)
	}
	if len(rec.Notes) != 1 || rec.Notes[0].Text != "fix the build" {
		t.Fatalf("expected note with task text, got %+v", rec.Notes)
	}

	entries, err := os.ReadDir(intake)
	if err != nil {
		t.Fatalf("read intake dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one intake file, got %d", len(entries))
	}

	if poster.calls != 1 || poster.lastChannel != "U1" {
		t.Fatalf("expected one ack to U1, got calls=%d channel=%s", poster.calls, poster.lastChannel)
	}
}

func TestDispatchWritesThreadReplyToResponsesDir(t *testing.T) {
	tasks, err := task.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open tasks: %v", err)
	}
	defer tasks.Close()

	intake := t.TempDir()
	responses := t.TempDir()
	l := New(Config{IntakeDir: intake, ResponsesDir: responses, Tasks: tasks})

	l.dispatch(context.Background(), Event{Kind: EventBotDMReply, Channel: "D1", ThreadTS: "1700000000.000100", Text: "Proceed; use session caching.", TS: "1700000000.000200"})

	if entries, _ := os.ReadDir(intake); len(entries) != 0 {
		t.Fatalf("expected no intake file for a thread reply, got %d", len(entries))
	}
	b, err := os.ReadFile(filepath.Join(responses, "RESPONSE-1700000000.000100.md"))
	if err != nil {
		t.Fatalf("expected response file keyed by thread ts: %v", err)
	}
	if !strings.Contains(string(b), "Proceed; use session caching.") {
		t.Fatalf("expected reply body in response file, got %q", string(b))
	}
}

func TestDispatchReopensClosedTaskOnLaterReply(t *testing.T) {
	tasks, err := task.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open tasks: %v", err)
	}
	defer tasks.Close()

	l := New(Config{Tasks: tasks})
	contextID := task.ThreadContextID("200.0")
	if _, err := tasks.EnsureOpen(context.Background(), contextID, "original", nil); err != nil {
		t.Fatalf("ensure open: %v", err)
	}
	if _, err := tasks.Update(context.Background(), contextID, task.StatusClosed, "", nil); err != nil {
		t.Fatalf("close: %v", err)
	}

	l.dispatch(context.Background(), Event{Kind: EventBotDMReply, Channel: "D1", ThreadTS: "200.0", Text: "one more thing", TS: "200.9"})

	rec, ok, err := tasks.Get(context.Background(), contextID)
	if err != nil || !ok {
		t.Fatalf("expected task record to exist, ok=%v err=%v", ok, err)
	}
	if rec.Status != task.StatusInProgress {
		t.Fatalf("expected reopened status in_progress, got %s", rec.Status)
	}
}
