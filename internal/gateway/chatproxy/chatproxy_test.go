package chatproxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slack-go/slack"
)

type fakeClient struct {
	postCalls int
	failFirst int
	lastErr   error
}

func (f *fakeClient) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	f.postCalls++
	if f.postCalls <= f.failFirst {
		return "", "", errors.New("transient upstream error")
	}
	return channelID, "1700000000.000100", nil
}

func (f *fakeClient) AddReaction(name string, item slack.ItemRef) error { return nil }

func (f *fakeClient) GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	return nil, false, "", nil
}

func (f *fakeClient) GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	return nil, "", nil
}

func (f *fakeClient) GetUserInfo(userID string) (*slack.User, error) { return &slack.User{ID: userID}, nil }

func TestSendSucceedsOnFirstTry(t *testing.T) {
	fc := &fakeClient{}
	p := New(fc, time.Millisecond, nil, nil)
	ts, err := p.Send(context.Background(), SendRequest{ContainerID: "c1", Channel: "C1", Text: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ts == "" {
		t.Fatalf("expected non-empty ts")
	}
	if fc.postCalls != 1 {
		t.Fatalf("expected 1 call, got %d", fc.postCalls)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	fc := &fakeClient{failFirst: 2}
	p := New(fc, time.Millisecond, nil, nil)
	_, err := p.Send(context.Background(), SendRequest{ContainerID: "c1", Channel: "C1", Text: "hello"})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if fc.postCalls != 3 {
		t.Fatalf("expected 3 calls (2 failures + success), got %d", fc.postCalls)
	}
}

func TestSendPacesPerChannelThread(t *testing.T) {
	fc := &fakeClient{}
	p := New(fc, 300*time.Millisecond, nil, nil)
	ctx := context.Background()

	start := time.Now()
	if _, err := p.Send(ctx, SendRequest{ContainerID: "c1", Channel: "C1", ThreadTS: "T1", Text: "one"}); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if _, err := p.Send(ctx, SendRequest{ContainerID: "c1", Channel: "C1", ThreadTS: "T1", Text: "two"}); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("expected pacing to hold the second send back, elapsed %v", elapsed)
	}
}

func TestSendDifferentThreadsShareChannelPacing(t *testing.T) {
	fc := &fakeClient{}
	p := New(fc, 300*time.Millisecond, nil, nil)
	ctx := context.Background()

	start := time.Now()
	if _, err := p.Send(ctx, SendRequest{ContainerID: "c1", Channel: "C1", ThreadTS: "T1", Text: "one"}); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if _, err := p.Send(ctx, SendRequest{ContainerID: "c1", Channel: "C1", ThreadTS: "T2", Text: "two"}); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("expected a second thread on the same channel to wait for channel pacing, elapsed %v", elapsed)
	}
}
