// Package chatproxy implements the chat proxy: send message (new or
// reply), add reaction, fetch thread, list channels, get user profile.
// Sends are paced per channel to at most one message per second, across
// all of that channel's threads, with excess messages queued in arrival
// order, and transient
// upstream errors are retried with bounded exponential backoff.
package chatproxy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"jib/internal/gwerr"
	"jib/internal/reqlog"
)

// Client is the subset of *slack.Client the proxy depends on, so tests can
// supply a fake.
type Client interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	AddReaction(name string, item slack.ItemRef) error
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	GetUserInfo(userID string) (*slack.User, error)
}

// Proxy is the chat proxy. One rate.Limiter per channel, created lazily,
// enforcing the per-channel pacing (default one message
// per second).
type Proxy struct {
	client Client
	pacing time.Duration
	log    *reqlog.Log
	logger *log.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a chat proxy. pacing <= 0 defaults to one second.
func New(client Client, pacing time.Duration, reqLog *reqlog.Log, logger *log.Logger) *Proxy {
	if pacing <= 0 {
		pacing = time.Second
	}
	return &Proxy{client: client, pacing: pacing, log: reqLog, logger: logger, limiters: map[string]*rate.Limiter{}}
}

func (p *Proxy) limiterFor(channel, threadKey string) *rate.Limiter {
	key := channel
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.pacing), 1)
		p.limiters[key] = l
	}
	return l
}

// SendRequest is a new message or a threaded reply.
type SendRequest struct {
	ContainerID string `json:"container_id"`
	Channel     string `json:"channel"`
	ThreadTS    string `json:"thread_ts"` // empty for a new top-level message
	Text        string `json:"text"`
}

// Send posts a message, paced per channel and retried with
// bounded exponential backoff on transient failures.
func (p *Proxy) Send(ctx context.Context, req SendRequest) (ts string, err error) {
	threadKey := req.ThreadTS
	if threadKey == "" {
		threadKey = "root"
	}
	if err := p.limiterFor(req.Channel, threadKey).Wait(ctx); err != nil {
		return "", gwerr.New(gwerr.Timeout, "chat pacing wait: %v", err)
	}

	opts := []slack.MsgOption{slack.MsgOptionText(req.Text, false)}
	if req.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(req.ThreadTS))
	}

	err = retryTransient(ctx, func() error {
		_, sentTS, sendErr := p.client.PostMessage(req.Channel, opts...)
		ts = sentTS
		return sendErr
	})
	p.appendLog(req.ContainerID, "chat.send", err)
	if err != nil {
		return "", gwerr.New(gwerr.Upstream5xx, "post message: %v", err)
	}
	return ts, nil
}

// AddReaction adds an emoji reaction to a message.
func (p *Proxy) AddReaction(ctx context.Context, containerID, channel, ts, emoji string) error {
	err := retryTransient(ctx, func() error {
		return p.client.AddReaction(emoji, slack.NewRefToMessage(channel, ts))
	})
	p.appendLog(containerID, "chat.react", err)
	if err != nil {
		return gwerr.New(gwerr.Upstream5xx, "add reaction: %v", err)
	}
	return nil
}

// Thread fetches a thread's messages.
func (p *Proxy) Thread(ctx context.Context, containerID, channel, threadTS string) ([]slack.Message, error) {
	var msgs []slack.Message
	err := retryTransient(ctx, func() error {
		var e error
		msgs, _, _, e = p.client.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: channel,
			Timestamp: threadTS,
		})
		return e
	})
	p.appendLog(containerID, "chat.thread", err)
	if err != nil {
		return nil, gwerr.New(gwerr.Upstream5xx, "fetch thread: %v", err)
	}
	return msgs, nil
}

// Channels lists channels visible to the bot.
func (p *Proxy) Channels(ctx context.Context, containerID string) ([]slack.Channel, error) {
	var chans []slack.Channel
	err := retryTransient(ctx, func() error {
		var e error
		chans, _, e = p.client.GetConversationsContext(ctx, &slack.GetConversationsParameters{})
		return e
	})
	p.appendLog(containerID, "chat.channels", err)
	if err != nil {
		return nil, gwerr.New(gwerr.Upstream5xx, "list channels: %v", err)
	}
	return chans, nil
}

// UserProfile fetches a user's profile.
func (p *Proxy) UserProfile(ctx context.Context, containerID, userID string) (*slack.User, error) {
	var user *slack.User
	err := retryTransient(ctx, func() error {
		var e error
		user, e = p.client.GetUserInfo(userID)
		return e
	})
	p.appendLog(containerID, "chat.user", err)
	if err != nil {
		return nil, gwerr.New(gwerr.Upstream5xx, "get user profile: %v", err)
	}
	return user, nil
}

func (p *Proxy) appendLog(containerID, op string, err error) {
	if p.log == nil {
		return
	}
	code := "ok"
	if err != nil {
		code = "error"
	}
	_ = p.log.Append(reqlog.Entry{ContainerID: containerID, Operation: op, ResultCode: code})
}

// retryTransient retries fn with bounded exponential backoff (3 attempts,
// 200ms/400ms); any error still standing after the final attempt
// surfaces to the caller.
func retryTransient(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == 2 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("after 3 attempts: %w", lastErr)
}
