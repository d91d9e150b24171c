package transport

import (
	"context"
	"fmt"
	"time"
)

// Message is one inbound chat message as seen by the polling loop.
type Message struct {
	ID         string
	ChannelID  string
	AuthorID   string
	AuthorName string
	Bot        bool
	Text       string
	Timestamp  time.Time
}

// MessageRef identifies a previously sent message so it can be edited.
type MessageRef struct {
	ChannelID string
	MessageID string
}

// Adapter is the chat-platform boundary. Implementations do a single
// request/response per call; retry, pacing, and backoff policy live with
// the callers (notify gateway for outbound, poller for inbound).
type Adapter interface {
	// FetchMessages returns up to limit recent messages for a channel,
	// newest first (platform order).
	FetchMessages(ctx context.Context, channelID string, limit int) ([]Message, error)

	SendMessage(ctx context.Context, channelID, text string) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, text string) error
}

// RateLimitedError reports a platform rate-limit response. RetryAfter is the
// cooldown the platform asked for (callers add their own safety margin).
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited; retry after %s", e.RetryAfter)
}

// TransientError wraps failures that are worth retrying (5xx, network).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient transport failure: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }
