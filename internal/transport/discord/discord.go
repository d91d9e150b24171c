// Package discord implements the transport.Adapter boundary against the
// Discord REST API (bot token auth, v10 endpoints).
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	kit "reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

const defaultAPIBase = "https://discord.com/api/v10"

type Config struct {
	Token string
	// APIBase overrides the API endpoint (tests point it at a local server).
	APIBase string
	// RequestTimeout bounds a single HTTP round trip.
	RequestTimeout time.Duration
}

type Adapter struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
	auth string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: timeout},
		auth: formatToken(cfg.Token),
	}, nil
}

// formatToken ensures the bot prefix without doubling an existing one.
func formatToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "Bot ") || strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bot " + token
}

// apiMessage mirrors the subset of the Discord message object we consume.
type apiMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
}

func (m apiMessage) toTransport(channelID string) kit.Message {
	ts, _ := time.Parse(time.RFC3339, m.Timestamp)
	if m.ChannelID != "" {
		channelID = m.ChannelID
	}
	return kit.Message{
		ID:         m.ID,
		ChannelID:  channelID,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.Username,
		Bot:        m.Author.Bot,
		Text:       m.Content,
		Timestamp:  ts,
	}
}

func (a *Adapter) FetchMessages(ctx context.Context, channelID string, limit int) ([]kit.Message, error) {
	if limit <= 0 {
		limit = 5
	}
	url := fmt.Sprintf("%s/channels/%s/messages?limit=%d", a.cfg.APIBase, channelID, limit)
	body, err := a.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	var raw []apiMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode messages for channel %s: %w", channelID, err)
	}
	out := make([]kit.Message, 0, len(raw))
	for _, m := range raw {
		out = append(out, m.toTransport(channelID))
	}
	return out, nil
}

func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) (kit.MessageRef, error) {
	url := fmt.Sprintf("%s/channels/%s/messages", a.cfg.APIBase, channelID)
	payload, _ := json.Marshal(map[string]string{"content": text})
	body, err := a.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return kit.MessageRef{}, err
	}
	var m apiMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return kit.MessageRef{}, fmt.Errorf("decode send response: %w", err)
	}
	return kit.MessageRef{ChannelID: channelID, MessageID: m.ID}, nil
}

func (a *Adapter) EditMessage(ctx context.Context, ref kit.MessageRef, text string) error {
	if ref.MessageID == "" {
		return errors.New("edit: empty message id")
	}
	url := fmt.Sprintf("%s/channels/%s/messages/%s", a.cfg.APIBase, ref.ChannelID, ref.MessageID)
	payload, _ := json.Marshal(map[string]string{"content": text})
	_, err := a.do(ctx, http.MethodPatch, url, payload)
	return err
}

func (a *Adapter) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", a.auth)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, &kit.TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &kit.TransientError{Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &kit.RateLimitedError{RetryAfter: retryAfter(resp, body)}
	case resp.StatusCode >= 500:
		return nil, &kit.TransientError{Err: fmt.Errorf("discord %s %s: status %d", method, url, resp.StatusCode)}
	default:
		return nil, fmt.Errorf("discord %s %s: status %d: %s", method, url, resp.StatusCode, truncate(string(body), 200))
	}
}

// retryAfter prefers the JSON retry_after field (fractional seconds) and
// falls back to the Retry-After header.
func retryAfter(resp *http.Response, body []byte) time.Duration {
	var rl struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &rl); err == nil && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter * float64(time.Second))
	}
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.ParseFloat(h, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 5 * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
