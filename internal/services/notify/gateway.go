// Package notify is the single egress point for chat messages. It serializes
// sends, enforces a minimum delay between them and absorbs the platform's
// rate-limit responses so callers never see a 429.
package notify

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

type Config struct {
	// MinDelay is the minimum spacing between any two outbound calls.
	MinDelay time.Duration
	// RetryMax bounds retries for rate-limited and transient failures.
	RetryMax int
	// RetryBase and RetryMaxDelay shape the transient-failure backoff.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// CooldownMargin is added on top of the server-provided retry-after.
	CooldownMargin time.Duration
	// CallTimeout bounds a single API call.
	CallTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MinDelay <= 0 {
		c.MinDelay = 2 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.CooldownMargin <= 0 {
		c.CooldownMargin = 500 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
}

type Gateway struct {
	cfg     Config
	adapter kit.Adapter
	log     logx.Logger

	limiter *rate.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Gateway {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		cfg:     cfg,
		adapter: adapter,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(cfg.MinDelay), 1),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Send posts text to a channel and returns a reference usable with Edit.
func (g *Gateway) Send(ctx context.Context, channelID, text string) (kit.MessageRef, error) {
	var ref kit.MessageRef
	err := g.do(ctx, func(cctx context.Context) error {
		r, err := g.adapter.SendMessage(cctx, channelID, text)
		if err == nil {
			ref = r
		}
		return err
	})
	return ref, err
}

// Edit rewrites a previously sent message in place.
func (g *Gateway) Edit(ctx context.Context, ref kit.MessageRef, text string) error {
	return g.do(ctx, func(cctx context.Context) error {
		return g.adapter.EditMessage(cctx, ref, text)
	})
}

func (g *Gateway) do(ctx context.Context, call func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= g.cfg.RetryMax; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		err := call(cctx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		var rl *kit.RateLimitedError
		var tr *kit.TransientError
		switch {
		case errors.As(err, &rl):
			wait := rl.RetryAfter + g.cfg.CooldownMargin
			g.log.Warn("rate limited; cooling down",
				logx.Duration("wait", wait),
				logx.Int("attempt", attempt+1),
			)
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
		case errors.As(err, &tr):
			wait := g.backoff(attempt)
			g.log.Debug("transient send failure; retrying",
				logx.Duration("wait", wait),
				logx.Int("attempt", attempt+1),
				logx.Err(err),
			)
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
		default:
			return err
		}
	}

	return lastErr
}

func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.cfg.RetryBase << uint(attempt)
	if d > g.cfg.RetryMaxDelay || d <= 0 {
		d = g.cfg.RetryMaxDelay
	}
	g.rngMu.Lock()
	jitter := time.Duration(g.rng.Int63n(int64(d/4) + 1))
	g.rngMu.Unlock()
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
