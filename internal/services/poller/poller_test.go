package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reportbot/internal/channels"
	"reportbot/internal/config"
	kit "reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

func TestFailureBackoff(t *testing.T) {
	t.Parallel()

	cfg := Config{BaseInterval: 10 * time.Second, MaxInterval: 300 * time.Second}
	now := time.Now()
	st := &channelState{interval: cfg.BaseInterval}

	want := []time.Duration{
		20 * time.Second,  // 10s * 2^1
		40 * time.Second,  // 10s * 2^2
		80 * time.Second,  // 10s * 2^3
		160 * time.Second, // 10s * 2^4
		300 * time.Second, // 10s * 2^5 capped
		300 * time.Second, // exponent stays capped at 5
		300 * time.Second,
	}
	for i, w := range want {
		st.onFailure(cfg, now)
		if st.interval != w {
			t.Errorf("after failure %d: interval = %v, want %v", i+1, st.interval, w)
		}
		if st.errors != i+1 {
			t.Errorf("after failure %d: errors = %d", i+1, st.errors)
		}
	}
}

func TestSuccessRecovery(t *testing.T) {
	t.Parallel()

	cfg := Config{BaseInterval: 10 * time.Second, MaxInterval: 300 * time.Second}
	now := time.Now()
	st := &channelState{interval: 100 * time.Second, errors: 4}

	st.onSuccess(cfg, false, now)
	if st.errors != 0 {
		t.Errorf("errors = %d after success", st.errors)
	}
	if st.interval != 80*time.Second {
		t.Errorf("interval = %v, want geometric shrink to 80s", st.interval)
	}

	// Shrink keeps flooring at base.
	st.interval = 11 * time.Second
	st.onSuccess(cfg, false, now)
	if st.interval != cfg.BaseInterval {
		t.Errorf("interval = %v, want floor at base", st.interval)
	}

	// A consumed command snaps straight back to base.
	st.interval = 200 * time.Second
	st.onSuccess(cfg, true, now)
	if st.interval != cfg.BaseInterval {
		t.Errorf("interval after command = %v, want base", st.interval)
	}
}

func TestShouldLogFailure(t *testing.T) {
	t.Parallel()

	logged := []int{}
	for i := 1; i <= 25; i++ {
		if shouldLogFailure(i) {
			logged = append(logged, i)
		}
	}
	want := []int{1, 10, 20}
	if len(logged) != len(want) {
		t.Fatalf("logged at %v, want %v", logged, want)
	}
	for i := range want {
		if logged[i] != want[i] {
			t.Fatalf("logged at %v, want %v", logged, want)
		}
	}
}

func TestCompareIDs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want int
	}{
		{"2", "10", -1}, // numeric, not lexicographic
		{"10", "2", 1},
		{"5", "5", 0},
		{"915000000000000001", "915000000000000002", -1},
		{"abc", "abd", -1}, // non-numeric falls back to string order
		{"abc", "abc", 0},
	}
	for _, tc := range cases {
		if got := compareIDs(tc.a, tc.b); got != tc.want {
			t.Errorf("compareIDs(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

// fakeFetcher serves scripted batches (newest first, like the platform).
type fakeFetcher struct {
	mu      sync.Mutex
	batches map[string][][]kit.Message
	err     error
	calls   int
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, channelID string, limit int) ([]kit.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	q := f.batches[channelID]
	if len(q) == 0 {
		return nil, nil
	}
	batch := q[0]
	f.batches[channelID] = q[1:]
	return batch, nil
}

type recordingHandler struct {
	mu      sync.Mutex
	handled []string
	command map[string]bool // message ID -> report as command
}

func (h *recordingHandler) Handle(ctx context.Context, msg kit.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, msg.ID)
	return h.command[msg.ID]
}

func (h *recordingHandler) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.handled...)
}

func newPollerForTest(fetcher Fetcher, handler Handler, allow []string) *Service {
	dir := channels.NewDirectory()
	dir.Update([]config.ChannelConfig{{ID: "chan", ProjectID: "p"}})
	s := New(Config{BotAllowlist: allow}, fetcher, dir, handler, nil, logx.Nop())
	s.reconcile()
	return s
}

func msg(id, author string, bot bool) kit.Message {
	return kit.Message{ID: id, ChannelID: "chan", AuthorID: author, Bot: bot, Text: "!relatorio"}
}

func TestPollBootstrapSkipsHistory(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{batches: map[string][][]kit.Message{
		"chan": {
			// Pre-existing history must not be replayed.
			{msg("30", "u1", false), msg("20", "u1", false), msg("10", "u1", false)},
			// Next poll: one genuinely new message plus already-seen ones.
			{msg("40", "u1", false), msg("30", "u1", false), msg("20", "u1", false)},
		},
	}}
	handler := &recordingHandler{command: map[string]bool{"40": true}}
	s := newPollerForTest(fetcher, handler, nil)
	ctx := context.Background()

	s.pollChannel(ctx, "chan")
	if got := handler.ids(); len(got) != 0 {
		t.Fatalf("bootstrap handled %v, want none", got)
	}

	s.pollChannel(ctx, "chan")
	got := handler.ids()
	if len(got) != 1 || got[0] != "40" {
		t.Fatalf("handled %v, want [40]", got)
	}

	st := s.states["chan"]
	if st.lastSeen != "40" {
		t.Errorf("lastSeen = %q", st.lastSeen)
	}
	if st.interval != s.cfg.BaseInterval {
		t.Errorf("interval = %v, want base after command", st.interval)
	}
}

func TestPollOrdersBatchOldestFirst(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{batches: map[string][][]kit.Message{
		"chan": {
			{msg("10", "u1", false)},
			// Newest-first batch with two new messages.
			{msg("12", "u1", false), msg("11", "u1", false), msg("10", "u1", false)},
		},
	}}
	handler := &recordingHandler{}
	s := newPollerForTest(fetcher, handler, nil)
	ctx := context.Background()

	s.pollChannel(ctx, "chan")
	s.pollChannel(ctx, "chan")

	got := handler.ids()
	if len(got) != 2 || got[0] != "11" || got[1] != "12" {
		t.Fatalf("handled %v, want [11 12]", got)
	}
}

func TestPollSkipsBotsUnlessAllowlisted(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{batches: map[string][][]kit.Message{
		"chan": {
			{msg("10", "u1", false)},
			{
				msg("13", "friendly-bot", true),
				msg("12", "other-bot", true),
				msg("11", "u1", false),
			},
		},
	}}
	handler := &recordingHandler{}
	s := newPollerForTest(fetcher, handler, []string{"friendly-bot"})
	ctx := context.Background()

	s.pollChannel(ctx, "chan")
	s.pollChannel(ctx, "chan")

	got := handler.ids()
	if len(got) != 2 || got[0] != "11" || got[1] != "13" {
		t.Fatalf("handled %v, want [11 13]", got)
	}
	// Skipped bot message still advances the cursor.
	if st := s.states["chan"]; st.lastSeen != "13" {
		t.Errorf("lastSeen = %q", st.lastSeen)
	}
}

func TestPollFailureGrowsInterval(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errors.New("HTTP 502")}
	handler := &recordingHandler{}
	s := newPollerForTest(fetcher, handler, nil)
	ctx := context.Background()

	s.pollChannel(ctx, "chan")
	s.pollChannel(ctx, "chan")

	st := s.states["chan"]
	if st.errors != 2 {
		t.Errorf("errors = %d", st.errors)
	}
	if st.interval != s.cfg.BaseInterval*4 {
		t.Errorf("interval = %v, want base*4", st.interval)
	}
}

func TestReconcileAddsAndRemoves(t *testing.T) {
	t.Parallel()

	dir := channels.NewDirectory()
	dir.Update([]config.ChannelConfig{{ID: "a", ProjectID: "p"}, {ID: "b", ProjectID: "p"}})
	s := New(Config{}, &fakeFetcher{}, dir, &recordingHandler{}, nil, logx.Nop())

	s.reconcile()
	if _, ok := s.states["a"]; !ok {
		t.Fatal("channel a not watched")
	}
	if _, ok := s.states["b"]; !ok {
		t.Fatal("channel b not watched")
	}

	inactive := false
	dir.Update([]config.ChannelConfig{
		{ID: "a", ProjectID: "p"},
		{ID: "b", ProjectID: "p", Active: &inactive},
		{ID: "c", ProjectID: "p"},
	})
	s.reconcile()
	if _, ok := s.states["b"]; ok {
		t.Error("deactivated channel still watched")
	}
	if _, ok := s.states["c"]; !ok {
		t.Error("new channel not watched")
	}
}
