package poller

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"reportbot/internal/channels"
	"reportbot/internal/eventbus"
	kit "reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

// Fetcher is the read side of the transport.
type Fetcher interface {
	FetchMessages(ctx context.Context, channelID string, limit int) ([]kit.Message, error)
}

type Service struct {
	cfg     Config
	fetcher Fetcher
	dir     *channels.Directory
	handler Handler
	bus     eventbus.Bus
	log     logx.Logger

	mu     sync.Mutex
	states map[string]*channelState

	lifeMu   sync.Mutex
	stopCh   chan struct{}
	stopDone chan struct{}

	allow map[string]struct{}

	// now is swappable in tests.
	now func() time.Time
}

func New(cfg Config, fetcher Fetcher, dir *channels.Directory, handler Handler, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	allow := make(map[string]struct{}, len(cfg.BotAllowlist))
	for _, id := range cfg.BotAllowlist {
		allow[id] = struct{}{}
	}
	return &Service{
		cfg:     cfg,
		fetcher: fetcher,
		dir:     dir,
		handler: handler,
		bus:     bus,
		log:     log,
		states:  map[string]*channelState{},
		allow:   allow,
		now:     time.Now,
	}
}

func (s *Service) Start(ctx context.Context) {
	s.lifeMu.Lock()
	if s.stopCh != nil {
		s.lifeMu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	stopCh := s.stopCh
	stopDone := s.stopDone
	s.lifeMu.Unlock()

	s.reconcile()

	go func() {
		defer close(stopDone)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in poller loop",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()
		s.run(ctx, stopCh)
	}()

	s.log.Info("poller started",
		logx.Duration("base_interval", s.cfg.BaseInterval),
		logx.Duration("max_interval", s.cfg.MaxInterval),
		logx.Int("channels", len(s.dir.Active())),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.lifeMu.Lock()
	stopCh := s.stopCh
	stopDone := s.stopDone
	s.stopCh = nil
	s.stopDone = nil
	s.lifeMu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-stopDone:
	case <-ctx.Done():
	}
	s.log.Info("poller stopped")
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	reconcile := time.NewTicker(s.cfg.ReconcileEvery)
	defer reconcile.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-reconcile.C:
			s.reconcile()
		case <-heartbeat.C:
			s.heartbeat()
		case <-ticker.C:
			for _, id := range s.due() {
				if ctx.Err() != nil {
					return
				}
				s.pollChannel(ctx, id)
			}
		}
	}
}

// reconcile syncs the watched set with the directory: newly active channels
// start being polled, removed ones are forgotten.
func (s *Service) reconcile() {
	want := map[string]struct{}{}
	for _, id := range s.dir.Active() {
		want[id] = struct{}{}
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range want {
		if _, ok := s.states[id]; !ok {
			s.states[id] = &channelState{interval: s.cfg.BaseInterval, nextCheck: now}
			s.log.Debug("channel watch added", logx.String("channel_id", id))
		}
	}
	for id := range s.states {
		if _, ok := want[id]; !ok {
			delete(s.states, id)
			s.log.Debug("channel watch removed", logx.String("channel_id", id))
		}
	}
}

// due returns the channels whose next check has arrived, in a stable order.
func (s *Service) due() []string {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, st := range s.states {
		if !st.nextCheck.After(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Service) pollChannel(ctx context.Context, channelID string) {
	msgs, err := s.fetcher.FetchMessages(ctx, channelID, s.cfg.FetchLimit)
	now := s.now()

	s.mu.Lock()
	st, ok := s.states[channelID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		s.mu.Lock()
		st.onFailure(s.cfg, now)
		errCount := st.errors
		interval := st.interval
		s.mu.Unlock()

		if shouldLogFailure(errCount) {
			s.log.Warn("channel poll failed",
				logx.String("channel_id", channelID),
				logx.Int("consecutive_errors", errCount),
				logx.Duration("next_in", interval),
				logx.Err(err),
			)
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypePollError, Data: map[string]string{
				"channel_id": channelID,
				"error":      err.Error(),
			}})
		}
		return
	}

	// Platform order is newest first; work oldest first.
	sort.Slice(msgs, func(i, j int) bool {
		return compareIDs(msgs[i].ID, msgs[j].ID) < 0
	})

	s.mu.Lock()
	lastSeen := st.lastSeen
	if lastSeen == "" {
		// First contact: start from the newest existing message instead of
		// replaying channel history.
		if len(msgs) > 0 {
			st.lastSeen = msgs[len(msgs)-1].ID
		} else {
			st.lastSeen = "0"
		}
		st.onSuccess(s.cfg, false, now)
		s.mu.Unlock()
		return
	}

	fresh := msgs[:0:0]
	for _, m := range msgs {
		if compareIDs(m.ID, lastSeen) > 0 {
			fresh = append(fresh, m)
		}
	}
	// Advance before handling: a crash mid-batch must not replay messages.
	if len(fresh) > 0 {
		st.lastSeen = fresh[len(fresh)-1].ID
	}
	s.mu.Unlock()

	sawCommand := false
	for _, m := range fresh {
		if m.Bot {
			if _, ok := s.allow[m.AuthorID]; !ok {
				continue
			}
		}
		if s.handler.Handle(ctx, m) {
			sawCommand = true
		}
	}

	s.mu.Lock()
	st.onSuccess(s.cfg, sawCommand, s.now())
	s.mu.Unlock()
}

func (s *Service) heartbeat() {
	s.mu.Lock()
	total := len(s.states)
	failing := 0
	for _, st := range s.states {
		if st.errors > 0 {
			failing++
		}
	}
	s.mu.Unlock()
	s.log.Info("poller heartbeat",
		logx.Int("channels", total),
		logx.Int("failing", failing),
	)
}
