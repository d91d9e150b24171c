package queue

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reportbot/internal/channels"
	"reportbot/internal/eventbus"
	logx "reportbot/pkg/logx"
)

// Service executes report jobs from a FIFO queue using a worker pool.
//
// It is panic-safe (worker goroutines recover) and cooperates with shutdown
// via Start/Stop.
type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	bus eventbus.Bus

	runner   Runner
	notifier Notifier
	dir      *channels.Directory

	queue     chan JobRequest
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]*activeJob // by channel ID

	workersMu sync.Mutex
	workers   []WorkerInfo

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	// now is swappable in tests.
	now func() time.Time
}

func New(cfg Config, runner Runner, notifier Notifier, dir *channels.Directory, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		runner:   runner,
		notifier: notifier,
		dir:      dir,
		active:   map[string]*activeJob{},
		now:      time.Now,
	}
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to finish so we never run two
	// worker pools.
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	// Fresh queue per run so stale items never survive a stop/start toggle.
	s.queue = make(chan JobRequest, s.cfg.QueueSize)

	s.workersMu.Lock()
	s.workers = make([]WorkerInfo, s.cfg.Workers)
	for i := range s.workers {
		s.workers[i] = WorkerInfo{Index: i, State: WorkerIdle}
	}
	s.workersMu.Unlock()

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in report worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
				}
			}()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}

	s.log.Info("report queue started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue_size", s.cfg.QueueSize),
		logx.Duration("stale_after", s.cfg.StaleAfter),
	)
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("report queue stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Enqueue admits a report request. It never blocks: a full queue rejects
// with ReasonQueueFull. A channel with a fresh active job rejects with
// ReasonAlreadyProcessing; a stale one is force-terminated and the new
// request admitted in its place.
func (s *Service) Enqueue(req JobRequest) Admission {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return Admission{Reason: ReasonStopped}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.EnqueuedAt = s.now()

	reclaimed := false
	s.activeMu.Lock()
	if aj, ok := s.active[req.ChannelID]; ok {
		age := s.now().Sub(aj.startedAt)
		if age < s.cfg.StaleAfter {
			s.activeMu.Unlock()
			return Admission{Reason: ReasonAlreadyProcessing, ActiveFor: age}
		}
		// Stuck past the limit: kill it and take the slot.
		aj.cancel()
		delete(s.active, req.ChannelID)
		close(aj.done)
		reclaimed = true
		s.log.Warn("stale report job reclaimed",
			logx.String("channel_id", req.ChannelID),
			logx.String("request_id", aj.requestID),
			logx.Duration("age", age),
		)
		s.publish(eventbus.TypeJobReclaimed, map[string]string{
			"channel_id": req.ChannelID,
			"request_id": aj.requestID,
		})
	}
	s.activeMu.Unlock()

	// Position counts the requests already waiting, read just before the
	// insert so 0 means "likely starts now".
	pos := len(q)
	select {
	case q <- req:
		s.publish(eventbus.TypeJobEnqueued, map[string]string{
			"channel_id": req.ChannelID,
			"request_id": req.ID,
			"trigger":    string(req.Trigger),
		})
		return Admission{Accepted: true, Position: pos, Reclaimed: reclaimed}
	default:
		s.dropped.Add(1)
		s.log.Warn("report queue full; request dropped",
			logx.String("channel_id", req.ChannelID),
			logx.Int("queue_cap", cap(q)),
		)
		return Admission{Reason: ReasonQueueFull, Reclaimed: reclaimed}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.queue != nil && s.stopDone == nil
	ql, qc := 0, 0
	if s.queue != nil {
		ql = len(s.queue)
		qc = cap(s.queue)
	}
	s.mu.Unlock()

	s.workersMu.Lock()
	workers := make([]WorkerInfo, len(s.workers))
	copy(workers, s.workers)
	s.workersMu.Unlock()

	s.activeMu.Lock()
	active := make([]ActiveInfo, 0, len(s.active))
	for ch, aj := range s.active {
		active = append(active, ActiveInfo{ChannelID: ch, RequestID: aj.requestID, StartedAt: aj.startedAt})
	}
	s.activeMu.Unlock()
	sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.Before(active[j].StartedAt) })

	return Snapshot{
		Running:   running,
		QueueLen:  ql,
		QueueCap:  qc,
		Workers:   workers,
		Active:    active,
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// ActiveFor reports how long the channel's current job has been running.
func (s *Service) ActiveFor(channelID string) (time.Duration, bool) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	aj, ok := s.active[channelID]
	if !ok {
		return 0, false
	}
	return s.now().Sub(aj.startedAt), true
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
