package queue

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"reportbot/internal/channels"
	"reportbot/internal/command"
	"reportbot/internal/config"
	"reportbot/internal/eventbus"
	"reportbot/internal/services/executor"
	kit "reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

type runnerCall struct {
	channelID string
	params    command.ReportParams
}

// fakeRunner blocks each run until released (or until ctx is canceled) and
// records the calls it saw.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []runnerCall
	started chan string   // receives channel ID when a run begins
	release chan struct{} // fed to let runs finish
	result  func(string) executor.Result
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		started: make(chan string, 16),
		release: make(chan struct{}, 16),
		result: func(string) executor.Result {
			return executor.Result{OK: true, ArtifactURL: "https://docs.google.com/document/d/x", Took: time.Second}
		},
	}
}

func (f *fakeRunner) Run(ctx context.Context, channelID string, p command.ReportParams) executor.Result {
	f.mu.Lock()
	f.calls = append(f.calls, runnerCall{channelID: channelID, params: p})
	f.mu.Unlock()
	f.started <- channelID

	select {
	case <-ctx.Done():
		return executor.Result{Reason: "a geração foi cancelada.", Err: ctx.Err()}
	case <-f.release:
		return f.result(channelID)
	}
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sentMsg struct {
	channelID string
	text      string
}

type fakeNotifier struct {
	mu    sync.Mutex
	sends []sentMsg
	edits []sentMsg
	seq   int
}

func (f *fakeNotifier) Send(ctx context.Context, channelID, text string) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentMsg{channelID, text})
	f.seq++
	return kit.MessageRef{ChannelID: channelID, MessageID: "m" + string(rune('0'+f.seq))}, nil
}

func (f *fakeNotifier) Edit(ctx context.Context, ref kit.MessageRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentMsg{ref.ChannelID, text})
	return nil
}

func (f *fakeNotifier) sentTo(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sends {
		if m.channelID == channelID {
			out = append(out, m.text)
		}
	}
	return out
}

func testDirectory() *channels.Directory {
	d := channels.NewDirectory()
	d.Update([]config.ChannelConfig{
		{ID: "chan-a", ProjectID: "pa", ProjectName: "Obra A"},
		{ID: "chan-b", ProjectID: "pb", ProjectName: "Obra B"},
		{ID: "chan-c", ProjectID: "pc", ProjectName: "Obra C"},
	})
	return d
}

func newTestService(t *testing.T, cfg Config, runner Runner, notifier Notifier) *Service {
	t.Helper()
	svc := New(cfg, runner, notifier, testDirectory(), eventbus.New(), logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueueAndProcess(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	notifier := &fakeNotifier{}
	svc := newTestService(t, Config{Workers: 1}, runner, notifier)

	adm := svc.Enqueue(JobRequest{ChannelID: "chan-a", Trigger: TriggerCommand})
	if !adm.Accepted {
		t.Fatalf("admission = %+v", adm)
	}

	<-runner.started
	runner.release <- struct{}{}

	waitFor(t, "job completion", func() bool {
		_, active := svc.ActiveFor("chan-a")
		return !active
	})

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.sends) != 1 || !strings.Contains(notifier.sends[0].text, "Obra A") {
		t.Errorf("progress sends = %+v", notifier.sends)
	}
	if len(notifier.edits) != 1 || !strings.Contains(notifier.edits[0].text, "docs.google.com") {
		t.Errorf("final edits = %+v", notifier.edits)
	}

	snap := svc.Snapshot()
	if snap.Processed != 1 || snap.Failed != 0 {
		t.Errorf("counters = %+v", snap)
	}
}

func TestRejectWhileActive(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	notifier := &fakeNotifier{}
	svc := newTestService(t, Config{Workers: 1, StaleAfter: time.Hour}, runner, notifier)

	if adm := svc.Enqueue(JobRequest{ChannelID: "chan-a", Trigger: TriggerCommand}); !adm.Accepted {
		t.Fatalf("first admission = %+v", adm)
	}
	<-runner.started

	adm := svc.Enqueue(JobRequest{ChannelID: "chan-a", Trigger: TriggerCommand})
	if adm.Accepted || adm.Reason != ReasonAlreadyProcessing {
		t.Fatalf("second admission = %+v", adm)
	}

	runner.release <- struct{}{}
	waitFor(t, "first job done", func() bool {
		_, active := svc.ActiveFor("chan-a")
		return !active
	})

	// Slot is free again.
	adm = svc.Enqueue(JobRequest{ChannelID: "chan-a", Trigger: TriggerCommand})
	if !adm.Accepted {
		t.Fatalf("third admission = %+v", adm)
	}
	<-runner.started
	runner.release <- struct{}{}
}

func TestStaleJobReclaimed(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	notifier := &fakeNotifier{}

	var clockMu sync.Mutex
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := New(Config{Workers: 2, StaleAfter: 15 * time.Minute}, runner, notifier, testDirectory(), eventbus.New(), logx.Nop())
	svc.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	svc.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	if adm := svc.Enqueue(JobRequest{ChannelID: "chan-a", Trigger: TriggerCommand}); !adm.Accepted {
		t.Fatalf("first admission = %+v", adm)
	}
	<-runner.started

	// 14 minutes in: still protected.
	clockMu.Lock()
	now = now.Add(14 * time.Minute)
	clockMu.Unlock()
	if adm := svc.Enqueue(JobRequest{ChannelID: "chan-a", Trigger: TriggerCommand}); adm.Accepted {
		t.Fatalf("admission at 14m = %+v, want rejection", adm)
	}

	// 16 minutes in: the stuck job is reclaimed and the new one admitted.
	clockMu.Lock()
	now = now.Add(2 * time.Minute)
	clockMu.Unlock()
	adm := svc.Enqueue(JobRequest{ChannelID: "chan-a", Trigger: TriggerCommand})
	if !adm.Accepted || !adm.Reclaimed {
		t.Fatalf("admission at 16m = %+v, want accepted+reclaimed", adm)
	}

	// The first run must observe its context cancellation.
	waitFor(t, "replacement run start", func() bool { return runner.callCount() == 2 })
	<-runner.started
	runner.release <- struct{}{}
	waitFor(t, "replacement done", func() bool {
		_, active := svc.ActiveFor("chan-a")
		return !active
	})
}

func TestFIFOAcrossChannels(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	notifier := &fakeNotifier{}
	svc := newTestService(t, Config{Workers: 1}, runner, notifier)

	order := []string{"chan-a", "chan-b", "chan-c"}
	for _, ch := range order {
		if adm := svc.Enqueue(JobRequest{ChannelID: ch, Trigger: TriggerCommand}); !adm.Accepted {
			t.Fatalf("admission for %s = %+v", ch, adm)
		}
	}

	var got []string
	for range order {
		got = append(got, <-runner.started)
		runner.release <- struct{}{}
	}
	for i, ch := range order {
		if got[i] != ch {
			t.Fatalf("processing order = %v, want %v", got, order)
		}
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	notifier := &fakeNotifier{}
	svc := newTestService(t, Config{Workers: 1, QueueSize: 1}, runner, notifier)

	// Occupy the single worker, then fill the queue.
	if adm := svc.Enqueue(JobRequest{ChannelID: "chan-a", Trigger: TriggerCommand}); !adm.Accepted {
		t.Fatal("first admission rejected")
	}
	<-runner.started
	if adm := svc.Enqueue(JobRequest{ChannelID: "chan-b", Trigger: TriggerCommand}); !adm.Accepted {
		t.Fatal("second admission rejected")
	}

	adm := svc.Enqueue(JobRequest{ChannelID: "chan-c", Trigger: TriggerCommand})
	if adm.Accepted || adm.Reason != ReasonQueueFull {
		t.Fatalf("third admission = %+v, want queue_full", adm)
	}

	runner.release <- struct{}{}
	runner.release <- struct{}{}
	<-runner.started
	waitFor(t, "drain", func() bool { return svc.Snapshot().Processed == 2 })
	if svc.Snapshot().Dropped != 1 {
		t.Errorf("dropped = %d", svc.Snapshot().Dropped)
	}
}

func TestQueuePositionCountsWaiting(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	svc := newTestService(t, Config{Workers: 1, QueueSize: 4}, runner, &fakeNotifier{})

	// Empty queue: position 0, the job starts right away.
	if adm := svc.Enqueue(JobRequest{ChannelID: "chan-a", Trigger: TriggerCommand}); !adm.Accepted || adm.Position != 0 {
		t.Fatalf("first admission = %+v, want position 0", adm)
	}
	<-runner.started

	// Worker busy, queue drained: still nobody waiting ahead.
	if adm := svc.Enqueue(JobRequest{ChannelID: "chan-b", Trigger: TriggerCommand}); !adm.Accepted || adm.Position != 0 {
		t.Fatalf("second admission = %+v, want position 0", adm)
	}
	// One request already waiting.
	if adm := svc.Enqueue(JobRequest{ChannelID: "chan-c", Trigger: TriggerCommand}); !adm.Accepted || adm.Position != 1 {
		t.Fatalf("third admission = %+v, want position 1", adm)
	}
}

// gaugeRunner tracks peak concurrent runs, overall and per channel.
type gaugeRunner struct {
	mu       sync.Mutex
	running  map[string]int
	total    int
	peak     int
	chanPeak map[string]int
}

func newGaugeRunner() *gaugeRunner {
	return &gaugeRunner{running: map[string]int{}, chanPeak: map[string]int{}}
}

func (g *gaugeRunner) Run(ctx context.Context, channelID string, p command.ReportParams) executor.Result {
	g.mu.Lock()
	g.running[channelID]++
	g.total++
	if g.total > g.peak {
		g.peak = g.total
	}
	if g.running[channelID] > g.chanPeak[channelID] {
		g.chanPeak[channelID] = g.running[channelID]
	}
	g.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	g.mu.Lock()
	g.running[channelID]--
	g.total--
	g.mu.Unlock()
	return executor.Result{OK: true, Took: 30 * time.Millisecond}
}

func TestConcurrencyBounds(t *testing.T) {
	t.Parallel()

	runner := newGaugeRunner()
	notifier := &fakeNotifier{}
	svc := newTestService(t, Config{Workers: 3, QueueSize: 16}, runner, notifier)

	events, unsub := svc.bus.Subscribe(32)
	defer unsub()

	// Feed the run queue directly so duplicate pending requests for one
	// channel coexist no matter how fast the pool drains.
	svc.mu.Lock()
	q := svc.queue
	svc.mu.Unlock()
	reqs := []string{"chan-a", "chan-a", "chan-a", "chan-b", "chan-b", "chan-c"}
	for i, ch := range reqs {
		q <- JobRequest{ID: "r" + strconv.Itoa(i), ChannelID: ch, Trigger: TriggerCommand}
	}

	waitFor(t, "all jobs processed", func() bool {
		return svc.Snapshot().Processed == uint64(len(reqs))
	})

	runner.mu.Lock()
	peak, chanPeak := runner.peak, runner.chanPeak
	runner.mu.Unlock()
	if peak > 3 {
		t.Errorf("peak concurrent runs = %d, want <= 3", peak)
	}
	for ch, p := range chanPeak {
		if p > 1 {
			t.Errorf("channel %s peak concurrent runs = %d, want <= 1", ch, p)
		}
	}

	finished := 0
	waitFor(t, "finished events on the bus", func() bool {
		for {
			select {
			case e := <-events:
				if e.Type == eventbus.TypeJobFinished {
					finished++
				}
			default:
				return finished == len(reqs)
			}
		}
	})
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	svc := New(Config{}, runner, &fakeNotifier{}, testDirectory(), eventbus.New(), logx.Nop())

	adm := svc.Enqueue(JobRequest{ChannelID: "chan-a"})
	if adm.Accepted || adm.Reason != ReasonStopped {
		t.Fatalf("admission before start = %+v", adm)
	}

	svc.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)

	adm = svc.Enqueue(JobRequest{ChannelID: "chan-a"})
	if adm.Accepted || adm.Reason != ReasonStopped {
		t.Fatalf("admission after stop = %+v", adm)
	}
}

func TestFailureMessageAndFallback(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.result = func(string) executor.Result {
		return executor.Result{Reason: "não há dados de cronograma para o período solicitado."}
	}
	notifier := &fakeNotifier{}
	svc := newTestService(t, Config{Workers: 1, AdminChannelID: "admin"}, runner, notifier)

	if adm := svc.Enqueue(JobRequest{ChannelID: "chan-a", Trigger: TriggerCommand}); !adm.Accepted {
		t.Fatal("admission rejected")
	}
	<-runner.started
	runner.release <- struct{}{}

	waitFor(t, "failure recorded", func() bool { return svc.Snapshot().Failed == 1 })

	notifier.mu.Lock()
	edits := len(notifier.edits)
	notifier.mu.Unlock()
	if edits != 1 {
		t.Fatalf("edits = %d", edits)
	}

	waitFor(t, "admin notification", func() bool { return len(notifier.sentTo("admin")) == 1 })
	adminMsgs := notifier.sentTo("admin")
	if !strings.Contains(adminMsgs[0], "Obra A") || !strings.Contains(adminMsgs[0], "chan-a") {
		t.Errorf("admin message = %q", adminMsgs[0])
	}
}
