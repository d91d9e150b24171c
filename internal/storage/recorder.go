package storage

import (
	"context"
	"time"

	"reportbot/internal/eventbus"
	logx "reportbot/pkg/logx"
)

// Recorder persists finished-job events from the bus into a Store. It is the
// only consumer the run history needs; services publish and stay decoupled
// from persistence.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger

	unsub func()
	done  chan struct{}
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, log: log}
}

func (r *Recorder) Start() {
	if r.unsub != nil {
		return
	}
	ch, unsub := r.bus.Subscribe(32)
	r.unsub = unsub
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for e := range ch {
			if e.Type != eventbus.TypeJobFinished {
				continue
			}
			rec, ok := e.Data.(RunRecord)
			if !ok {
				r.log.Warn("job.finished event with unexpected payload",
					logx.Any("data", e.Data))
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := r.store.AppendRun(ctx, rec)
			cancel()
			if err != nil {
				r.log.Warn("run history write failed", logx.Err(err))
			}
		}
	}()
}

// Stop unsubscribes and waits for in-flight writes to finish.
func (r *Recorder) Stop() {
	if r.unsub == nil {
		return
	}
	r.unsub()
	<-r.done
	r.unsub = nil
	r.done = nil
}
