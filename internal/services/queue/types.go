// Package queue admits report requests and executes them on a fixed worker
// pool. Admission enforces at most one active job per channel, with a lazy
// staleness reclaim that force-terminates runs stuck past the limit.
package queue

import (
	"context"
	"time"

	"reportbot/internal/command"
	"reportbot/internal/services/executor"
	kit "reportbot/internal/transport"
)

type Trigger string

const (
	TriggerCommand  Trigger = "command"
	TriggerSchedule Trigger = "schedule"
)

// Admission rejection reasons.
const (
	ReasonAlreadyProcessing = "already_processing"
	ReasonQueueFull         = "queue_full"
	ReasonStopped           = "stopped"
)

type Config struct {
	Workers   int
	QueueSize int
	// StaleAfter is how long a job may stay active before a new request for
	// the same channel reclaims its slot.
	StaleAfter time.Duration
	// AdminChannelID receives failure notifications when set.
	AdminChannelID string
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
}

// JobRequest is one report generation request.
type JobRequest struct {
	ID          string
	ChannelID   string
	Params      command.ReportParams
	Trigger     Trigger
	RequestedBy string
	EnqueuedAt  time.Time
}

// Admission is the outcome of Enqueue.
type Admission struct {
	Accepted bool
	// Position is the number of requests already waiting at admission time
	// (0 means the job will likely start immediately). Best effort: the pool
	// may drain entries concurrently.
	Position int
	// Reason explains a rejection.
	Reason string
	// ActiveFor is how long the blocking job has been running, for
	// "already processing" rejections.
	ActiveFor time.Duration
	// Reclaimed is set when admission force-terminated a stale job.
	Reclaimed bool
}

type activeJob struct {
	requestID string
	startedAt time.Time
	cancel    context.CancelFunc
	// done is closed when the slot frees, waking workers that hold a
	// pending request for the same channel.
	done chan struct{}
}

type WorkerState string

const (
	WorkerIdle       WorkerState = "idle"
	WorkerProcessing WorkerState = "processing"
)

type WorkerInfo struct {
	Index     int
	State     WorkerState
	ChannelID string
	Since     time.Time
}

type ActiveInfo struct {
	ChannelID string
	RequestID string
	StartedAt time.Time
}

// Snapshot is a point-in-time view for diagnostics and the status command.
type Snapshot struct {
	Running   bool
	QueueLen  int
	QueueCap  int
	Workers   []WorkerInfo
	Active    []ActiveInfo
	Processed uint64
	Failed    uint64
	Dropped   uint64
}

// Runner abstracts the report generator.
type Runner interface {
	Run(ctx context.Context, channelID string, p command.ReportParams) executor.Result
}

// Notifier abstracts the outbound message gateway.
type Notifier interface {
	Send(ctx context.Context, channelID, text string) (kit.MessageRef, error)
	Edit(ctx context.Context, ref kit.MessageRef, text string) error
}
