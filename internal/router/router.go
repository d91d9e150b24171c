// Package router connects incoming channel messages to the report queue:
// it parses commands, validates the channel and replies with admission
// feedback or diagnostics.
package router

import (
	"context"
	"sync"
	"time"

	"reportbot/internal/channels"
	"reportbot/internal/command"
	"reportbot/internal/services/queue"
	"reportbot/internal/storage"
	kit "reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

// Notifier is the send-only slice of the gateway the router needs.
type Notifier interface {
	Send(ctx context.Context, channelID, text string) (kit.MessageRef, error)
}

type Router struct {
	queue    *queue.Service
	dir      *channels.Directory
	notifier Notifier
	store    storage.Store // may be nil
	log      logx.Logger

	cutoffMu sync.Mutex
	cutoff   time.Time

	// now is swappable in tests.
	now func() time.Time
}

func New(q *queue.Service, dir *channels.Directory, notifier Notifier, store storage.Store, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		queue:    q,
		dir:      dir,
		notifier: notifier,
		store:    store,
		log:      log,
		now:      time.Now,
	}
}

// SetHolidayCutoff updates the reference date used by "última semana"
// requests. Zero means use the current date.
func (r *Router) SetHolidayCutoff(cutoff time.Time) {
	r.cutoffMu.Lock()
	r.cutoff = cutoff
	r.cutoffMu.Unlock()
}

func (r *Router) holidayCutoff() time.Time {
	r.cutoffMu.Lock()
	defer r.cutoffMu.Unlock()
	return r.cutoff
}

// Handle processes one incoming message. It reports whether the message was
// a command, which the poller uses to reset its cadence.
func (r *Router) Handle(ctx context.Context, msg kit.Message) bool {
	cmd, ok, err := command.Parse(msg.Text)
	if !ok {
		return false
	}
	if err != nil {
		r.reply(ctx, msg.ChannelID, "⚠️ "+err.Error())
		return true
	}

	r.log.Info("command received",
		logx.String("channel_id", msg.ChannelID),
		logx.String("author", msg.AuthorName),
		logx.String("kind", cmd.Kind.String()),
	)

	switch cmd.Kind {
	case command.KindGenerateReport:
		r.handleReport(ctx, msg, cmd.Params)
	case command.KindShowStatus:
		r.handleStatus(ctx, msg.ChannelID)
	case command.KindListChannels:
		r.reply(ctx, msg.ChannelID, msgChannelList(r.dir.All()))
	case command.KindHelp:
		r.reply(ctx, msg.ChannelID, msgHelp)
	}
	return true
}

func (r *Router) handleReport(ctx context.Context, msg kit.Message, params command.ReportParams) {
	if _, err := r.dir.Validate(msg.ChannelID); err != nil {
		r.reply(ctx, msg.ChannelID, "⚠️ "+capitalize(err.Error()))
		return
	}

	if params.LastWeek {
		params.Reference = command.LastFullWeek(r.now(), r.holidayCutoff())
		params.LastWeek = false
	}

	adm := r.queue.Enqueue(queue.JobRequest{
		ChannelID:   msg.ChannelID,
		Params:      params,
		Trigger:     queue.TriggerCommand,
		RequestedBy: msg.AuthorName,
	})

	switch {
	case adm.Accepted:
		// The worker posts the progress message itself; only queueing and
		// reclaims deserve immediate feedback.
		if adm.Reclaimed {
			r.reply(ctx, msg.ChannelID, msgReclaimed)
		} else if adm.Position > 0 {
			// Position counts requests ahead; users see their 1-based spot.
			r.reply(ctx, msg.ChannelID, msgQueued(adm.Position+1))
		}
	case adm.Reason == queue.ReasonAlreadyProcessing:
		r.reply(ctx, msg.ChannelID, msgAlreadyProcessing(adm.ActiveFor))
	case adm.Reason == queue.ReasonQueueFull:
		r.reply(ctx, msg.ChannelID, msgQueueFull)
	default:
		r.reply(ctx, msg.ChannelID, msgStopped)
	}
}

func (r *Router) handleStatus(ctx context.Context, channelID string) {
	snap := r.queue.Snapshot()

	var recent []storage.RunRecord
	if r.store != nil {
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		runs, err := r.store.RecentRuns(rctx, 5)
		cancel()
		if err != nil {
			r.log.Warn("run history read failed", logx.Err(err))
		} else {
			recent = runs
		}
	}

	r.reply(ctx, channelID, msgStatus(snap, recent, r.dir, r.now()))
}

// ScheduledRun enqueues a report for every active channel. Used by the
// cron trigger.
func (r *Router) ScheduledRun(hideDashboard bool) {
	ids := r.dir.Active()
	r.log.Info("scheduled report run", logx.Int("channels", len(ids)))
	for _, id := range ids {
		adm := r.queue.Enqueue(queue.JobRequest{
			ChannelID: id,
			Params:    command.ReportParams{HideDashboard: hideDashboard},
			Trigger:   queue.TriggerSchedule,
		})
		if !adm.Accepted {
			r.log.Warn("scheduled report rejected",
				logx.String("channel_id", id),
				logx.String("reason", adm.Reason),
			)
		}
	}
}

func (r *Router) reply(ctx context.Context, channelID, text string) {
	if _, err := r.notifier.Send(ctx, channelID, text); err != nil {
		r.log.Warn("reply failed",
			logx.String("channel_id", channelID),
			logx.Err(err),
		)
	}
}
