package queue

import (
	"context"

	"reportbot/internal/eventbus"
	"reportbot/internal/services/executor"
	"reportbot/internal/storage"
	kit "reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan JobRequest, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case req := <-queue:
			s.setWorker(idx, WorkerProcessing, req.ChannelID)
			s.execOne(ctx, req)
			s.setWorker(idx, WorkerIdle, "")
		}
	}
}

func (s *Service) setWorker(idx int, state WorkerState, channelID string) {
	s.workersMu.Lock()
	if idx < len(s.workers) {
		s.workers[idx] = WorkerInfo{Index: idx, State: state, ChannelID: channelID, Since: s.now()}
	}
	s.workersMu.Unlock()
}

func (s *Service) execOne(runCtx context.Context, req JobRequest) {
	jobCtx, cancel := context.WithCancel(runCtx)
	defer cancel()

	if !s.acquire(runCtx, req, cancel) {
		return
	}
	defer s.markDone(req.ChannelID, req.ID)

	project := s.dir.ProjectName(req.ChannelID)
	log := s.log.With(
		logx.String("channel_id", req.ChannelID),
		logx.String("request_id", req.ID),
		logx.String("project", project),
	)
	log.Info("report job started", logx.String("trigger", string(req.Trigger)))
	s.publish(eventbus.TypeJobStarted, map[string]string{
		"channel_id": req.ChannelID,
		"request_id": req.ID,
	})

	// The progress message is posted first and later edited into the final
	// result, so the channel sees a single message per request.
	var (
		progressRef kit.MessageRef
		haveRef     bool
	)
	if ref, err := s.notifier.Send(runCtx, req.ChannelID, msgStarted(project, req.Params)); err == nil {
		progressRef, haveRef = ref, true
	} else {
		log.Warn("progress message failed", logx.Err(err))
	}

	res := s.runner.Run(jobCtx, req.ChannelID, req.Params)

	// A canceled jobCtx with a live runCtx means admission reclaimed this
	// job; the replacement will post its own messages, so stay quiet.
	if jobCtx.Err() != nil && runCtx.Err() == nil {
		log.Warn("report job terminated by reclaim", logx.Duration("took", res.Took))
		s.failed.Add(1)
		s.record(req, project, res, "substituído por nova solicitação")
		return
	}
	if runCtx.Err() != nil {
		log.Info("report job aborted by shutdown")
		return
	}

	final := msgSuccess(project, res.ArtifactURL)
	if !res.OK {
		final = msgFailure(project, res.Reason)
	}

	s.deliver(runCtx, req.ChannelID, progressRef, haveRef, final, log)

	if res.OK {
		s.processed.Add(1)
	} else {
		s.failed.Add(1)
		if s.cfg.AdminChannelID != "" && s.cfg.AdminChannelID != req.ChannelID {
			if _, err := s.notifier.Send(runCtx, s.cfg.AdminChannelID, msgAdminFailure(project, req.ChannelID, res.Reason)); err != nil {
				log.Warn("admin notification failed", logx.Err(err))
			}
		}
	}

	s.record(req, project, res, "")
	log.Info("report job finished",
		logx.Bool("ok", res.OK),
		logx.Duration("took", res.Took),
		logx.Bool("artifact_found", res.ArtifactURL != ""),
	)
}

// deliver edits the progress message into the final text, falling back to a
// fresh send when the edit fails.
func (s *Service) deliver(ctx context.Context, channelID string, ref kit.MessageRef, haveRef bool, text string, log logx.Logger) {
	if haveRef {
		if err := s.notifier.Edit(ctx, ref, text); err == nil {
			return
		} else {
			log.Warn("result edit failed; sending new message", logx.Err(err))
		}
	}
	if _, err := s.notifier.Send(ctx, channelID, text); err != nil {
		log.Error("result message failed", logx.Err(err))
	}
}

// acquire claims the channel's active slot, waiting out any job already
// executing there. Pending duplicates are legal in the queue; only the
// execution itself is exclusive per channel.
func (s *Service) acquire(ctx context.Context, req JobRequest, cancel context.CancelFunc) bool {
	for {
		s.activeMu.Lock()
		cur, busy := s.active[req.ChannelID]
		if !busy {
			s.active[req.ChannelID] = &activeJob{
				requestID: req.ID,
				startedAt: s.now(),
				cancel:    cancel,
				done:      make(chan struct{}),
			}
			s.activeMu.Unlock()
			return true
		}
		wait := cur.done
		s.activeMu.Unlock()
		select {
		case <-ctx.Done():
			return false
		case <-wait:
		}
	}
}

// markDone removes the active entry only when it still belongs to this
// request; a reclaimed slot may already be owned by a newer job.
func (s *Service) markDone(channelID, requestID string) {
	s.activeMu.Lock()
	if aj, ok := s.active[channelID]; ok && aj.requestID == requestID {
		delete(s.active, channelID)
		close(aj.done)
	}
	s.activeMu.Unlock()
}

// record publishes the finished-job event; the storage recorder subscribed
// to the bus turns it into a run-history row.
func (s *Service) record(req JobRequest, project string, res executor.Result, overrideErr string) {
	rec := storage.RunRecord{
		At:          s.now(),
		ChannelID:   req.ChannelID,
		ProjectID:   project,
		Trigger:     string(req.Trigger),
		OK:          res.OK,
		ArtifactURL: res.ArtifactURL,
		DurationMS:  res.Took.Milliseconds(),
	}
	switch {
	case overrideErr != "":
		rec.OK = false
		rec.Error = overrideErr
	case !res.OK:
		rec.Error = res.Reason
	}
	s.publish(eventbus.TypeJobFinished, rec)
}
