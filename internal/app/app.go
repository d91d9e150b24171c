// Package app wires the configuration, transport, queue, poller and
// schedule into one runnable bot.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"reportbot/internal/channels"
	"reportbot/internal/command"
	"reportbot/internal/config"
	"reportbot/internal/eventbus"
	"reportbot/internal/router"
	"reportbot/internal/services/executor"
	"reportbot/internal/services/notify"
	"reportbot/internal/services/poller"
	"reportbot/internal/services/queue"
	"reportbot/internal/services/schedule"
	"reportbot/internal/storage"
	kit "reportbot/internal/transport"
	"reportbot/internal/transport/discord"
	logx "reportbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log      logx.Logger
	logs     *logx.Service
	bus      eventbus.Bus
	store    storage.Store
	recorder *storage.Recorder

	adapter kit.Adapter
	dir     *channels.Directory
	gateway *notify.Gateway

	queue  *queue.Service
	router *router.Router
	poller *poller.Service
	sched  *schedule.Service

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
	cfgCh       chan *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "discord"))
	adapter, err := discord.New(discord.Config{
		Token:          cfg.Discord.Token,
		APIBase:        cfg.Discord.APIBase,
		RequestTimeout: config.DurationOrDefault(cfg.Discord.RequestTimeout, 15*time.Second),
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg), logSender{adapter})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	var store storage.Store
	var recorder *storage.Recorder
	if sc, enabled := mapStorageConfig(cfg); enabled {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		recorder = storage.NewRecorder(store, bus, log.With(logx.String("comp", "storage")))
		log.Info("run history enabled", logx.String("driver", sc.Driver))
	}

	dir := channels.NewDirectory()
	dir.Update(cfg.Channels)

	gateway := notify.New(mapNotifierConfig(cfg), adapter, log.With(logx.String("comp", "notify")))

	exec, err := executor.New(executor.Config{
		Command: cfg.Executor.Command,
		Dir:     cfg.Executor.Dir,
		Timeout: config.DurationOrDefault(cfg.Executor.Timeout, 0),
	}, log.With(logx.String("comp", "executor")))
	if err != nil {
		return nil, err
	}

	q := queue.New(queue.Config{
		Workers:        cfg.Queue.Workers,
		QueueSize:      cfg.Queue.QueueSize,
		StaleAfter:     config.DurationOrDefault(cfg.Queue.StaleAfter, 0),
		AdminChannelID: cfg.Discord.AdminChannelID,
	}, exec, gateway, dir, bus, log.With(logx.String("comp", "queue")))

	rt := router.New(q, dir, gateway, store, log.With(logx.String("comp", "router")))
	rt.SetHolidayCutoff(parseCutoff(cfg.Reports.HolidayCutoff))

	pol := poller.New(mapPollerConfig(cfg), adapter, dir, rt, bus, log.With(logx.String("comp", "poller")))

	var sched *schedule.Service
	if cfg.Schedule != nil {
		sched = schedule.New(schedule.Config{
			Enabled:       cfg.Schedule.Enabled,
			Spec:          cfg.Schedule.Spec,
			Timezone:      cfg.Schedule.Timezone,
			HideDashboard: cfg.Schedule.HideDashboard,
		}, rt.ScheduledRun, log.With(logx.String("comp", "schedule")))
	}

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logs,
		bus:      bus,
		store:    store,
		recorder: recorder,
		adapter:  adapter,
		dir:      dir,
		gateway:  gateway,
		queue:    q,
		router:   rt,
		poller:   pol,
		sched:    sched,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if a.recorder != nil {
		a.recorder.Start()
	}
	a.queue.Start(ctx)
	a.poller.Start(ctx)
	if a.sched != nil {
		if err := a.sched.Start(); err != nil {
			return err
		}
	}
	a.startConfigWatch(ctx)
	a.log.Info("bot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.stopConfigWatch()
	if a.sched != nil {
		a.sched.Stop()
	}
	a.poller.Stop(ctx)
	a.queue.Stop(ctx)
	if a.recorder != nil {
		a.recorder.Stop()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("bot stopped")
	_ = a.logs.Close()
	return nil
}

func (a *App) startConfigWatch(ctx context.Context) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if a.watchCancel != nil {
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.watchDone = make(chan struct{})
	a.cfgCh = a.cfgm.Subscribe(2)
	done := a.watchDone
	cfgCh := a.cfgCh

	go func() { _ = a.cfgm.Watch(wctx) }()
	go func() {
		defer close(done)
		for {
			select {
			case <-wctx.Done():
				return
			case cfg, ok := <-cfgCh:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()
}

func (a *App) stopConfigWatch() {
	a.watchMu.Lock()
	cancel := a.watchCancel
	done := a.watchDone
	ch := a.cfgCh
	a.watchCancel = nil
	a.watchDone = nil
	a.cfgCh = nil
	a.watchMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if ch != nil {
		a.cfgm.Unsubscribe(ch)
	}
	if done != nil {
		<-done
	}
}

// applyConfig propagates hot-reloadable settings. Worker-pool sizing and
// transport credentials need a restart and are intentionally not touched.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.dir.Update(cfg.Channels)
	a.logs.Apply(mapLoggingConfig(cfg))
	a.router.SetHolidayCutoff(parseCutoff(cfg.Reports.HolidayCutoff))
	a.log.Info("config applied", logx.Int("channels", len(cfg.Channels)))
}

// logSender feeds admin-channel log records through the transport.
type logSender struct{ adapter kit.Adapter }

func (s logSender) Send(ctx context.Context, channelID, text string) error {
	_, err := s.adapter.SendMessage(ctx, channelID, text)
	return err
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Admin: logx.AdminConfig{
			Enabled:    cfg.Logging.Admin.Enabled,
			ChannelID:  cfg.Discord.AdminChannelID,
			MinLevel:   cfg.Logging.Admin.MinLevel,
			RatePerSec: cfg.Logging.Admin.RatePerSec,
		},
	}
}

func mapNotifierConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		MinDelay:       config.DurationOrDefault(cfg.Notifier.MinDelay, 0),
		RetryMax:       cfg.Notifier.RetryMax,
		RetryBase:      config.DurationOrDefault(cfg.Notifier.RetryBase, 0),
		RetryMaxDelay:  config.DurationOrDefault(cfg.Notifier.RetryMaxDelay, 0),
		CooldownMargin: config.DurationOrDefault(cfg.Notifier.CooldownMargin, 0),
		CallTimeout:    config.DurationOrDefault(cfg.Notifier.CallTimeout, 0),
	}
}

func mapPollerConfig(cfg *config.Config) poller.Config {
	return poller.Config{
		Tick:           config.DurationOrDefault(cfg.Poller.Tick, 0),
		BaseInterval:   config.DurationOrDefault(cfg.Poller.BaseInterval, 0),
		MaxInterval:    config.DurationOrDefault(cfg.Poller.MaxInterval, 0),
		ReconcileEvery: config.DurationOrDefault(cfg.Poller.ReconcileEvery, 0),
		HeartbeatEvery: config.DurationOrDefault(cfg.Poller.HeartbeatEvery, 0),
		FetchLimit:     cfg.Poller.FetchLimit,
		BotAllowlist:   cfg.Poller.BotAllowlist,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	if cfg.Storage == nil {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.DurationOrDefault(cfg.Storage.BusyTimeout, time.Second),
	}, true
}

func parseCutoff(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	t, err := command.ParseDate(raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
