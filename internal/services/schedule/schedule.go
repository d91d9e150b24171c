// Package schedule fires the weekly automatic report run.
package schedule

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "reportbot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Spec is a cron expression, e.g. "0 8 * * MON". Empty means the
	// default Monday-morning run.
	Spec string
	// Timezone names the location for the cron clock, e.g.
	// "America/Sao_Paulo". Empty means the host local time.
	Timezone      string
	HideDashboard bool
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	fire func(hideDashboard bool)
	log  logx.Logger
}

// New builds the service; fire is invoked on each cron tick.
func New(cfg Config, fire func(hideDashboard bool), log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, fire: fire, log: log}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}

	spec := strings.TrimSpace(s.cfg.Spec)
	if spec == "" {
		spec = "0 8 * * MON"
	}

	var opts []cron.Option
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("schedule timezone %q: %w", tz, err)
		}
		opts = append(opts, cron.WithLocation(loc))
	}

	c := cron.New(opts...)
	hide := s.cfg.HideDashboard
	if _, err := c.AddFunc(spec, func() { s.fire(hide) }); err != nil {
		return fmt.Errorf("schedule spec %q: %w", spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("weekly schedule armed",
		logx.String("spec", spec),
		logx.String("timezone", s.cfg.Timezone),
		logx.Bool("hide_dashboard", hide),
	)
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	ctx := c.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}
