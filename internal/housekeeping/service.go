// Package housekeeping runs cron-driven retention sweeps over the backup
// output directory so old artifacts don't fill the disk.
package housekeeping

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"opsdash/internal/eventbus"
	logx "opsdash/pkg/logx"
)

const defaultSpec = "0 3 * * *"

type Config struct {
	Spec   string // crontab expression; default "0 3 * * *"
	MaxAge time.Duration
	Dir    string
}

// SweepEvent summarizes one retention sweep.
type SweepEvent struct {
	Removed int
	Freed   int64 // bytes
}

type Service struct {
	log logx.Logger
	cfg Config
	bus eventbus.Bus

	now func() time.Time

	mu     sync.Mutex
	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		cfg:    cfg,
		bus:    bus,
		now:    time.Now,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if s.cfg.MaxAge <= 0 {
		return errors.New("housekeeping: max_age must be > 0")
	}
	spec := s.cfg.Spec
	if spec == "" {
		spec = defaultSpec
	}

	c := cron.New(cron.WithParser(s.parser))
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.Sweep(); err != nil {
			s.log.Warn("retention sweep failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("retention sweeps scheduled", logx.String("spec", spec), logx.Duration("max_age", s.cfg.MaxAge))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep removes artifacts in the output directory older than MaxAge. Only
// regular files in the top level are considered; removal failures are logged
// and skipped so one stuck file doesn't abort the sweep.
func (s *Service) Sweep() (SweepEvent, error) {
	cutoff := s.now().Add(-s.cfg.MaxAge)

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return SweepEvent{}, err
	}

	var ev SweepEvent
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.cfg.Dir, ent.Name())
		if err := os.Remove(path); err != nil {
			s.log.Warn("artifact removal failed", logx.String("path", path), logx.Err(err))
			continue
		}
		ev.Removed++
		ev.Freed += info.Size()
	}

	if ev.Removed > 0 {
		s.log.Info("retention sweep done", logx.Int("removed", ev.Removed), logx.Int64("freed_bytes", ev.Freed))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRetentionSweep, Data: ev})
	}
	return ev, nil
}
