// Package notifier turns failed or partial backup cycles into operator
// alerts. Delivery is best-effort: rate-limited, deduplicated within a
// window, and never allowed to block the scheduler.
package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"opsdash/internal/eventbus"
	"opsdash/internal/schedule"
	"opsdash/internal/storage"
	logx "opsdash/pkg/logx"
)

// Sender delivers one alert message. The only production implementation is
// Telegram; tests inject fakes.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	RatePerSec  int           // default 1
	DedupWindow time.Duration // 0 disables dedup
	SendTimeout time.Duration // default 10s
}

type Service struct {
	log    logx.Logger
	cfg    Config
	sender Sender
	store  storage.Store // may be nil (dedup disabled)

	limiter *rate.Limiter

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, sender Sender, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Service{
		log:     log,
		cfg:     cfg,
		sender:  sender,
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Start subscribes to the bus and alerts on failed/partial cycles until Stop.
func (s *Service) Start(bus eventbus.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ch, unsub := bus.Subscribe(16)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.handle(ctx, ev)
			}
		}
	}()
	s.log.Debug("alert notifier started")
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Debug("alert notifier stopped")
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	if ev.Type != eventbus.TypeCycleCompleted {
		return
	}
	cycle, ok := ev.Data.(schedule.CycleEvent)
	if !ok {
		return
	}
	if cycle.Status != schedule.StatusFailed && cycle.Status != schedule.StatusPartial {
		return
	}

	if s.isDuplicate(ctx, cycle) {
		s.log.Debug("alert suppressed (dedup window)", logx.String("status", string(cycle.Status)))
		return
	}
	if !s.limiter.Allow() {
		s.log.Debug("alert dropped (rate limited)", logx.String("status", string(cycle.Status)))
		return
	}

	msg := formatAlert(cycle)
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.sender.Send(sctx, msg); err != nil {
		s.log.Warn("alert delivery failed", logx.Err(err))
	}
}

// isDuplicate consults the dedup store; any storage failure means "not a
// duplicate" so alerts still flow when storage is down.
func (s *Service) isDuplicate(ctx context.Context, cycle schedule.CycleEvent) bool {
	if s.store == nil || s.cfg.DedupWindow <= 0 {
		return false
	}
	key := dedupKey(cycle)
	_, seen, err := s.store.GetDedup(ctx, key)
	if err != nil {
		return false
	}
	if seen {
		return true
	}
	_ = s.store.PutDedup(ctx, key, time.Now().Add(s.cfg.DedupWindow))
	return false
}

func dedupKey(cycle schedule.CycleEvent) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(string(cycle.Status)))
	for _, e := range cycle.Errors {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(e))
	}
	return fmt.Sprintf("alert:%x", h.Sum64())
}

func formatAlert(cycle schedule.CycleEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backup cycle %s: %d/%d targets succeeded (%s)",
		cycle.Status, len(cycle.Generated), cycle.Targets, cycle.Took.Round(time.Millisecond))
	for _, e := range cycle.Errors {
		b.WriteString("\n- ")
		b.WriteString(e)
	}
	return b.String()
}
