// Package notify delivers best-effort owner notifications about terminal
// task outcomes. Losing one is acceptable; blocking the scheduler is not.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dripbot/internal/delivery"
	rtsup "dripbot/internal/runtime/supervisor"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// Prefs reads the per-owner notification switch.
type Prefs interface {
	NotifyPref(ctx context.Context, ownerID int64) (bool, error)
}

type Config struct {
	Enabled    bool
	Account    string
	Workers    int // default 2
	QueueSize  int // default 256
	RatePerSec int // default 3
}

type job struct {
	ownerID int64
	text    string
}

// Service is an async queue + worker pool. Notify never blocks; a full
// queue drops the notification with a log line.
type Service struct {
	cfg     Config
	clients delivery.ClientSource
	prefs   Prefs
	log     logx.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	queue     chan job
	sup       *rtsup.Supervisor
	accepting bool
}

func New(cfg Config, clients delivery.ClientSource, prefs Prefs, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		clients: clients,
		prefs:   prefs,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.queue != nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))),
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		s.sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil || s.stopping() {
				return context.Canceled
			}
			return errors.New("notify worker exited unexpectedly")
		})
	}
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.accepting
}

// Stop closes the queue and waits for the workers to finish draining it.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.queue == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	close(s.queue)
	sup := s.sup
	s.mu.Unlock()

	_ = sup.Wait(ctx)
	sup.Cancel()

	s.mu.Lock()
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()
}

// Notify queues a message for an owner. Fire and forget.
func (s *Service) Notify(ownerID int64, text string) {
	s.mu.Lock()
	q, ok := s.queue, s.accepting
	s.mu.Unlock()
	if q == nil || !ok {
		return
	}
	select {
	case q <- job{ownerID: ownerID, text: text}:
	default:
		s.log.Warn("notification dropped, queue full",
			logx.Int64("owner_id", ownerID))
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	enabled, err := s.prefs.NotifyPref(ctx, j.ownerID)
	if err != nil {
		s.log.Warn("notification pref read failed",
			logx.Int64("owner_id", j.ownerID), logx.Err(err))
		return
	}
	if !enabled {
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	client, release, err := s.clients.Acquire(ctx, s.cfg.Account)
	if err != nil {
		s.log.Warn("notification client unavailable",
			logx.Int64("owner_id", j.ownerID), logx.Err(err))
		return
	}
	defer release()

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	to := kit.Target{Kind: kit.TargetUser, ChatID: j.ownerID}
	if _, err := client.SendText(sendCtx, to, j.text, nil); err != nil {
		s.log.Warn("notification send failed",
			logx.Int64("owner_id", j.ownerID), logx.Err(err))
	}
}
