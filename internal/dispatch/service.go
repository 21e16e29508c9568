// Package dispatch runs the scheduler loop: a single dispatcher goroutine
// pops due tasks off a min-heap cache of the store, hands them to a bounded
// worker pool, and applies each outcome back to the store.
//
// The heap is a cache, never the source of truth. It is rebuilt from the
// store on a resync interval; local changes update it in place. Every pop
// re-reads the store row, so a cancellation landing between enqueue and pop
// costs at most one extra attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dripbot/internal/delivery"
	"dripbot/internal/eventbus"
	"dripbot/internal/task"
	"dripbot/internal/task/store"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// Sender performs one classified delivery attempt.
type Sender interface {
	Send(ctx context.Context, to kit.Target, p kit.Payload) delivery.Outcome
}

// AttachmentResolver turns a stored attachment id into a local file path.
type AttachmentResolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// Notifier delivers best-effort owner notifications.
type Notifier interface {
	Notify(ownerID int64, text string)
}

type Config struct {
	Workers           int           // concurrent sends, default 4
	MaxRetries        int           // transient attempts before failed, default 3
	ResyncInterval    time.Duration // full heap rebuild period, default 60s
	Horizon           time.Duration // due-soon window loaded on resync, default 5m
	StoreRetries      int           // extra attempts per store call, default 3
	StoreRetryBackoff time.Duration // base wait between store retries, default 200ms
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = time.Minute
	}
	if c.Horizon <= 0 {
		c.Horizon = 5 * time.Minute
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = 3
	}
	if c.StoreRetryBackoff <= 0 {
		c.StoreRetryBackoff = 200 * time.Millisecond
	}
	return c
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	QueueLen int
	InFlight int
}

type result struct {
	t   task.DeliveryTask // pop-time row
	out delivery.Outcome
}

type Service struct {
	cfg    Config
	store  store.Store
	sender Sender
	attach AttachmentResolver
	notify Notifier
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	q        *queue
	wake     chan struct{}
	sem      chan struct{}
	results  chan result
	inflight map[string]struct{} // target keys with a send running
	deferred map[string][]*item  // due items parked behind an in-flight send
}

func New(cfg Config, st store.Store, sender Sender, attach AttachmentResolver, notify Notifier, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		sender:   sender,
		attach:   attach,
		notify:   notify,
		bus:      bus,
		log:      log,
		now:      time.Now,
		q:        newQueue(),
		wake:     make(chan struct{}, 1),
		sem:      make(chan struct{}, cfg.Workers),
		results:  make(chan result, cfg.Workers),
		inflight: map[string]struct{}{},
		deferred: map[string][]*item{},
	}
}

// Add enqueues a locally created or rescheduled task without waiting for
// the next resync.
func (s *Service) Add(id int64, at time.Time, priority int) {
	s.q.add(id, at, priority)
	s.poke()
}

// Remove drops a locally cancelled task from the heap. The store row is the
// authority; a concurrent pop re-reads it and discards the task anyway.
func (s *Service) Remove(id int64) {
	s.q.remove(id)
	s.poke()
}

func (s *Service) Stats() Snapshot {
	return Snapshot{QueueLen: s.q.len(), InFlight: len(s.sem)}
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done. In-flight sends finish and their outcomes
// are persisted; undispatched due tasks stay pending/active in the store.
func (s *Service) Run(ctx context.Context) error {
	if err := s.resync(ctx); err != nil {
		return fmt.Errorf("initial resync: %w", err)
	}

	resync := time.NewTicker(s.cfg.ResyncInterval)
	defer resync.Stop()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if err := s.dispatchDue(ctx); err != nil {
			s.drain()
			return err
		}
		if err := ctx.Err(); err != nil {
			s.drain()
			return nil
		}

		var sleep <-chan time.Time
		if _, at, ok := s.q.peek(); ok {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(at.Sub(s.now()))
			sleep = timer.C
		}

		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case <-resync.C:
			if err := s.resync(ctx); err != nil {
				s.log.Error("resync failed after retries, halting dispatch", logx.Err(err))
				s.drain()
				return err
			}
		case <-s.wake:
		case <-sleep:
		case r := <-s.results:
			if err := s.finish(ctx, r); err != nil {
				s.drain()
				return err
			}
		}
	}
}

// retryStore runs one store call, retrying with a linear backoff so a busy
// database does not halt the loop. Only an error that survives every
// attempt escalates; ErrNotFound is a definitive answer, never retried.
func (s *Service) retryStore(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, task.ErrNotFound) {
			return err
		}
		if attempt >= s.cfg.StoreRetries || ctx.Err() != nil {
			return err
		}
		s.log.Warn("task store call failed, retrying",
			logx.String("op", op), logx.Int("attempt", attempt+1), logx.Err(err))
		select {
		case <-time.After(s.cfg.StoreRetryBackoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return err
		}
	}
}

// transition applies one guarded status transition under retryStore.
func (s *Service) transition(ctx context.Context, op string, fn func() (bool, error)) (bool, error) {
	var ok bool
	err := s.retryStore(ctx, op, func() error {
		var e error
		ok, e = fn()
		return e
	})
	return ok, err
}

// resync rebuilds the heap from the store's due-soon subset.
func (s *Service) resync(ctx context.Context) error {
	var due []task.DeliveryTask
	err := s.retryStore(ctx, "due", func() error {
		var e error
		due, e = s.store.Due(ctx, s.now().Add(s.cfg.Horizon))
		return e
	})
	if err != nil {
		return err
	}
	fresh := make([]*item, 0, len(due))
	for _, t := range due {
		fresh = append(fresh, &item{id: t.ID, at: t.NextSendAt, priority: t.Priority})
	}
	s.q.replaceAll(fresh)
	s.log.Debug("queue resynced", logx.Int("tasks", len(fresh)))
	return nil
}

// dispatchDue pops every currently due item and hands it to a worker,
// blocking on the worker pool when it is full.
func (s *Service) dispatchDue(ctx context.Context) error {
	for {
		it, ok := s.q.popDue(s.now())
		if !ok {
			return nil
		}

		var t task.DeliveryTask
		err := s.retryStore(ctx, "get", func() error {
			var e error
			t, e = s.store.Get(ctx, it.id)
			return e
		})
		if errors.Is(err, task.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Error("due task read failed, halting dispatch",
				logx.Int64("task_id", it.id), logx.Err(err))
			return err
		}
		// Cancellation re-check: the store row decides, not the heap.
		if t.Status != task.StatusPending && t.Status != task.StatusActive {
			continue
		}

		// A recurring task past its window completes without a send.
		if t.Schedule.Kind == task.ScheduleRecurring && !s.now().Before(t.Schedule.EndTime) {
			if err := s.complete(ctx, t); err != nil {
				return err
			}
			continue
		}

		key := targetKey(t.Target)
		if _, busy := s.inflight[key]; busy {
			s.deferred[key] = append(s.deferred[key], it)
			continue
		}

		// Acquire a worker slot, applying outcomes while we wait.
		for acquired := false; !acquired; {
			select {
			case s.sem <- struct{}{}:
				acquired = true
			case r := <-s.results:
				if err := s.finish(ctx, r); err != nil {
					return err
				}
			case <-ctx.Done():
				// Not dispatched: the row stays pending/active for restart.
				return nil
			}
		}
		s.inflight[key] = struct{}{}
		go s.attempt(ctx, t)
	}
}

// attempt runs in a worker goroutine. It never touches the heap or the
// store; the dispatcher applies the outcome.
func (s *Service) attempt(ctx context.Context, t task.DeliveryTask) {
	defer func() { <-s.sem }()

	p := kit.Payload{Text: t.Payload.Text, MediaKind: t.Payload.MediaKind}
	if t.Payload.AttachmentID != "" {
		path, err := s.attach.Resolve(ctx, t.Payload.AttachmentID)
		if err != nil {
			// A vanished attachment cannot be retried into existence.
			s.results <- result{t: t, out: delivery.Fatal("attachment unavailable: "+err.Error(), err)}
			return
		}
		p.MediaPath = path
	}
	s.results <- result{t: t, out: s.sender.Send(ctx, t.Target, p)}
}

// finish applies one outcome per the task state machine. Runs only on the
// dispatcher goroutine. A store error is returned and halts the loop.
func (s *Service) finish(ctx context.Context, r result) error {
	t, out := r.t, r.out
	key := targetKey(t.Target)
	delete(s.inflight, key)
	if parked := s.deferred[key]; len(parked) > 0 {
		delete(s.deferred, key)
		for _, it := range parked {
			s.q.add(it.id, it.at, it.priority)
		}
	}

	now := s.now()
	switch out.Kind {
	case delivery.OutcomeSent:
		if t.Schedule.Kind == task.ScheduleRecurring {
			if !now.Before(t.Schedule.EndTime) {
				return s.complete(ctx, t)
			}
			next := now.Add(t.Schedule.Interval)
			ok, err := s.transition(ctx, "advance", func() (bool, error) {
				return s.store.AdvanceRecurring(ctx, t.ID, next)
			})
			if err != nil {
				return s.storeFailed(t.ID, err)
			}
			if ok {
				s.q.add(t.ID, next, t.Priority)
				s.publish(eventbus.TaskSent, t.ID)
			}
			return nil
		}
		ok, err := s.transition(ctx, "mark_sent", func() (bool, error) {
			return s.store.MarkSent(ctx, t.ID)
		})
		if err != nil {
			return s.storeFailed(t.ID, err)
		}
		if ok {
			s.publish(eventbus.TaskSent, t.ID)
			s.notifyOwner(t, fmt.Sprintf("Scheduled message %d delivered.", t.ID))
		}
		return nil

	case delivery.OutcomeFatal:
		return s.fail(ctx, t, out.Reason)

	case delivery.OutcomeTransient:
		if t.RetryCount+1 > s.cfg.MaxRetries {
			return s.fail(ctx, t, "retries exhausted: "+errText(out.Err))
		}
		next := now.Add(out.Wait)
		ok, err := s.transition(ctx, "bump_retry", func() (bool, error) {
			return s.store.BumpRetry(ctx, t.ID, next)
		})
		if err != nil {
			return s.storeFailed(t.ID, err)
		}
		if ok {
			s.q.add(t.ID, next, t.Priority)
			s.publish(eventbus.TaskRetried, t.ID)
			s.log.Debug("delivery retry scheduled",
				logx.Int64("task_id", t.ID),
				logx.Int("attempt", t.RetryCount+1),
				logx.Duration("wait", out.Wait))
		}
		return nil
	}
	return nil
}

func (s *Service) complete(ctx context.Context, t task.DeliveryTask) error {
	ok, err := s.transition(ctx, "complete", func() (bool, error) {
		return s.store.Complete(ctx, t.ID)
	})
	if err != nil {
		return s.storeFailed(t.ID, err)
	}
	if ok {
		s.publish(eventbus.TaskCompleted, t.ID)
		s.notifyOwner(t, fmt.Sprintf("Recurring task %d finished its schedule.", t.ID))
	}
	return nil
}

func (s *Service) fail(ctx context.Context, t task.DeliveryTask, reason string) error {
	ok, err := s.transition(ctx, "mark_failed", func() (bool, error) {
		return s.store.MarkFailed(ctx, t.ID, reason)
	})
	if err != nil {
		return s.storeFailed(t.ID, err)
	}
	if ok {
		s.publish(eventbus.TaskFailed, t.ID)
		s.notifyOwner(t, fmt.Sprintf("Task %d failed: %s", t.ID, reason))
		s.log.Warn("task failed",
			logx.Int64("task_id", t.ID), logx.String("reason", reason))
	}
	return nil
}

func (s *Service) storeFailed(id int64, err error) error {
	s.log.Error("task store write failed after retries, halting dispatch",
		logx.Int64("task_id", id), logx.Err(err))
	return err
}

func (s *Service) publish(typ string, id int64) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: id})
}

func (s *Service) notifyOwner(t task.DeliveryTask, text string) {
	if s.notify == nil {
		return
	}
	s.notify.Notify(t.OwnerID, text)
}

// drain waits for in-flight workers and persists their outcomes so a send
// that completed during shutdown is not repeated after restart.
func (s *Service) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < s.cfg.Workers; {
		select {
		case s.sem <- struct{}{}:
			i++
		case r := <-s.results:
			_ = s.finish(ctx, r)
		}
	}
	for {
		select {
		case r := <-s.results:
			_ = s.finish(ctx, r)
		default:
			return
		}
	}
}

func targetKey(to kit.Target) string {
	if to.Username != "" {
		return "@" + to.Username
	}
	return fmt.Sprintf("%d/%d", to.ChatID, to.ThreadID)
}

func errText(err error) string {
	if err == nil {
		return "transient failure"
	}
	return err.Error()
}
