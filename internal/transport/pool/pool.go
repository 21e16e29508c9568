// Package pool manages live transport clients keyed by account name.
// Clients are built lazily, shared between concurrent acquirers, and torn
// down after sitting idle.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

var ErrClosed = errors.New("transport pool closed")

// Factory builds a client for an account. Called at most once per account
// while the client stays healthy.
type Factory func(ctx context.Context, account string) (kit.Client, error)

type Config struct {
	// IdleTimeout evicts clients with no borrowers for this long.
	// Zero disables eviction.
	IdleTimeout time.Duration
	// SweepInterval is how often eviction runs. Defaults to IdleTimeout.
	SweepInterval time.Duration
}

type entry struct {
	client   kit.Client
	refs     int
	lastUsed time.Time
}

type Pool struct {
	cfg     Config
	factory Factory
	log     logx.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, factory Factory, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.IdleTimeout
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		log:     log,
		entries: map[string]*entry{},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		go p.janitor()
	} else {
		close(p.done)
	}
	return p
}

// Acquire returns the account's client, building it on first use. The
// release func must be called exactly once; the client stays alive while
// any borrower holds it.
func (p *Pool) Acquire(ctx context.Context, account string) (kit.Client, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if e, ok := p.entries[account]; ok {
		e.refs++
		p.mu.Unlock()
		return e.client, p.releaseFn(account), nil
	}
	p.mu.Unlock()

	// Build outside the lock; client construction can block on the network.
	client, err := p.factory(ctx, account)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = client.Close()
		return nil, nil, ErrClosed
	}
	if e, ok := p.entries[account]; ok {
		// Lost the race with another acquirer. Keep theirs.
		e.refs++
		p.mu.Unlock()
		_ = client.Close()
		return e.client, p.releaseFn(account), nil
	}
	p.entries[account] = &entry{client: client, refs: 1, lastUsed: time.Now()}
	p.mu.Unlock()
	return client, p.releaseFn(account), nil
}

func (p *Pool) releaseFn(account string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if e, ok := p.entries[account]; ok {
				e.refs--
				e.lastUsed = time.Now()
			}
			p.mu.Unlock()
		})
	}
}

// Drop closes and forgets an account's client regardless of idleness.
// Borrowed clients are closed under their users; callers use this after a
// client turns unhealthy.
func (p *Pool) Drop(account string) {
	p.mu.Lock()
	e, ok := p.entries[account]
	if ok {
		delete(p.entries, account)
	}
	p.mu.Unlock()
	if ok {
		_ = e.client.Close()
	}
}

func (p *Pool) janitor() {
	defer close(p.done)
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	var victims []kit.Client
	p.mu.Lock()
	for account, e := range p.entries {
		if e.refs == 0 && e.lastUsed.Before(cutoff) {
			victims = append(victims, e.client)
			delete(p.entries, account)
			p.log.Debug("evicting idle transport client", logx.String("account", account))
		}
	}
	p.mu.Unlock()
	for _, c := range victims {
		_ = c.Close()
	}
}

// Close stops the janitor and closes every client. Acquire fails afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	clients := make([]kit.Client, 0, len(p.entries))
	for _, e := range p.entries {
		clients = append(clients, e.client)
	}
	p.entries = map[string]*entry{}
	p.mu.Unlock()

	close(p.stop)
	<-p.done

	var first error
	for _, c := range clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
