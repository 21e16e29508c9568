// Package delivery performs single send attempts against a transport and
// classifies their results. Retry bookkeeping lives with the caller; the
// sender only paces attempts and says what happened.
package delivery

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// ClientSource hands out live transport clients. The release func must be
// called when the attempt is over.
type ClientSource interface {
	Acquire(ctx context.Context, account string) (kit.Client, func(), error)
}

type Config struct {
	// Account selects the transport identity used for sends.
	Account string
	// Rate and Burst configure the process-wide pacing limiter.
	Rate  rate.Limit
	Burst int
	// AttemptTimeout bounds one attempt end to end.
	AttemptTimeout time.Duration
	// RetryDelay is the backoff used when the transport gives no hint.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Rate <= 0 {
		c.Rate = rate.Limit(25)
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 15 * time.Second
	}
	return c
}

type Sender struct {
	cfg     Config
	clients ClientSource
	limiter *rate.Limiter
	log     logx.Logger
}

func NewSender(cfg Config, clients ClientSource, log logx.Logger) *Sender {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		cfg:     cfg,
		clients: clients,
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		log:     log,
	}
}

// Send performs one paced attempt. Transport hints win over the configured
// delay: a retry-after on the error becomes the transient wait verbatim.
func (s *Sender) Send(ctx context.Context, to kit.Target, p kit.Payload) Outcome {
	if err := s.limiter.Wait(ctx); err != nil {
		return Transient(s.cfg.RetryDelay, err)
	}

	client, release, err := s.clients.Acquire(ctx, s.cfg.Account)
	if err != nil {
		return s.classify(err)
	}
	defer release()

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	if p.MediaPath != "" {
		_, err = client.SendMedia(attemptCtx, to, p, nil)
	} else {
		_, err = client.SendText(attemptCtx, to, p.Text, nil)
	}
	if err == nil {
		return Sent()
	}
	out := s.classify(err)
	s.log.Debug("send attempt failed",
		logx.String("outcome", out.Kind.String()),
		logx.Int64("chat_id", to.ChatID),
		logx.Err(err))
	return out
}

func (s *Sender) classify(err error) Outcome {
	if wait, ok := kit.WaitHint(err); ok {
		return Transient(wait, err)
	}
	if kit.IsPermanent(err) {
		return Fatal(err.Error(), err)
	}
	return Transient(s.cfg.RetryDelay, err)
}
