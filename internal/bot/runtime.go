// Package bot owns the Telegram runtime: the main update loop and the
// auxiliary webhook listener it supervises.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"oraclebot/internal/bot/webhook"
	rtsup "oraclebot/internal/runtime/supervisor"
	"oraclebot/internal/storage"
	logx "oraclebot/pkg/logx"
)

var (
	// ErrAlreadyConstructed is returned by a Builder asked for a second runtime.
	ErrAlreadyConstructed = errors.New("bot: runtime already constructed")
	// ErrLoopExited reports the update loop returning without a stop request.
	ErrLoopExited = errors.New("bot: update loop exited unexpectedly")
)

type Config struct {
	Token       string
	APIURL      string
	PollTimeout time.Duration

	WebhookEnabled bool
	Webhook        webhook.Config

	// StopGrace bounds how long Stop waits for the update loop. Default 2s.
	StopGrace time.Duration
}

// UserStore is the slice of storage the handlers need.
type UserStore interface {
	TouchUser(ctx context.Context, u storage.User) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Option func(*options)

type options struct {
	settings    func(*tele.Settings)
	listenerOps []webhook.Option
}

// WithSettings adjusts the telebot settings before the bot is created.
func WithSettings(fn func(*tele.Settings)) Option {
	return func(o *options) { o.settings = fn }
}

// WithListenerOptions forwards options to the webhook listener.
func WithListenerOptions(opts ...webhook.Option) Option {
	return func(o *options) { o.listenerOps = append(o.listenerOps, opts...) }
}

// Builder hands out at most one Runtime.
type Builder struct {
	cfg   Config
	store UserStore
	log   logx.Logger
	opts  []Option

	built atomic.Bool
}

func NewBuilder(cfg Config, store UserStore, log logx.Logger, opts ...Option) *Builder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Builder{cfg: cfg, store: store, log: log, opts: opts}
}

// Construct wires the bot and starts the webhook listener in the background.
// The listener is owned by the returned Runtime and only stops through Stop.
func (b *Builder) Construct(ctx context.Context) (*Runtime, error) {
	if !b.built.CompareAndSwap(false, true) {
		return nil, ErrAlreadyConstructed
	}
	return construct(ctx, b.cfg, b.store, b.log, b.opts...)
}

// Runtime is the constructed bot. Run blocks; Stop releases everything.
type Runtime struct {
	cfg   Config
	log   logx.Logger
	store UserStore

	bot      *tele.Bot
	listener *webhook.Server
	sup      *rtsup.Supervisor

	listenerStartedAt time.Time

	mu       sync.Mutex
	started  bool
	stopping bool
	loopDone chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func construct(ctx context.Context, cfg Config, store UserStore, log logx.Logger, opts ...Option) (*Runtime, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("bot: telegram token is empty")
	}
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log = log.With(logx.Component("bot"))
	settings := tele.Settings{
		Token:  cfg.Token,
		URL:    cfg.APIURL,
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, c tele.Context) {
			fields := []logx.Field{logx.Err(err)}
			if c != nil && c.Update().ID != 0 {
				fields = append(fields, logx.Int("update_id", c.Update().ID))
			}
			log.Error("handler failed", fields...)
		},
	}
	if o.settings != nil {
		o.settings(&settings)
	}
	tb, err := tele.NewBot(settings)
	if err != nil {
		return nil, fmt.Errorf("bot: create: %w", err)
	}

	r := &Runtime{
		cfg:      cfg,
		log:      log,
		store:    store,
		bot:      tb,
		loopDone: make(chan struct{}),
		// Detached from ctx: only Stop ends the listener.
		sup: rtsup.New(context.WithoutCancel(ctx),
			rtsup.WithLogger(log),
			rtsup.WithCancelOnError(true),
		),
	}
	r.registerHandlers()

	if cfg.WebhookEnabled {
		r.listener = webhook.New(cfg.Webhook, r.processUpdate, log, o.listenerOps...)
		// Bind synchronously so an unusable address fails construction.
		if err := r.listener.Listen(); err != nil {
			r.sup.Cancel()
			return nil, err
		}
		r.listenerStartedAt = time.Now()
		r.sup.Go("webhook.listener", r.listener.Serve)
	}
	log.Info("runtime constructed",
		logx.Bool("webhook", cfg.WebhookEnabled),
		logx.String("listener_addr", r.ListenerAddr()),
	)
	return r, nil
}

// ListenerStartedAt is when the webhook listener was started (zero if disabled).
func (r *Runtime) ListenerStartedAt() time.Time { return r.listenerStartedAt }

func (r *Runtime) ListenerAddr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr()
}

func (r *Runtime) processUpdate(_ context.Context, u tele.Update) error {
	r.bot.ProcessUpdate(u)
	return nil
}

// Run enters the update loop and blocks until ctx is cancelled (nil) or the
// loop or listener fails (error). It does not stop anything; call Stop.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("bot: already running")
	}
	r.started = true
	r.mu.Unlock()

	go func() {
		defer close(r.loopDone)
		r.log.Info("update loop started")
		r.bot.Start()
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-r.sup.Context().Done():
		if ctx.Err() != nil {
			return nil
		}
		if err := r.sup.Err(); err != nil {
			return err
		}
		return errors.New("bot: listener stopped")
	case <-r.loopDone:
		if ctx.Err() != nil || r.isStopping() {
			return nil
		}
		return ErrLoopExited
	}
}

func (r *Runtime) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// Stop ends the update loop and the listener. It waits at most StopGrace for
// the loop (a pending long poll is abandoned) and until ctx for the listener.
// Safe to call more than once.
func (r *Runtime) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.stopErr = r.stop(ctx)
	})
	return r.stopErr
}

func (r *Runtime) stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = true
	started := r.started
	r.mu.Unlock()

	r.log.Info("stopping runtime")
	if started {
		// telebot's Stop blocks until the loop acknowledges.
		go r.bot.Stop()
	}

	var errs []error
	// A listener failure was already surfaced by Run; only report the deadline.
	if err := r.sup.Stop(ctx); err != nil && ctx.Err() != nil {
		errs = append(errs, fmt.Errorf("listener: %w", err))
		if r.listener != nil {
			_ = r.listener.Close()
		}
	}

	if started {
		grace := r.cfg.StopGrace
		if grace <= 0 {
			grace = 2 * time.Second
		}
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < grace {
				grace = rem
			}
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-r.loopDone:
			r.log.Info("update loop stopped")
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		case <-t.C:
			r.log.Warn("update loop stop grace elapsed; continuing shutdown")
		}
	}
	return errors.Join(errs...)
}
