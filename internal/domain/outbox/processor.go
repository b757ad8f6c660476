package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

const (
	processorLockKey = "outbox-processor"
	sweepLockKey     = "outbox-sweep"
)

// Config holds the processor schedule.
type Config struct {
	Interval      time.Duration
	BatchSize     int
	MaxRetries    int
	Retention     time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		BatchSize:     10,
		MaxRetries:    DefaultMaxRetries,
		Retention:     7 * 24 * time.Hour,
		SweepInterval: 24 * time.Hour,
	}
}

// Report summarizes one processor run.
type Report struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

type namedPurger struct {
	name string
	p    Purger
}

// Processor drains PENDING items on a fixed interval. One run at a time per
// process; with a Locker, one run at a time across replicas.
type Processor struct {
	store      Store
	applier    Applier
	locker     Locker
	policy     Policy
	cfg        Config
	log        *slog.Logger
	owner      string
	running    atomic.Bool
	sweeping   atomic.Bool
	onTerminal func(context.Context, Item)
	purgers    []namedPurger
	now        func() time.Time
}

type Option func(*Processor)

// WithLocker enables the cross-replica lease.
func WithLocker(l Locker) Option {
	return func(p *Processor) { p.locker = l }
}

// WithTerminalHook is called for every item that ends in ERROR.
func WithTerminalHook(fn func(context.Context, Item)) Option {
	return func(p *Processor) { p.onTerminal = fn }
}

// WithPurger adds retention cleanup to the sweep, next to the SENT items.
func WithPurger(name string, purger Purger) Option {
	return func(p *Processor) { p.purgers = append(p.purgers, namedPurger{name: name, p: purger}) }
}

func NewProcessor(store Store, applier Applier, cfg Config, log *slog.Logger, opts ...Option) *Processor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	p := &Processor{
		store:   store,
		applier: applier,
		policy:  Policy{MaxRetries: cfg.MaxRetries},
		cfg:     cfg,
		log:     log.With(slog.String("component", "outbox_processor")),
		owner:   uuid.NewString(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes batches every Interval until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	p.log.Info("processor started",
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("batch_size", p.cfg.BatchSize),
	)
	p.loop(ctx, p.cfg.Interval, func(ctx context.Context) {
		if _, err := p.RunOnce(ctx); err != nil && !errors.Is(err, ErrBusy) {
			p.log.Error("processor run failed", slog.String("error", err.Error()))
		}
	})
	p.log.Info("processor stopped")
}

// RunSweeper deletes expired data every SweepInterval until ctx is done.
func (p *Processor) RunSweeper(ctx context.Context) {
	p.loop(ctx, p.cfg.SweepInterval, func(ctx context.Context) {
		if _, err := p.Sweep(ctx); err != nil && !errors.Is(err, ErrBusy) {
			p.log.Error("sweep failed", slog.String("error", err.Error()))
		}
	})
}

func (p *Processor) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// RunOnce claims one batch of eligible items and applies them in creation
// order. It returns ErrBusy when another run holds the guard or the lease.
func (p *Processor) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	if !p.running.CompareAndSwap(false, true) {
		return report, ErrBusy
	}
	defer p.running.Store(false)

	release, err := p.acquire(ctx, processorLockKey, 2*p.cfg.Interval)
	if err != nil {
		return report, err
	}
	defer release()

	items, err := p.store.ClaimEligible(ctx, p.cfg.BatchSize, 2*p.cfg.Interval)
	if err != nil {
		return report, fmt.Errorf("claim outbox items: %w", err)
	}
	report.Claimed = len(items)

	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		p.process(ctx, it, &report)
	}

	if report.Claimed > 0 {
		p.log.Info("processor run finished",
			slog.Int("claimed", report.Claimed),
			slog.Int("sent", report.Sent),
			slog.Int("retried", report.Retried),
			slog.Int("failed", report.Failed),
		)
	}
	return report, nil
}

func (p *Processor) process(ctx context.Context, it Item, report *Report) {
	err := p.applier.Apply(ctx, it)
	if err == nil {
		report.Sent++
		return
	}

	status, retries := p.policy.Fail(it, err)
	if merr := p.store.MarkFailed(ctx, it.ID, status, retries, err.Error()); merr != nil {
		p.log.Error("mark outbox item failed",
			slog.String("id", it.ID),
			slog.String("error", merr.Error()),
		)
		return
	}

	if status == StatusPending {
		report.Retried++
		p.log.Warn("outbox item will be retried",
			slog.String("id", it.ID),
			slog.Int("retry_count", retries),
			slog.Duration("delay", Delay(retries)),
			slog.String("error", err.Error()),
		)
		return
	}

	report.Failed++
	p.log.Error("outbox item failed permanently",
		slog.String("id", it.ID),
		slog.String("entity_type", string(it.EntityType)),
		slog.String("entity_id", it.EntityID),
		slog.Int("retry_count", retries),
		slog.String("error", err.Error()),
	)
	if p.onTerminal != nil {
		it.Status, it.RetryCount, it.ErrorMessage = status, retries, err.Error()
		p.onTerminal(ctx, it)
	}
}

// Sweep deletes SENT items and the registered purgers' data older than
// Retention. It returns the number of deleted rows per source.
func (p *Processor) Sweep(ctx context.Context) (map[string]int64, error) {
	if !p.sweeping.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer p.sweeping.Store(false)

	release, err := p.acquire(ctx, sweepLockKey, time.Hour)
	if err != nil {
		return nil, err
	}
	defer release()

	before := p.now().Add(-p.cfg.Retention)
	deleted := make(map[string]int64, len(p.purgers)+1)

	n, err := p.store.PurgeSent(ctx, before)
	if err != nil {
		return deleted, fmt.Errorf("purge sent outbox items: %w", err)
	}
	deleted["outbox"] = n

	var errs []error
	for _, np := range p.purgers {
		n, err := np.p.Purge(ctx, before)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", np.name, err))
			continue
		}
		deleted[np.name] = n
	}

	p.log.Info("sweep finished", slog.Time("before", before), slog.Any("deleted", deleted))
	return deleted, errors.Join(errs...)
}

// acquire takes the lease when a Locker is configured. The returned release
// runs with a fresh context so it still works after ctx is cancelled.
func (p *Processor) acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if p.locker == nil {
		return func() {}, nil
	}

	ok, err := p.locker.TryAcquire(ctx, key, p.owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire %s lease: %w", key, err)
	}
	if !ok {
		p.log.Debug("lease held by another replica", slog.String("key", key))
		return nil, ErrBusy
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.locker.Release(rctx, key, p.owner); err != nil {
			p.log.Warn("release lease", slog.String("key", key), slog.String("error", err.Error()))
		}
	}, nil
}
