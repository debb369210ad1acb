// Package audit ships verification events to the configured sinks off the
// request path. Events are buffered, batched and fanned out to every sink.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"kyc-service/internal/config"
	"kyc-service/internal/models"
	"kyc-service/internal/util"
)

const flushTimeout = 10 * time.Second

// Sink receives batches of events. Implementations must not retain the slice.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []models.VerificationEvent) error
}

// Dispatcher is nil-safe: a nil *Dispatcher accepts and discards events.
type Dispatcher struct {
	cfg       config.AuditConfig
	sinks     []Sink
	ch        chan models.VerificationEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher returns nil when auditing is disabled or there is nowhere to write.
func NewDispatcher(cfg config.AuditConfig, sinks ...Sink) *Dispatcher {
	if !cfg.Enabled || len(sinks) == 0 {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	d := &Dispatcher{
		cfg:   cfg,
		sinks: sinks,
		ch:    make(chan models.VerificationEvent, cfg.BufferSize),
		done:  make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	util.Info("Audit dispatcher started", util.Strings("sinks", names), util.Int("buffer", cfg.BufferSize))

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.VerificationEvent, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.flush(batch)
		batch = make([]models.VerificationEvent, 0, d.cfg.BatchSize)
	}

	for {
		select {
		case ev := <-d.ch:
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-d.done:
			for {
				select {
				case ev := <-d.ch:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (d *Dispatcher) flush(batch []models.VerificationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range d.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(ctx, batch); err != nil {
				d.failed.Add(uint64(len(batch)))
				util.Error("Audit sink write failed",
					util.String("sink", sink.Name()),
					util.Int("events", len(batch)),
					util.ErrorField(err))
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Emit queues an event. With DropIfFull set a full buffer drops the event
// instead of blocking the caller.
func (d *Dispatcher) Emit(ctx context.Context, ev models.VerificationEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- ev:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- ev:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.done:
	}
}

// Close flushes whatever is buffered and waits for the final write.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
		util.Info("Audit dispatcher closed",
			util.Int64("dropped", int64(d.dropped.Load())),
			util.Int64("failed", int64(d.failed.Load())))
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}
