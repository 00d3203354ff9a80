package notify

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/safar/storefront-orders/internal/metrics"
	"go.uber.org/zap"
)

const (
	KindOrderConfirmation = "order_confirmation"
	KindShipping          = "shipping"

	defaultQueueSize   = 256
	defaultWorkers     = 2
	defaultTaskTimeout = 15 * time.Second
)

type DispatcherConfig struct {
	QueueSize   int
	Workers     int
	TaskTimeout time.Duration
}

type task struct {
	kind  string
	email string
	send  func(ctx context.Context) error
}

// Dispatcher is a bounded background executor in front of a Sink. Enqueueing
// never blocks: when the queue is full the notification is dropped and
// counted.
type Dispatcher struct {
	sink    Sink
	log     *zap.Logger
	metrics *metrics.Metrics
	cfg     DispatcherConfig

	queue     chan task
	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	mu      sync.RWMutex
	stopped bool
}

func NewDispatcher(sink Sink, cfg DispatcherConfig, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}

	return &Dispatcher{
		sink:    sink,
		log:     logger.With(zap.String("component", "notify")),
		metrics: m,
		cfg:     cfg,
		queue:   make(chan task, cfg.QueueSize),
		quit:    make(chan struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		base := context.WithoutCancel(ctx)
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.work(base)
		}
		d.log.Info("notification_dispatcher_started", zap.Int("workers", d.cfg.Workers))
	})
}

// Stop refuses new work, lets the workers drain what is queued and waits for
// them until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		close(d.quit)
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("notification_dispatcher_stopped")
		return nil
	case <-ctx.Done():
		d.log.Warn("notification_dispatcher_stop_timeout", zap.Int("pending", len(d.queue)))
		return ctx.Err()
	}
}

func (d *Dispatcher) OrderConfirmed(ctx context.Context, email string, order OrderSummary) {
	d.enqueue(ctx, task{
		kind:  KindOrderConfirmation,
		email: email,
		send: func(ctx context.Context) error {
			return d.sink.SendOrderConfirmation(ctx, email, order)
		},
	})
}

func (d *Dispatcher) ShippingUpdated(ctx context.Context, email string, update ShippingUpdate) {
	d.enqueue(ctx, task{
		kind:  KindShipping,
		email: email,
		send: func(ctx context.Context) error {
			return d.sink.SendShippingNotification(ctx, email, update)
		},
	})
}

func (d *Dispatcher) enqueue(ctx context.Context, t task) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.drop(t, "stopped")
		return
	}

	select {
	case d.queue <- t:
	default:
		d.drop(t, "queue_full")
	}
}

func (d *Dispatcher) drop(t task, reason string) {
	d.metrics.Notifications.WithLabelValues(t.kind, "dropped").Inc()
	d.log.Warn("notification_dropped",
		zap.String("kind", t.kind),
		zap.String("recipient", t.email),
		zap.String("reason", reason),
	)
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case t := <-d.queue:
			d.run(ctx, t)
		case <-d.quit:
			for {
				select {
				case t := <-d.queue:
					d.run(ctx, t)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.Notifications.WithLabelValues(t.kind, "panic").Inc()
			d.log.Error("notification_panic",
				zap.String("kind", t.kind),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
	defer cancel()

	if err := t.send(ctx); err != nil {
		d.metrics.Notifications.WithLabelValues(t.kind, "failed").Inc()
		d.log.Warn("notification_failed",
			zap.String("kind", t.kind),
			zap.String("recipient", t.email),
			zap.Error(err),
		)
		return
	}

	d.metrics.Notifications.WithLabelValues(t.kind, "sent").Inc()
	d.log.Debug("notification_sent", zap.String("kind", t.kind), zap.String("recipient", t.email))
}
