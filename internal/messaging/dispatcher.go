package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/flow"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/metrics"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/store"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/util"
)

// Dispatcher defaults.
const (
	DefaultMessageTimeout = 60 * time.Second
	DefaultIdleTimeout    = 2 * time.Minute
	DefaultQueueSize      = 32
)

// MessageHandler processes one inbound message. *flow.Machine implements it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, in models.InboundMessage) (flow.Result, error)
}

// Enqueuer stores replies for durable delivery. *store.OutboxSender
// implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.OutboundMessage, dedupeKey string) (string, error)
}

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	MessageTimeout time.Duration
	IdleTimeout    time.Duration
	QueueSize      int
	Dedup          store.DedupRepo
	Outbox         Enqueuer
}

// DispatcherOption is a functional option for NewDispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithMessageTimeout bounds the processing of one inbound message.
func WithMessageTimeout(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.MessageTimeout = d }
}

// WithIdleTimeout sets how long a user's worker waits before retiring.
func WithIdleTimeout(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.IdleTimeout = d }
}

// WithQueueSize sets the initial per-user queue capacity. Queues grow past it
// so one busy user never holds up the others.
func WithQueueSize(n int) DispatcherOption {
	return func(o *DispatcherOpts) { o.QueueSize = n }
}

// WithDedup drops redelivered messages already recorded in repo.
func WithDedup(repo store.DedupRepo) DispatcherOption {
	return func(o *DispatcherOpts) { o.Dedup = repo }
}

// WithOutbox routes replies through a durable outbox instead of sending them
// directly.
func WithOutbox(e Enqueuer) DispatcherOption {
	return func(o *DispatcherOpts) { o.Outbox = e }
}

// userQueue is one user's FIFO. pending and closed are guarded by
// Dispatcher.mu; signal wakes the worker after an append.
type userQueue struct {
	pending []models.InboundMessage
	closed  bool
	signal  chan struct{}
}

func (q *userQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Dispatcher serializes inbound messages per user. Each active user gets one
// worker goroutine that processes that user's messages in arrival order and
// retires after IdleTimeout without traffic. Different users run in parallel.
type Dispatcher struct {
	handler MessageHandler
	svc     Service
	opts    DispatcherOpts

	mu     sync.Mutex
	queues map[string]*userQueue
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher that handles messages with handler and
// replies through svc.
func NewDispatcher(handler MessageHandler, svc Service, opts ...DispatcherOption) *Dispatcher {
	o := DispatcherOpts{
		MessageTimeout: DefaultMessageTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		QueueSize:      DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Dispatcher{
		handler: handler,
		svc:     svc,
		opts:    o,
		queues:  make(map[string]*userQueue),
	}
}

// Run consumes inbound until it is closed or ctx is cancelled, then waits for
// the workers. After inbound closes, queued messages are still processed.
func (d *Dispatcher) Run(ctx context.Context, inbound <-chan models.InboundMessage) {
	slog.Info("Dispatcher.Run: starting", "messageTimeout", d.opts.MessageTimeout, "idleTimeout", d.opts.IdleTimeout)
	defer func() {
		d.mu.Lock()
		for id, q := range d.queues {
			q.closed = true
			q.wake()
			delete(d.queues, id)
		}
		d.mu.Unlock()
		d.wg.Wait()
		slog.Info("Dispatcher.Run: stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-inbound:
			if !ok {
				return
			}
			if err := d.submit(ctx, in); err != nil && ctx.Err() == nil {
				slog.Warn("Dispatcher.Run: message dropped", "userID", in.UserID, "error", err)
			}
		}
	}
}

// ActiveUsers returns the number of live per-user workers.
func (d *Dispatcher) ActiveUsers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

func (d *Dispatcher) submit(ctx context.Context, in models.InboundMessage) error {
	if err := in.Validate(); err != nil {
		metrics.InboundMessages.WithLabelValues("invalid").Inc()
		return err
	}
	if in.ID == "" {
		in.ID = util.GenerateMessageID()
	}
	if d.opts.Dedup != nil {
		fresh, err := d.opts.Dedup.RecordInbound(ctx, in.ID, in.UserID)
		if err != nil {
			return fmt.Errorf("record inbound %s: %w", in.ID, err)
		}
		if !fresh {
			metrics.InboundMessages.WithLabelValues("duplicate").Inc()
			slog.Debug("Dispatcher.submit: duplicate message ignored", "userID", in.UserID, "messageID", in.ID)
			return nil
		}
	}

	d.mu.Lock()
	q, ok := d.queues[in.UserID]
	if !ok {
		q = &userQueue{pending: make([]models.InboundMessage, 0, d.opts.QueueSize), signal: make(chan struct{}, 1)}
		d.queues[in.UserID] = q
		d.wg.Add(1)
		go d.worker(ctx, in.UserID, q)
	}
	q.pending = append(q.pending, in)
	depth := len(q.pending)
	d.mu.Unlock()
	q.wake()

	if depth > d.opts.QueueSize {
		slog.Warn("Dispatcher.submit: user backlog above queue size", "userID", in.UserID, "depth", depth)
	}
	return nil
}

// next pops the oldest pending message.
func (d *Dispatcher) next(q *userQueue) (models.InboundMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(q.pending) == 0 {
		return models.InboundMessage{}, false
	}
	in := q.pending[0]
	q.pending[0] = models.InboundMessage{}
	q.pending = q.pending[1:]
	return in, true
}

func (d *Dispatcher) worker(ctx context.Context, userID string, q *userQueue) {
	defer d.wg.Done()
	idle := time.NewTimer(d.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			d.abandon(ctx, q)
			return
		case <-q.signal:
			for {
				if ctx.Err() != nil {
					d.abandon(ctx, q)
					return
				}
				in, ok := d.next(q)
				if !ok {
					break
				}
				d.process(ctx, in)
			}
			d.mu.Lock()
			done := q.closed && len(q.pending) == 0
			d.mu.Unlock()
			if done {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.opts.IdleTimeout)
		case <-idle.C:
			d.mu.Lock()
			if len(q.pending) == 0 && d.queues[userID] == q {
				delete(d.queues, userID)
				d.mu.Unlock()
				slog.Debug("Dispatcher.worker: retired idle worker", "userID", userID)
				return
			}
			d.mu.Unlock()
			idle.Reset(d.opts.IdleTimeout)
		}
	}
}

// abandon forgets messages still queued at shutdown so their redelivery is
// not mistaken for a duplicate.
func (d *Dispatcher) abandon(ctx context.Context, q *userQueue) {
	d.mu.Lock()
	left := q.pending
	q.pending = nil
	d.mu.Unlock()
	for _, in := range left {
		d.forget(ctx, in)
	}
}

// process runs one message through the handler and delivers the replies in
// order. A turn that could not be persisted is forgotten by the dedup repo so
// a redelivery is processed again.
func (d *Dispatcher) process(ctx context.Context, in models.InboundMessage) {
	mctx, cancel := context.WithTimeout(ctx, d.opts.MessageTimeout)
	defer cancel()

	res, err := d.handler.HandleMessage(mctx, in)
	if err != nil {
		var perr *flow.PersistenceError
		retryable := errors.As(err, &perr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
		if retryable {
			metrics.InboundMessages.WithLabelValues("retryable_error").Inc()
			d.forget(ctx, in)
		} else {
			metrics.InboundMessages.WithLabelValues("failed").Inc()
			d.markProcessed(ctx, in)
		}
		slog.Error("Dispatcher.process: message not handled", "userID", in.UserID, "messageID", in.ID, "retryable", retryable, "error", err)
		return
	}
	metrics.InboundMessages.WithLabelValues("processed").Inc()
	d.markProcessed(ctx, in)

	for i, msg := range res.Messages {
		if err := d.deliver(mctx, in, i, msg); err != nil {
			metrics.OutboundMessages.WithLabelValues("failed").Inc()
			// Later replies would arrive out of order; drop them.
			slog.Error("Dispatcher.process: delivery failed", "userID", in.UserID, "messageID", in.ID, "index", i, "dropped", len(res.Messages)-i-1, "error", err)
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, in models.InboundMessage, i int, msg models.OutboundMessage) error {
	if d.opts.Outbox != nil {
		if _, err := d.opts.Outbox.Enqueue(ctx, msg, fmt.Sprintf("%s:%d", in.ID, i)); err != nil {
			return err
		}
		metrics.OutboundMessages.WithLabelValues("queued").Inc()
		return nil
	}
	if err := Deliver(ctx, d.svc, msg); err != nil {
		return err
	}
	metrics.OutboundMessages.WithLabelValues("sent").Inc()
	return nil
}

func (d *Dispatcher) markProcessed(ctx context.Context, in models.InboundMessage) {
	if d.opts.Dedup == nil {
		return
	}
	if err := d.opts.Dedup.MarkProcessed(context.WithoutCancel(ctx), in.ID); err != nil {
		slog.Warn("Dispatcher.markProcessed: failed", "messageID", in.ID, "error", err)
	}
}

func (d *Dispatcher) forget(ctx context.Context, in models.InboundMessage) {
	if d.opts.Dedup == nil {
		return
	}
	if err := d.opts.Dedup.ForgetInbound(context.WithoutCancel(ctx), in.ID); err != nil {
		slog.Warn("Dispatcher.forget: failed", "messageID", in.ID, "error", err)
	}
}
