package mail

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"identity_service/internal/metrics"
)

var (
	ErrQueueFull = errors.New("mail queue is full")
	ErrClosed    = errors.New("mail dispatcher is closed")
)

type message struct {
	recipient string
	kind      Kind
	token     string
}

// Dispatcher is a Sender that queues messages and delivers them from a
// background goroutine, so callers never wait on the delivery backend.
type Dispatcher struct {
	sender  Sender
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan message
	done   chan struct{}
}

func NewDispatcher(sender Sender, log *slog.Logger, queueSize int, timeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}

	d := &Dispatcher{
		sender:  sender,
		log:     log.With(slog.String("op", "mail.Dispatcher")),
		timeout: timeout,
		queue:   make(chan message, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()

	return d
}

// Send enqueues the message without blocking. ctx only bounds the enqueue;
// delivery runs under the dispatcher's own timeout.
func (d *Dispatcher) Send(ctx context.Context, recipient string, kind Kind, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- message{recipient: recipient, kind: kind, token: token}:
		return nil
	default:
		metrics.RecordMail(string(kind), metrics.ResultFailure)
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits until the queue is drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sender.Send(ctx, msg.recipient, msg.kind, msg.token); err != nil {
		metrics.RecordMail(string(msg.kind), metrics.ResultFailure)
		d.log.Error("mail delivery failed",
			slog.String("kind", string(msg.kind)),
			slog.Any("error", err),
		)
		return
	}

	metrics.RecordMail(string(msg.kind), metrics.ResultSuccess)
}
