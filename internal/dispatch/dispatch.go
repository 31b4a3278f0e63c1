// Package dispatch serializes action handling per case while letting distinct
// cases proceed concurrently. The state machine's compare-and-swap transitions
// already reject races; the dispatcher keeps those races from happening in the
// common path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nsljw/Judge-final/internal/arbiter"
	"github.com/nsljw/Judge-final/internal/casestore"
)

const queueDepth = 32

// Handler processes one routed action. Satisfied by *arbiter.Machine.
type Handler interface {
	Handle(ctx context.Context, act arbiter.Action) error
}

type Dispatcher struct {
	handler Handler
	log     *zap.SugaredLogger

	mu     sync.Mutex
	queues map[string]chan arbiter.Action
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(handler Handler, log *zap.SugaredLogger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler: handler,
		log:     log,
		queues:  make(map[string]chan arbiter.Action),
		ctx:     ctx,
		cancel:  cancel,
	}
}

var ErrClosed = errors.New("dispatcher closed")

// Submit enqueues the action on its case's serial queue, starting a worker for
// the case on first use. A full queue rejects the action rather than blocking
// the transport.
func (d *Dispatcher) Submit(act arbiter.Action) error {
	key := routeKey(act)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	q, ok := d.queues[key]
	if !ok {
		q = make(chan arbiter.Action, queueDepth)
		d.queues[key] = q
		d.wg.Add(1)
		go d.worker(key, q)
	}
	d.mu.Unlock()

	select {
	case q <- act:
		return nil
	default:
		return fmt.Errorf("queue for %s is full", key)
	}
}

// routeKey picks the serialization domain: explicit case, then channel, then
// the acting user (pre-routing actions like start_case).
func routeKey(act arbiter.Action) string {
	switch {
	case act.CaseNumber != "":
		return "case:" + act.CaseNumber
	case act.ChannelID != 0:
		return fmt.Sprintf("channel:%d", act.ChannelID)
	default:
		return fmt.Sprintf("user:%d", act.Actor.ID)
	}
}

func (d *Dispatcher) worker(key string, q chan arbiter.Action) {
	defer d.wg.Done()
	for act := range q {
		err := d.handler.Handle(d.ctx, act)
		switch {
		case err == nil:
		case isExpectedRejection(err):
			d.log.Debugw("action rejected", "key", key, "kind", act.Kind, "reason", err)
		default:
			d.log.Errorw("action handling failed", "key", key, "kind", act.Kind, "error", err)
		}
	}
}

// isExpectedRejection separates business rejections (wrong turn, rate limit,
// action for a case that no longer exists) from real handling failures.
func isExpectedRejection(err error) bool {
	var stale *arbiter.StaleStageError
	var limited *arbiter.RateLimitedError
	return errors.As(err, &stale) || errors.As(err, &limited) || errors.Is(err, casestore.ErrNotFound)
}

// Close stops accepting actions and drains every queue before returning.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
}
