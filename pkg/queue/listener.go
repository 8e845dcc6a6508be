package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/kvforge/pkg/log"
)

// Handler processes one dequeued message. Returning an error triggers
// Nack; returning nil triggers Ack.
type Handler func(ctx context.Context, msg *Dequeued) error

// Listener runs a fixed-size worker pool that repeatedly dequeues and
// dispatches to a Handler.
type Listener struct {
	engine      *Engine
	handler     Handler
	concurrency int
	pollEvery   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DefaultPollInterval is how often an idle worker checks for new work.
const DefaultPollInterval = 1000 * time.Millisecond

// NewListener creates a Listener with concurrency workers (at least 1).
func NewListener(engine *Engine, handler Handler, concurrency int) *Listener {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Listener{
		engine:      engine,
		handler:     handler,
		concurrency: concurrency,
		pollEvery:   DefaultPollInterval,
	}
}

// Start launches the worker pool. Calling Start twice without an
// intervening Stop is a programming error.
func (l *Listener) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	for i := 0; i < l.concurrency; i++ {
		l.wg.Add(1)
		go l.worker(ctx)
	}
}

// Stop signals all workers to exit and waits for in-flight handlers to
// return.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *Listener) worker(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.drain(ctx)
		}
	}
}

// drain dequeues and dispatches until no ready work remains, so a busy
// queue isn't gated by the poll interval.
func (l *Listener) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := l.engine.Dequeue(ctx)
		if err != nil {
			log.Logger.Error().Err(err).Msg("listener dequeue failed")
			return
		}
		if msg == nil {
			return
		}
		l.dispatch(ctx, msg)
	}
}

func (l *Listener) dispatch(ctx context.Context, msg *Dequeued) {
	err := l.invoke(ctx, msg)
	if err != nil {
		log.Logger.Warn().Err(err).Str("message_id", msg.ID).Msg("queue handler failed, nacking")
		if nackErr := l.engine.Nack(ctx, msg.ID); nackErr != nil {
			log.Logger.Error().Err(nackErr).Str("message_id", msg.ID).Msg("nack failed")
		}
		return
	}
	if ackErr := l.engine.Ack(ctx, msg.ID); ackErr != nil {
		log.Logger.Error().Err(ackErr).Str("message_id", msg.ID).Msg("ack failed")
	}
}

func (l *Listener) invoke(ctx context.Context, msg *Dequeued) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Logger.Error().Interface("panic", rec).Str("message_id", msg.ID).Msg("queue handler panicked")
			err = errHandlerPanic
		}
	}()
	return l.handler(ctx, msg)
}

var errHandlerPanic = panicError("queue handler panicked")

type panicError string

func (e panicError) Error() string { return string(e) }
