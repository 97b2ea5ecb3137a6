// Package changewatcher owns the single long-lived stream of registry
// change events: it consumes registryadapter.Adapter.Events, forwards
// each one to the Fan-Out Engine, and reconnects with backoff when the
// adapter's event channel closes (network blip, watch expiry) or Events
// itself fails. The docstore adapter retries a failed poll round on its
// next tick and keeps its channel open.
package changewatcher

import (
	"context"
	"time"

	"github.com/nmos-tools/queryservice/internal/logger"
	"github.com/nmos-tools/queryservice/internal/registryadapter"
)

// EventHandler is called once per registry change event, in delivery
// order. Typically *fanout.Engine.HandleEvent.
type EventHandler func(registryadapter.ChangeEvent)

// backoff is the reconnect delay schedule: fast retries at first, then a
// steady 10s cadence once the outage looks sustained.
var backoff = []time.Duration{time.Second, 3 * time.Second, 10 * time.Second}

// Watcher runs the reconnect loop against a single Adapter.
type Watcher struct {
	adapter    registryadapter.Adapter
	handle     EventHandler
	onShutdown func()
}

// New creates a Watcher. onShutdown, if non-nil, runs once as Run
// returns (e.g. subscription.Registry.DetachAll, which clears every
// subscription's attachment set; it does not close WebSocket connections).
func New(adapter registryadapter.Adapter, handle EventHandler, onShutdown func()) *Watcher {
	return &Watcher{adapter: adapter, handle: handle, onShutdown: onShutdown}
}

// Run blocks until ctx is cancelled, (re)subscribing to the adapter's
// event stream whenever it closes and applying the backoff schedule
// between attempts. Returns when ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer func() {
		if w.onShutdown != nil {
			w.onShutdown()
		}
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		events, err := w.adapter.Events(ctx)
		if err != nil {
			logger.ChangeWatcher().Error().Err(err).Int("attempt", attempt).Msg("failed to open registry event stream")
			if !w.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		logger.ChangeWatcher().Info().Msg("registry event stream open")
		attempt = 0

		drained := w.drain(ctx, events)
		if !drained {
			return
		}

		logger.ChangeWatcher().Warn().Msg("registry event stream closed, reconnecting")
		if !w.sleepBackoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

// drain forwards events until the channel closes or ctx is cancelled.
// Returns false if ctx was cancelled (caller should stop), true if the
// channel simply closed (caller should reconnect).
func (w *Watcher) drain(ctx context.Context, events <-chan registryadapter.ChangeEvent) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return true
			}
			w.handle(ev)
		}
	}
}

// sleepBackoff waits the delay for attempt (clamped to the last entry of
// backoff once exhausted), returning false if ctx is cancelled first.
func (w *Watcher) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := backoff[len(backoff)-1]
	if attempt < len(backoff) {
		delay = backoff[attempt]
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
