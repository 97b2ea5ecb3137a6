package changewatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmos-tools/queryservice/internal/registryadapter"
	"github.com/nmos-tools/queryservice/internal/resource"
)

// fakeAdapter hands out a scripted sequence of event channels (and
// errors) each time Events is called, to exercise reconnect behaviour
// without a real backend.
type fakeAdapter struct {
	mu       sync.Mutex
	rounds   []chan registryadapter.ChangeEvent
	errs     []error
	callIdx  int
	eventsCh []chan registryadapter.ChangeEvent
}

func (f *fakeAdapter) Snapshot(ctx context.Context, resourceType resource.Type, all bool) ([]resource.Doc, error) {
	return nil, nil
}

func (f *fakeAdapter) Events(ctx context.Context) (<-chan registryadapter.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.callIdx
	f.callIdx++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	if idx < len(f.rounds) {
		return f.rounds[idx], nil
	}
	// Steady state: an open channel that never closes, so the loop
	// blocks until ctx cancellation.
	ch := make(chan registryadapter.ChangeEvent)
	return ch, nil
}

func (f *fakeAdapter) Close() error { return nil }

func TestRun_ForwardsEventsInOrder(t *testing.T) {
	round1 := make(chan registryadapter.ChangeEvent, 4)
	round1 <- registryadapter.ChangeEvent{Action: registryadapter.ActionSet, Key: registryadapter.Key{Type: resource.TypeDevice, ID: "a"}}
	round1 <- registryadapter.ChangeEvent{Action: registryadapter.ActionSet, Key: registryadapter.Key{Type: resource.TypeDevice, ID: "b"}}
	close(round1)

	adapter := &fakeAdapter{rounds: []chan registryadapter.ChangeEvent{round1}}

	var mu sync.Mutex
	var received []string
	handler := func(ev registryadapter.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev.Key.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var shutdownCalled bool
	w := New(adapter, handler, func() { shutdownCalled = true })

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, received)
	assert.True(t, shutdownCalled)
}

func TestRun_ReconnectsAfterChannelCloses(t *testing.T) {
	round1 := make(chan registryadapter.ChangeEvent, 1)
	round1 <- registryadapter.ChangeEvent{Key: registryadapter.Key{Type: resource.TypeDevice, ID: "r1"}}
	close(round1)

	round2 := make(chan registryadapter.ChangeEvent, 1)
	round2 <- registryadapter.ChangeEvent{Key: registryadapter.Key{Type: resource.TypeDevice, ID: "r2"}}
	close(round2)

	adapter := &fakeAdapter{rounds: []chan registryadapter.ChangeEvent{round1, round2}}

	orig := backoff
	backoff = []time.Duration{10 * time.Millisecond}
	defer func() { backoff = orig }()

	var mu sync.Mutex
	var received []string
	handler := func(ev registryadapter.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev.Key.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := New(adapter, handler, nil)

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r1", "r2"}, received)
}

func TestRun_BackoffOnEventsError(t *testing.T) {
	adapter := &fakeAdapter{errs: []error{assertErr("registry unavailable")}}

	orig := backoff
	backoff = []time.Duration{5 * time.Millisecond}
	defer func() { backoff = orig }()

	called := 0
	handler := func(ev registryadapter.ChangeEvent) { called++ }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	w := New(adapter, handler, nil)
	w.Run(ctx)

	require.Equal(t, 0, called)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
