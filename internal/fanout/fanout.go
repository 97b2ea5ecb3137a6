// Package fanout implements the Fan-Out Engine: for each registry change
// event, determines which subscriptions are affected, computes
// pre/post images after version transform and filter evaluation, and
// delivers grains honouring each subscription's max_update_rate_ms.
package fanout

import (
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nmos-tools/queryservice/internal/grain"
	"github.com/nmos-tools/queryservice/internal/logger"
	"github.com/nmos-tools/queryservice/internal/pathfilter"
	"github.com/nmos-tools/queryservice/internal/registryadapter"
	"github.com/nmos-tools/queryservice/internal/resource"
	"github.com/nmos-tools/queryservice/internal/subscription"
	"github.com/nmos-tools/queryservice/internal/version"
)

// Sink is how the engine hands a finished grain to the transport layer
// (internal/wsapi). Deliver must not block for long: a slow/full sink
// should drop or evict rather than stall the fan-out goroutine.
type Sink interface {
	Deliver(subscriptionID string, g grain.Grain)
}

// Engine is invoked once per change event observed by the Change
// Watcher.
type Engine struct {
	subs *subscription.Registry
	sink Sink

	mu      sync.Mutex
	pending map[string]*pendingState // subscription id -> coalescing state
}

// pendingState tracks per-subscription rate limiting and coalescing.
type pendingState struct {
	lastSent time.Time
	timer    *time.Timer
	entries  map[string]*grain.Entry // resource id -> coalesced entry, oldest pre / newest post
	order    []string                // insertion order of first occurrence per resource id
}

// New creates an Engine delivering grains for subs through sink.
func New(subs *subscription.Registry, sink Sink) *Engine {
	return &Engine{
		subs:    subs,
		sink:    sink,
		pending: make(map[string]*pendingState),
	}
}

// HandleEvent is the Change Watcher's callback for every normalized
// registry mutation.
func (e *Engine) HandleEvent(ev registryadapter.ChangeEvent) {
	matching := e.matchingSubscriptions(ev.Key.Type)
	if len(matching) == 0 {
		return
	}

	for _, sub := range matching {
		e.handleForSubscription(sub, ev)
	}
}

func (e *Engine) matchingSubscriptions(t resource.Type) []*subscription.Subscription {
	var out []*subscription.Subscription
	for _, sub := range e.subs.GetAll() {
		if resourcePathMatchesType(sub.ResourcePath, t) {
			out = append(out, sub)
		}
	}
	return out
}

// resourcePathMatchesType reports whether a subscription's resource_path
// ("/" for all, or "/<type>") covers the resource type t.
func resourcePathMatchesType(resourcePath string, t resource.Type) bool {
	token, all, err := pathfilter.Translate(resourcePath)
	if err != nil {
		return false
	}
	if all {
		return true
	}
	return token == t
}

func (e *Engine) handleForSubscription(sub *subscription.Subscription, ev registryadapter.ChangeEvent) {
	minAcceptable := sub.Params["query.downgrade"]

	preV, preOK := version.Downgrade(ev.Pre, ev.Key.Type, sub.APIVersion, minAcceptable)
	postV, postOK := version.Downgrade(ev.Post, ev.Key.Type, sub.APIVersion, minAcceptable)

	if !preOK && !postOK {
		return
	}

	var preDoc, postDoc resource.Doc
	if preOK {
		preDoc = resource.Summarise(preV)
	}
	if postOK {
		postDoc = resource.Summarise(postV)
	}

	preMatch := preDoc != nil && pathfilter.Matches(sub.Params, preDoc)
	postMatch := postDoc != nil && pathfilter.Matches(sub.Params, postDoc)

	var entry *grain.Entry
	switch {
	case !preMatch && postMatch:
		entry = &grain.Entry{Path: sub.ResourcePath, Pre: nil, Post: postDoc}
	case preMatch && !postMatch:
		entry = &grain.Entry{Path: sub.ResourcePath, Pre: preDoc, Post: nil}
	case preMatch && postMatch:
		if cmp.Equal(preDoc, postDoc) {
			return
		}
		entry = &grain.Entry{Path: sub.ResourcePath, Pre: preDoc, Post: postDoc}
	default:
		return
	}

	e.enqueue(sub, ev.Key.ID, entry)
}

// enqueue applies the subscription's rate limit: if a grain was sent
// within max_update_rate_ms, the entry is coalesced into the pending
// batch and a flush is scheduled for the remainder of the window;
// otherwise it is delivered immediately and the window starts now.
func (e *Engine) enqueue(sub *subscription.Subscription, resourceID string, entry *grain.Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.pending[sub.ID]
	if !ok {
		ps = &pendingState{entries: make(map[string]*grain.Entry)}
		e.pending[sub.ID] = ps
	}

	rate := time.Duration(sub.MaxUpdateRateMs) * time.Millisecond
	now := time.Now()

	if rate <= 0 || ps.lastSent.IsZero() || now.Sub(ps.lastSent) >= rate {
		e.flushOne(sub, resourceID, entry)
		ps.lastSent = now
		return
	}

	e.coalesce(ps, resourceID, entry)

	if ps.timer == nil {
		delay := rate - now.Sub(ps.lastSent)
		ps.timer = time.AfterFunc(delay, func() { e.flushPending(sub.ID) })
	}
}

// coalesce merges entry into the subscription's pending batch: keep the
// oldest pre and the newest post for a given resource id; drop the
// entry entirely if the net effect becomes a no-op.
func (e *Engine) coalesce(ps *pendingState, resourceID string, entry *grain.Entry) {
	existing, seen := ps.entries[resourceID]
	if !seen {
		ps.order = append(ps.order, resourceID)
		ps.entries[resourceID] = entry
		return
	}

	merged := &grain.Entry{
		Path: entry.Path,
		Pre:  existing.Pre,
		Post: entry.Post,
	}
	if cmp.Equal(merged.Pre, merged.Post) {
		delete(ps.entries, resourceID)
		return
	}
	ps.entries[resourceID] = merged
}

func (e *Engine) flushOne(sub *subscription.Subscription, resourceID string, entry *grain.Entry) {
	e.deliver(sub.ID, []grain.Entry{*entry})
}

func (e *Engine) flushPending(subID string) {
	e.mu.Lock()
	ps, ok := e.pending[subID]
	if !ok {
		e.mu.Unlock()
		return
	}
	ps.timer = nil

	entries := make([]grain.Entry, 0, len(ps.order))
	emitted := make(map[string]bool, len(ps.order))
	for _, id := range ps.order {
		if emitted[id] {
			continue
		}
		if en, ok := ps.entries[id]; ok {
			emitted[id] = true
			entries = append(entries, *en)
		}
	}
	ps.entries = make(map[string]*grain.Entry)
	ps.order = nil
	ps.lastSent = time.Now()
	e.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	e.deliver(subID, entries)
}

func (e *Engine) deliver(subID string, entries []grain.Entry) {
	g := grain.New(subID, entries)
	logger.Fanout().Debug().Str("subscription", subID).Int("entries", len(entries)).Msg("delivering grain")
	e.sink.Deliver(subID, g)
}

// Sync builds the on-connect baseline grain for a freshly attached
// WebSocket: every currently matching resource under resource_path,
// emitted as pre==post pairs.
func Sync(sub *subscription.Subscription, docs []resource.Doc, resType resource.Type) (grain.Grain, error) {
	minAcceptable := sub.Params["query.downgrade"]

	entries := make([]grain.Entry, 0, len(docs))
	for _, doc := range docs {
		downgraded, ok := version.Downgrade(doc, resType, sub.APIVersion, minAcceptable)
		if !ok {
			continue
		}
		summarised := resource.Summarise(downgraded)
		if !pathfilter.Matches(sub.Params, summarised) {
			continue
		}
		entries = append(entries, grain.Entry{Path: sub.ResourcePath, Pre: summarised, Post: summarised})
	}

	return grain.New(sub.ID, entries), nil
}
