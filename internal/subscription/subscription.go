// Package subscription implements the Subscription Registry: the set of
// active subscriptions, each identified by a random UUID. A content hash of
// the normalized request body deduplicates them, so repeated identical
// POSTs return the same subscription.
package subscription

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nmos-tools/queryservice/internal/logger"
)

// Request is the normalized, hashable shape of a subscription creation
// request.
type Request struct {
	ResourcePath     string            `json:"resource_path"`
	Params           map[string]string `json:"params"`
	Persist          bool              `json:"persist"`
	MaxUpdateRateMs  int               `json:"max_update_rate_ms"`
}

const defaultMaxUpdateRateMs = 100

// Normalize fills in the request defaults: params={} when absent,
// persist=false, max_update_rate_ms=100.
func (r Request) Normalize() Request {
	out := r
	if out.Params == nil {
		out.Params = map[string]string{}
	}
	if out.MaxUpdateRateMs == 0 {
		out.MaxUpdateRateMs = defaultMaxUpdateRateMs
	}
	return out
}

// Hash computes a stable content hash over the normalized request: keys
// of Params are sorted before marshaling so map iteration order never
// affects the hash.
func (r Request) Hash() string {
	type canonical struct {
		ResourcePath    string     `json:"resource_path"`
		Params          [][2]string `json:"params"`
		Persist         bool       `json:"persist"`
		MaxUpdateRateMs int        `json:"max_update_rate_ms"`
	}

	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, r.Params[k]})
	}

	data, _ := json.Marshal(canonical{
		ResourcePath:    r.ResourcePath,
		Params:          pairs,
		Persist:         r.Persist,
		MaxUpdateRateMs: r.MaxUpdateRateMs,
	})

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Subscription is one entry in the registry.
type Subscription struct {
	ID              string
	ResourcePath    string
	Params          map[string]string
	Persist         bool
	MaxUpdateRateMs int
	APIVersion      string
	WSHref          string

	hash     string
	attached map[string]struct{} // ws connection ids currently attached
	deleted  bool
	graceTimer *time.Timer
}

// Attached returns the number of live WebSocket attachments.
func (s *Subscription) Attached() int {
	return len(s.attached)
}

// Registry is the mutex-guarded set of active subscriptions. All
// operations serialize under a single lock; enumeration is O(n),
// lookup by id is O(1).
type Registry struct {
	mu            sync.Mutex
	byID          map[string]*Subscription
	byHash        map[string]*Subscription
	grace         time.Duration
	wsHrefBuilder func(apiVersion, id string) string
}

// New creates an empty Registry. wsHrefBuilder renders a subscription's
// ws_href given its api_version and id (so the registry doesn't need to
// know the service's own host/scheme).
func New(grace time.Duration, wsHrefBuilder func(apiVersion, id string) string) *Registry {
	return &Registry{
		byID:          make(map[string]*Subscription),
		byHash:        make(map[string]*Subscription),
		grace:         grace,
		wsHrefBuilder: wsHrefBuilder,
	}
}

// Post creates or returns an existing subscription for req. Two POSTs
// with identical normalized bodies return the same subscription and
// created=false on the second.
func (r *Registry) Post(req Request, apiVersion string) (*Subscription, bool) {
	norm := req.Normalize()
	hash := norm.Hash()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byHash[hash]; ok && !existing.deleted {
		r.cancelGrace(existing)
		return existing, false
	}

	id := uuid.New().String()
	sub := &Subscription{
		ID:              id,
		ResourcePath:    norm.ResourcePath,
		Params:          norm.Params,
		Persist:         norm.Persist,
		MaxUpdateRateMs: norm.MaxUpdateRateMs,
		APIVersion:      apiVersion,
		hash:            hash,
		attached:        make(map[string]struct{}),
	}
	sub.WSHref = r.wsHrefBuilder(apiVersion, id)

	r.byID[id] = sub
	r.byHash[hash] = sub

	if !sub.Persist {
		r.armGraceLocked(sub)
	}

	return sub, true
}

// GetAll returns every live subscription, in no particular order.
func (r *Registry) GetAll() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Subscription, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Get returns the subscription with the given id, or nil.
func (r *Registry) Get(id string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// Delete removes the subscription with the given id. Returns false if
// it doesn't exist; this registry never marks a subscription
// undeletable and permits any client delete.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) bool {
	sub, ok := r.byID[id]
	if !ok {
		return false
	}
	sub.deleted = true
	if sub.graceTimer != nil {
		sub.graceTimer.Stop()
	}
	delete(r.byID, id)
	delete(r.byHash, sub.hash)
	return true
}

// Attach registers wsID as a live connection on subscription id.
// Returns the subscription, or nil if it doesn't exist.
func (r *Registry) Attach(id, wsID string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return nil
	}
	sub.attached[wsID] = struct{}{}
	r.cancelGrace(sub)
	return sub
}

// Detach removes wsID from subscription id's attached set. If the
// subscription is non-persistent and now has zero attachments, it enters
// a grace timer and is removed on expiry (absorbing quick reconnects).
func (r *Registry) Detach(id, wsID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return
	}
	delete(sub.attached, wsID)

	if !sub.Persist && len(sub.attached) == 0 {
		r.armGraceLocked(sub)
	}
}

func (r *Registry) cancelGrace(sub *Subscription) {
	if sub.graceTimer != nil {
		sub.graceTimer.Stop()
		sub.graceTimer = nil
	}
}

func (r *Registry) armGraceLocked(sub *Subscription) {
	r.cancelGrace(sub)
	id := sub.ID
	sub.graceTimer = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		current, ok := r.byID[id]
		if !ok || current.Persist || len(current.attached) != 0 {
			return
		}
		logger.Subscription().Info().Str("id", id).Msg("removing expired non-persistent subscription")
		r.removeLocked(id)
	})
}

// DetachAll clears every subscription's attachment set, used by the
// Change Watcher on shutdown. It does not close WebSocket connections or
// signal their read/write pumps; those keep running until their
// connection ends.
func (r *Registry) DetachAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.byID {
		sub.attached = make(map[string]struct{})
	}
}
