package fanout

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmos-tools/queryservice/internal/grain"
	"github.com/nmos-tools/queryservice/internal/registryadapter"
	"github.com/nmos-tools/queryservice/internal/resource"
	"github.com/nmos-tools/queryservice/internal/subscription"
)

type fakeSink struct {
	mu   sync.Mutex
	sent []grain.Grain
}

func (f *fakeSink) Deliver(subscriptionID string, g grain.Grain) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, g)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSink) last() grain.Grain {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestRegistry() *subscription.Registry {
	return subscription.New(time.Minute, func(apiVersion, id string) string {
		return "/x-nmos/query/" + apiVersion + "/subscriptions/" + id + "/ws"
	})
}

func TestHandleEvent_CreateDeliversGrainWithNilPre(t *testing.T) {
	reg := newTestRegistry()
	sub, _ := reg.Post(subscription.Request{ResourcePath: "/devices"}, "v1.3")

	sink := &fakeSink{}
	engine := New(reg, sink)

	ev := registryadapter.ChangeEvent{
		Action: registryadapter.ActionSet,
		Key:    registryadapter.Key{Type: resource.TypeDevice, ID: "dev-1"},
		Pre:    nil,
		Post:   resource.Doc{"id": "dev-1", "label": "camera", "@_apiversion": "v1.3"},
	}
	engine.HandleEvent(ev)

	require.Equal(t, 1, sink.count())
	g := sink.last()
	require.Len(t, g.Grain.Data, 1)
	assert.Nil(t, g.Grain.Data[0].Pre)
	assert.Equal(t, "dev-1", g.Grain.Data[0].Post["id"])
	assert.Equal(t, sub.ID, g.FlowID)
}

func TestHandleEvent_NoOpSuppressed(t *testing.T) {
	reg := newTestRegistry()
	reg.Post(subscription.Request{ResourcePath: "/devices"}, "v1.3")

	sink := &fakeSink{}
	engine := New(reg, sink)

	doc := resource.Doc{"id": "dev-1", "label": "camera", "@_apiversion": "v1.3"}
	ev := registryadapter.ChangeEvent{
		Action: registryadapter.ActionSet,
		Key:    registryadapter.Key{Type: resource.TypeDevice, ID: "dev-1"},
		Pre:    doc.Clone(),
		Post:   doc.Clone(),
	}
	engine.HandleEvent(ev)

	assert.Equal(t, 0, sink.count())
}

func TestHandleEvent_FilterExitEmitsDeleteShapedEntry(t *testing.T) {
	reg := newTestRegistry()
	reg.Post(subscription.Request{
		ResourcePath: "/devices",
		Params:       map[string]string{"label": "camera"},
	}, "v1.3")

	sink := &fakeSink{}
	engine := New(reg, sink)

	ev := registryadapter.ChangeEvent{
		Action: registryadapter.ActionSet,
		Key:    registryadapter.Key{Type: resource.TypeDevice, ID: "dev-1"},
		Pre:    resource.Doc{"id": "dev-1", "label": "camera", "@_apiversion": "v1.3"},
		Post:   resource.Doc{"id": "dev-1", "label": "microphone", "@_apiversion": "v1.3"},
	}
	engine.HandleEvent(ev)

	require.Equal(t, 1, sink.count())
	entry := sink.last().Grain.Data[0]
	assert.NotNil(t, entry.Pre)
	assert.Nil(t, entry.Post)
}

func TestHandleEvent_UnmatchedSubscriptionTypeIgnored(t *testing.T) {
	reg := newTestRegistry()
	reg.Post(subscription.Request{ResourcePath: "/senders"}, "v1.3")

	sink := &fakeSink{}
	engine := New(reg, sink)

	ev := registryadapter.ChangeEvent{
		Action: registryadapter.ActionSet,
		Key:    registryadapter.Key{Type: resource.TypeDevice, ID: "dev-1"},
		Post:   resource.Doc{"id": "dev-1"},
	}
	engine.HandleEvent(ev)

	assert.Equal(t, 0, sink.count())
}

func TestHandleEvent_RateLimitCoalescesBurst(t *testing.T) {
	reg := newTestRegistry()
	sub, _ := reg.Post(subscription.Request{
		ResourcePath:    "/devices",
		MaxUpdateRateMs: 50,
	}, "v1.3")

	sink := &fakeSink{}
	engine := New(reg, sink)

	first := registryadapter.ChangeEvent{
		Action: registryadapter.ActionSet,
		Key:    registryadapter.Key{Type: resource.TypeDevice, ID: "dev-1"},
		Post:   resource.Doc{"id": "dev-1", "label": "v1", "@_apiversion": "v1.3"},
	}
	engine.HandleEvent(first)
	require.Equal(t, 1, sink.count(), "first event in a window delivers immediately")

	second := registryadapter.ChangeEvent{
		Action: registryadapter.ActionSet,
		Key:    registryadapter.Key{Type: resource.TypeDevice, ID: "dev-1"},
		Pre:    resource.Doc{"id": "dev-1", "label": "v1", "@_apiversion": "v1.3"},
		Post:   resource.Doc{"id": "dev-1", "label": "v2", "@_apiversion": "v1.3"},
	}
	engine.HandleEvent(second)
	assert.Equal(t, 1, sink.count(), "second event within the window is coalesced, not delivered yet")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 2, sink.count(), "coalesced batch flushes after the rate window elapses")

	g := sink.last()
	require.Len(t, g.Grain.Data, 1)
	assert.Equal(t, "v2", g.Grain.Data[0].Post["label"])
	assert.Equal(t, sub.ID, g.FlowID)
}

func TestSync_EmitsPreEqualsPostForMatchingResources(t *testing.T) {
	reg := newTestRegistry()
	sub, _ := reg.Post(subscription.Request{
		ResourcePath: "/devices",
		Params:       map[string]string{"label": "camera"},
	}, "v1.3")

	docs := []resource.Doc{
		{"id": "dev-1", "label": "camera", "@_apiversion": "v1.3"},
		{"id": "dev-2", "label": "microphone", "@_apiversion": "v1.3"},
	}

	g, err := Sync(sub, docs, resource.TypeDevice)
	require.NoError(t, err)
	require.Len(t, g.Grain.Data, 1)
	entry := g.Grain.Data[0]
	assert.Equal(t, entry.Pre, entry.Post)
	assert.Equal(t, "dev-1", entry.Post["id"])
}

func TestSync_EmptySnapshotProducesEmptyGrain(t *testing.T) {
	reg := newTestRegistry()
	sub, _ := reg.Post(subscription.Request{ResourcePath: "/devices"}, "v1.3")

	g, err := Sync(sub, []resource.Doc{}, resource.TypeDevice)
	require.NoError(t, err)
	assert.Empty(t, g.Grain.Data)
}
