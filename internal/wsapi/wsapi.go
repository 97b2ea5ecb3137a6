// Package wsapi implements the WebSocket Endpoint: upgrades a connection
// for a specific subscription, performs the on-connect baseline sync,
// and runs the read/write pump pair that keeps the connection alive and
// delivers grains as the Fan-Out Engine produces them.
package wsapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nmos-tools/queryservice/internal/fanout"
	"github.com/nmos-tools/queryservice/internal/grain"
	"github.com/nmos-tools/queryservice/internal/logger"
	"github.com/nmos-tools/queryservice/internal/resource"
	"github.com/nmos-tools/queryservice/internal/subscription"
)

var errSlowClient = errors.New("wsapi: client send buffer full")

func jsonMarshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin allows any origin: NMOS WebSocket clients are registry
// consumers on a private network, not browser pages subject to
// same-origin concerns, and the original service applies no such check.
func checkOrigin(r *http.Request) bool {
	return true
}

// SnapshotFunc fetches the current resources a subscription's
// resource_path covers, for the baseline sync sent right after attach.
type SnapshotFunc func(sub *subscription.Subscription) ([]resource.Doc, resource.Type, error)

// Hub tracks, per subscription id, the set of live client connections and
// delivers grains the Fan-Out Engine hands it via Deliver.
type Hub struct {
	subs     *subscription.Registry
	snapshot SnapshotFunc

	mu      sync.RWMutex
	clients map[string]map[*Client]bool // subscription id -> client set
}

// NewHub creates a Hub backed by subs, using snapshot to build each
// freshly attached client's baseline sync grain.
func NewHub(subs *subscription.Registry, snapshot SnapshotFunc) *Hub {
	return &Hub{
		subs:     subs,
		snapshot: snapshot,
		clients:  make(map[string]map[*Client]bool),
	}
}

// Client is one attached WebSocket connection for a single subscription.
type Client struct {
	hub            *Hub
	conn           *websocket.Conn
	send           chan []byte
	id             string
	subscriptionID string
}

// ServeHTTP handles GET /x-nmos/query/<version>/ws/?uid=<id>.
// It validates uid against the subscription registry, upgrades the
// connection, attaches it, sends the baseline sync grain, and starts the
// pump goroutines. The upgrade is aborted (plain HTTP error, no upgrade)
// if the subscription doesn't exist.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, subscriptionID string) {
	sub := h.subs.Get(subscriptionID)
	if sub == nil {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WebSocket().Warn().Err(err).Str("subscription", subscriptionID).Msg("upgrade failed")
		return
	}

	client := &Client{
		hub:            h,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		id:             uuid.New().String(),
		subscriptionID: subscriptionID,
	}

	h.register(client)
	h.subs.Attach(subscriptionID, client.id)

	if err := h.sendBaselineSync(client, sub); err != nil {
		logger.WebSocket().Warn().Err(err).Str("subscription", subscriptionID).Msg("baseline sync failed")
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) sendBaselineSync(client *Client, sub *subscription.Subscription) error {
	docs, resType, err := h.snapshot(sub)
	if err != nil {
		return err
	}

	g, err := fanout.Sync(sub, docs, resType)
	if err != nil {
		return err
	}
	if !client.enqueueJSON(g) {
		return errSlowClient
	}
	return nil
}

// Deliver is the fanout.Sink implementation: it fans a grain out to every
// client currently attached to subscriptionID. A subscription whose
// outgoing queue is full on any attached client is terminated outright
// (every one of its WebSockets closed, attach state cleared) rather than
// letting one slow client silently drop messages: spec behaviour treats
// backpressure as a subscription-level fault, not a per-socket one.
func (h *Hub) Deliver(subscriptionID string, g grain.Grain) {
	h.mu.RLock()
	set := h.clients[subscriptionID]
	clients := make([]*Client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueueJSON(g) {
			logger.WebSocket().Warn().Str("subscription", subscriptionID).Msg("subscription slow, terminating")
			h.terminateSubscription(subscriptionID)
			return
		}
	}
}

// terminateSubscription closes every client attached to subscriptionID
// and clears its attach state.
func (h *Hub) terminateSubscription(subscriptionID string) {
	h.mu.Lock()
	set := h.clients[subscriptionID]
	delete(h.clients, subscriptionID)
	h.mu.Unlock()

	for c := range set {
		close(c.send)
		h.subs.Detach(subscriptionID, c.id)
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.subscriptionID]
	if !ok {
		set = make(map[*Client]bool)
		h.clients[c.subscriptionID] = set
	}
	set[c] = true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.subscriptionID]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			close(c.send)
			if len(set) == 0 {
				delete(h.clients, c.subscriptionID)
			}
		}
	}
	h.subs.Detach(c.subscriptionID, c.id)
}

// ClientCount returns the number of connections currently attached to
// subscriptionID.
func (h *Hub) ClientCount(subscriptionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[subscriptionID])
}

// enqueueJSON attempts a non-blocking send of g to the client. It
// returns false when the client's outgoing queue is full; the caller
// decides what that means (a failed baseline sync is just logged, a
// failed fan-out delivery terminates the whole subscription).
func (c *Client) enqueueJSON(g grain.Grain) bool {
	data, err := jsonMarshal(g)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writePump pumps grains from the client's send channel to the
// connection, one JSON-encoded grain per WebSocket frame, and pings
// every pingPeriod to detect dead peers.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the read deadline alive via pong handling. Any inbound
// application message is treated as a no-op keepalive: this endpoint is
// one-directional by design.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WebSocket().Debug().Err(err).Str("subscription", c.subscriptionID).Msg("connection closed")
			}
			return
		}
	}
}
