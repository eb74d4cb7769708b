package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/cloud-fleet/internal/models"
	"github.com/Sh00ty/cloud-fleet/internal/transport"
)

const (
	testInterval = 20 * time.Millisecond
	testTimeout  = 120 * time.Millisecond
	waitFor      = 3 * time.Second
	pollEvery    = 5 * time.Millisecond
)

// hub is an in-memory datagram network: lossless unless an endpoint is
// cut, which simulates a node dying without a goodbye.
type hub struct {
	mu      sync.Mutex
	members map[string]*hubTransport
	cut     map[string]bool
}

func newHub() *hub {
	return &hub{
		members: make(map[string]*hubTransport),
		cut:     make(map[string]bool),
	}
}

func (h *hub) join(addr string) *hubTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	tr := &hubTransport{hub: h, addr: addr, inbound: make(chan transport.Datagram, 1024)}
	h.members[addr] = tr
	return tr
}

func (h *hub) cutOff(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cut[addr] = true
}

type hubTransport struct {
	hub     *hub
	addr    string
	inbound chan transport.Datagram
}

func (t *hubTransport) Send(endpoint string, payload []byte) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()

	if t.hub.cut[t.addr] || t.hub.cut[endpoint] {
		return
	}
	target, exists := t.hub.members[endpoint]
	if !exists {
		return
	}
	copied := make([]byte, len(payload))
	copy(copied, payload)
	select {
	case target.inbound <- transport.Datagram{From: t.addr, Payload: copied}:
	default:
	}
}

func (t *hubTransport) Inbound() <-chan transport.Datagram {
	return t.inbound
}

func (t *hubTransport) Close() error {
	return nil
}

func startEngine(ctx context.Context, h *hub, id string, addr string, seeds []string) *Engine {
	engine := New(Config{
		SelfID:        models.NodeID(id),
		AdvertiseAddr: addr,
		Seeds:         seeds,
		Interval:      testInterval,
		Timeout:       testTimeout,
	}, h.join(addr))
	go engine.Run(ctx)
	return engine
}

// drainEvents collects every event an engine emits into a guarded slice.
func drainEvents(ctx context.Context, engine *Engine) func() []models.PeerEvent {
	var (
		mu     sync.Mutex
		events []models.PeerEvent
	)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-engine.Events():
				mu.Lock()
				events = append(events, event)
				mu.Unlock()
			}
		}
	}()
	return func() []models.PeerEvent {
		mu.Lock()
		defer mu.Unlock()
		snapshot := make([]models.PeerEvent, len(events))
		copy(snapshot, events)
		return snapshot
	}
}

func hasEvent(events []models.PeerEvent, eventType models.PeerEventType, id models.NodeID) bool {
	for _, event := range events {
		if event.Type == eventType && event.Peer.ID == id {
			return true
		}
	}
	return false
}

func TestLonePeerElectsItself(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHub()
	engine := startEngine(ctx, h, "a", "127.0.0.1:1", nil)
	events := drainEvents(ctx, engine)

	require.Eventually(t, engine.IsLeader, waitFor, pollEvery)
	assert.True(t, hasEvent(events(), models.PeerElected, "a"))
}

func TestExactlyOneLeaderEmerges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHub()
	a := startEngine(ctx, h, "a", "127.0.0.1:1", []string{"127.0.0.1:2"})
	b := startEngine(ctx, h, "b", "127.0.0.1:2", []string{"127.0.0.1:1"})
	aEvents := drainEvents(ctx, a)
	bEvents := drainEvents(ctx, b)

	require.Eventually(t, func() bool {
		return a.IsLeader() != b.IsLeader()
	}, waitFor, pollEvery)
	// the citizen recognized the winner
	require.Eventually(t, func() bool {
		if a.IsLeader() {
			return hasEvent(bEvents(), models.PeerLeader, "a")
		}
		return hasEvent(aEvents(), models.PeerLeader, "b")
	}, waitFor, pollEvery)

	assert.True(t, hasEvent(aEvents(), models.PeerAdded, "b"))
	assert.True(t, hasEvent(bEvents(), models.PeerAdded, "a"))
}

func TestSimultaneousClaimsResolveToLowestID(t *testing.T) {
	ctx := context.Background()
	h := newHub()

	engine := New(Config{
		SelfID:        "b",
		AdvertiseAddr: "127.0.0.1:2",
		Interval:      testInterval,
		Timeout:       testTimeout,
	}, h.join("127.0.0.1:2"))
	engine.selfRole = models.RoleLeader
	engine.leader.Store(true)
	engine.knownLeader = "b"

	// a higher id claims: our claim stands
	engine.handleHello(ctx, helloMessage{ID: "c", Endpoint: "127.0.0.1:3", Role: "leader", Incarnation: 1})
	assert.True(t, engine.IsLeader())

	// a lower id claims: we yield and recognize it
	engine.handleHello(ctx, helloMessage{ID: "a", Endpoint: "127.0.0.1:1", Role: "leader", Incarnation: 1})
	assert.False(t, engine.IsLeader())

	var observed []models.PeerEvent
	for len(engine.Events()) > 0 {
		observed = append(observed, <-engine.Events())
	}
	assert.True(t, hasEvent(observed, models.PeerLeader, "a"))
	assert.False(t, hasEvent(observed, models.PeerLeader, "c"))
}

func TestSameIncarnationNeverResurrects(t *testing.T) {
	ctx := context.Background()
	h := newHub()

	engine := New(Config{
		SelfID:        "a",
		AdvertiseAddr: "127.0.0.1:1",
		Interval:      testInterval,
		Timeout:       testTimeout,
	}, h.join("127.0.0.1:1"))

	engine.handleHello(ctx, helloMessage{ID: "b", Endpoint: "127.0.0.1:2", Role: "citizen", Incarnation: 7})
	engine.peers["b"].Status = models.PeerRemoved

	engine.handleHello(ctx, helloMessage{ID: "b", Endpoint: "127.0.0.1:2", Role: "citizen", Incarnation: 7})
	assert.Equal(t, models.PeerRemoved, engine.peers["b"].Status)

	engine.handleHello(ctx, helloMessage{ID: "b", Endpoint: "127.0.0.1:2", Role: "citizen", Incarnation: 8})
	assert.Equal(t, models.PeerAlive, engine.peers["b"].Status)
}

func TestSilentPeerIsRemovedWithRolePreserved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHub()
	// a establishes leadership alone, then b joins as a citizen
	a := startEngine(ctx, h, "a", "127.0.0.1:1", []string{"127.0.0.1:2"})
	require.Eventually(t, a.IsLeader, waitFor, pollEvery)

	b := startEngine(ctx, h, "b", "127.0.0.1:2", []string{"127.0.0.1:1"})
	bEvents := drainEvents(ctx, b)
	require.Eventually(t, func() bool {
		return hasEvent(bEvents(), models.PeerLeader, "a")
	}, waitFor, pollEvery)

	// then the leader goes silent
	h.cutOff("127.0.0.1:1")

	require.Eventually(t, func() bool {
		for _, event := range bEvents() {
			if event.Type == models.PeerRemovedEvent && event.Peer.ID == "a" {
				return event.Peer.Role == models.RoleLeader
			}
		}
		return false
	}, waitFor, pollEvery)

	// with the leader gone, b takes over
	require.Eventually(t, b.IsLeader, waitFor, pollEvery)
}

func TestRemovedPeerNeedsANewIncarnationToReturn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHub()
	a := startEngine(ctx, h, "a", "127.0.0.1:1", []string{"127.0.0.1:2"})
	startEngine(ctx, h, "b", "127.0.0.1:2", []string{"127.0.0.1:1"})
	aEvents := drainEvents(ctx, a)

	require.Eventually(t, func() bool {
		return hasEvent(aEvents(), models.PeerAdded, "b")
	}, waitFor, pollEvery)

	h.cutOff("127.0.0.1:2")
	require.Eventually(t, func() bool {
		return hasEvent(aEvents(), models.PeerRemovedEvent, "b")
	}, waitFor, pollEvery)

	// a fresh process with the same id carries a new incarnation and is
	// sighted again (on a new endpoint, since the old one stays cut off)
	before := len(aEvents())
	startEngine(ctx, h, "b", "127.0.0.1:3", []string{"127.0.0.1:1"})
	require.Eventually(t, func() bool {
		return hasEvent(aEvents()[before:], models.PeerAdded, "b")
	}, waitFor, pollEvery)
}

func TestPeersAreLearnedTransitively(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHub()
	// c only knows about a, but a gossips b's existence
	startEngine(ctx, h, "a", "127.0.0.1:1", []string{"127.0.0.1:2", "127.0.0.1:3"})
	startEngine(ctx, h, "b", "127.0.0.1:2", []string{"127.0.0.1:1"})
	c := startEngine(ctx, h, "c", "127.0.0.1:3", []string{"127.0.0.1:1"})
	cEvents := drainEvents(ctx, c)

	require.Eventually(t, func() bool {
		events := cEvents()
		return hasEvent(events, models.PeerAdded, "a") && hasEvent(events, models.PeerAdded, "b")
	}, waitFor, pollEvery)
}

func TestMalformedDatagramIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHub()
	a := startEngine(ctx, h, "a", "127.0.0.1:1", nil)
	events := drainEvents(ctx, a)

	garbage := h.join("127.0.0.1:9")
	garbage.Send("127.0.0.1:1", []byte("not json at all"))
	garbage.Send("127.0.0.1:1", []byte(`{"role":"leader"}`))

	require.Eventually(t, a.IsLeader, waitFor, pollEvery)
	for _, event := range events() {
		assert.NotEqual(t, models.PeerAdded, event.Type)
	}
}
