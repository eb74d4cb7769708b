package gossip

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/cloud-fleet/internal/models"
	"github.com/Sh00ty/cloud-fleet/internal/transport"
)

type Transport interface {
	Send(endpoint string, payload []byte)
	Inbound() <-chan transport.Datagram
	Close() error
}

type Config struct {
	SelfID models.NodeID
	// AdvertiseAddr is the endpoint peers use to reach this engine.
	AdvertiseAddr string
	// Seeds are the initial peer endpoints; ids are learned from hellos.
	Seeds       []string
	Interval    time.Duration
	Timeout     time.Duration
	EventBuffer int
}

// Engine maintains a replicated-but-not-consistent view of which peers
// are up and which one leads, and exposes it as a serialized event
// stream. All table mutation happens on the Run goroutine; only the
// leadership flag is readable from outside.
type Engine struct {
	cfg    Config
	tr     Transport
	events chan models.PeerEvent

	peers map[models.NodeID]*models.Peer
	seeds map[string]struct{}

	selfRole        models.Role
	selfIncarnation uint64
	knownLeader     models.NodeID
	leader          atomic.Bool

	electionTimer   *time.Timer
	electionPending bool
}

func New(cfg Config, tr Transport) *Engine {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	seeds := make(map[string]struct{}, len(cfg.Seeds))
	for _, endpoint := range cfg.Seeds {
		if endpoint == cfg.AdvertiseAddr {
			continue
		}
		seeds[endpoint] = struct{}{}
	}
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	return &Engine{
		cfg:    cfg,
		tr:     tr,
		events: make(chan models.PeerEvent, cfg.EventBuffer),
		peers:  make(map[models.NodeID]*models.Peer),
		seeds:  seeds,
		// a restarted agent announces a fresh incarnation, which is what
		// lets it rejoin after its previous life was declared dead
		selfIncarnation: uint64(time.Now().UnixNano()),
		selfRole:        models.RoleCitizen,
		electionTimer:   timer,
	}
}

func (e *Engine) Events() <-chan models.PeerEvent {
	return e.events
}

func (e *Engine) IsLeader() bool {
	return e.leader.Load()
}

func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.broadcastHello()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkTimeouts(ctx)
			e.broadcastHello()
			e.maybeScheduleElection()
		case dg, ok := <-e.tr.Inbound():
			if !ok {
				return
			}
			e.handleDatagram(ctx, dg)
		case <-e.electionTimer.C:
			e.electionPending = false
			e.claimLeadership(ctx)
		}
	}
}

func (e *Engine) emit(ctx context.Context, eventType models.PeerEventType, peer models.Peer) {
	select {
	case e.events <- models.PeerEvent{Type: eventType, Peer: peer}:
	case <-ctx.Done():
	}
}

func (e *Engine) selfPeer() models.Peer {
	return models.Peer{
		ID:          e.cfg.SelfID,
		Endpoint:    e.cfg.AdvertiseAddr,
		Role:        e.selfRole,
		Incarnation: e.selfIncarnation,
		LastHeard:   time.Now(),
		Status:      models.PeerAlive,
	}
}

func (e *Engine) checkTimeouts(ctx context.Context) {
	now := time.Now()
	for _, p := range e.peers {
		if p.Status != models.PeerAlive {
			continue
		}
		if now.Sub(p.LastHeard) <= e.cfg.Timeout {
			continue
		}
		p.Status = models.PeerRemoved
		if e.knownLeader == p.ID {
			e.knownLeader = ""
		}
		log.Info().Msgf("peer %s (%s) timed out, last heard %s ago", p.ID, p.Role, now.Sub(p.LastHeard))
		// role is preserved in the snapshot so consumers can react to
		// leader loss specifically
		e.emit(ctx, models.PeerRemovedEvent, *p)
	}
}

func (e *Engine) broadcastHello() {
	known := make([]helloPeer, 0, len(e.peers))
	targets := make(map[string]struct{}, len(e.peers)+len(e.seeds))
	for endpoint := range e.seeds {
		targets[endpoint] = struct{}{}
	}
	for _, p := range e.peers {
		if p.Status != models.PeerAlive {
			continue
		}
		known = append(known, helloPeer{ID: p.ID.String(), Endpoint: p.Endpoint})
		targets[p.Endpoint] = struct{}{}
	}
	sort.Slice(known, func(i, j int) bool { return known[i].ID < known[j].ID })

	payload, err := json.Marshal(helloMessage{
		ID:          e.cfg.SelfID.String(),
		Endpoint:    e.cfg.AdvertiseAddr,
		Role:        e.selfRole.String(),
		Incarnation: e.selfIncarnation,
		Peers:       known,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode hello")
		return
	}
	for endpoint := range targets {
		if endpoint == e.cfg.AdvertiseAddr {
			continue
		}
		e.tr.Send(endpoint, payload)
	}
}

func (e *Engine) maybeScheduleElection() {
	if e.leader.Load() || e.electionPending {
		return
	}
	if e.leaderAlive() {
		return
	}
	backoff := time.Duration(rand.Uint64N(uint64(e.cfg.Interval)))
	e.electionPending = true
	e.electionTimer.Reset(backoff)
	log.Debug().Msgf("no live leader, claiming in %s", backoff)
}

func (e *Engine) leaderAlive() bool {
	for _, p := range e.peers {
		if p.Status == models.PeerAlive && p.Role == models.RoleLeader {
			return true
		}
	}
	return false
}

func (e *Engine) claimLeadership(ctx context.Context) {
	if e.leader.Load() || e.leaderAlive() {
		return
	}
	e.selfRole = models.RoleLeader
	e.leader.Store(true)
	e.knownLeader = e.cfg.SelfID
	log.Info().Msgf("node %s claims leadership", e.cfg.SelfID)
	e.emit(ctx, models.PeerElected, e.selfPeer())
	e.broadcastHello()
}

func (e *Engine) stopElectionTimer() {
	if !e.electionPending {
		return
	}
	e.electionPending = false
	if !e.electionTimer.Stop() {
		select {
		case <-e.electionTimer.C:
		default:
		}
	}
}

func (e *Engine) handleDatagram(ctx context.Context, dg transport.Datagram) {
	msg := helloMessage{}
	err := json.Unmarshal(dg.Payload, &msg)
	if err != nil || msg.ID == "" {
		log.Debug().Msgf("dropping malformed datagram from %s", dg.From)
		return
	}
	if models.NodeID(msg.ID) == e.cfg.SelfID {
		return
	}
	e.handleHello(ctx, msg)
}

func (e *Engine) handleHello(ctx context.Context, msg helloMessage) {
	var (
		now  = time.Now()
		id   = models.NodeID(msg.ID)
		role = parseRole(msg.Role)
	)
	p, exists := e.peers[id]
	switch {
	case !exists:
		p = &models.Peer{
			ID:          id,
			Endpoint:    msg.Endpoint,
			Role:        role,
			Incarnation: msg.Incarnation,
			LastHeard:   now,
			Status:      models.PeerAlive,
		}
		e.peers[id] = p
		log.Info().Msgf("first sighting of peer %s (%s) at %s", id, role, msg.Endpoint)
		e.emit(ctx, models.PeerAdded, *p)
	case p.Status == models.PeerRemoved:
		// a removed peer never comes back under the same incarnation
		if msg.Incarnation <= p.Incarnation {
			return
		}
		p.Status = models.PeerAlive
		p.Incarnation = msg.Incarnation
		p.Role = role
		p.Endpoint = msg.Endpoint
		p.LastHeard = now
		log.Info().Msgf("peer %s is back with incarnation %d", id, msg.Incarnation)
		e.emit(ctx, models.PeerAdded, *p)
	default:
		p.LastHeard = now
		p.Endpoint = msg.Endpoint
		if msg.Incarnation > p.Incarnation {
			p.Incarnation = msg.Incarnation
		}
		if p.Role == models.RoleLeader && role == models.RoleCitizen && e.knownLeader == id {
			e.knownLeader = ""
		}
		p.Role = role
	}

	if role == models.RoleLeader {
		e.observeLeaderClaim(ctx, p)
	}
	e.mergeKnownPeers(ctx, msg.Peers, now)
}

// observeLeaderClaim resolves leadership claims: among simultaneous
// claimants the lowest id wins, losers revert to citizen.
func (e *Engine) observeLeaderClaim(ctx context.Context, p *models.Peer) {
	if e.leader.Load() {
		if p.ID >= e.cfg.SelfID {
			// our claim stands; the remote yields on our next hello
			return
		}
		e.selfRole = models.RoleCitizen
		e.leader.Store(false)
		log.Info().Msgf("yielding leadership to %s", p.ID)
	} else if e.knownLeader != "" && e.knownLeader != p.ID {
		cur, ok := e.peers[e.knownLeader]
		if ok && cur.Status == models.PeerAlive && cur.Role == models.RoleLeader && cur.ID < p.ID {
			return
		}
	}
	e.stopElectionTimer()
	if e.knownLeader == p.ID {
		return
	}
	e.knownLeader = p.ID
	log.Info().Msgf("recognized %s as leader", p.ID)
	e.emit(ctx, models.PeerLeader, *p)
}

func (e *Engine) mergeKnownPeers(ctx context.Context, peers []helloPeer, now time.Time) {
	for _, hp := range peers {
		id := models.NodeID(hp.ID)
		if id == e.cfg.SelfID || hp.ID == "" {
			continue
		}
		if _, exists := e.peers[id]; exists {
			continue
		}
		p := &models.Peer{
			ID:        id,
			Endpoint:  hp.Endpoint,
			Role:      models.RoleCitizen,
			LastHeard: now,
			Status:    models.PeerAlive,
		}
		e.peers[id] = p
		log.Info().Msgf("learned peer %s at %s from gossip", id, hp.Endpoint)
		e.emit(ctx, models.PeerAdded, *p)
	}
}

func parseRole(role string) models.Role {
	if role == models.RoleLeader.String() {
		return models.RoleLeader
	}
	return models.RoleCitizen
}
