package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/cloud-fleet/internal/cloud"
	"github.com/Sh00ty/cloud-fleet/internal/journal"
	"github.com/Sh00ty/cloud-fleet/internal/metrics"
	"github.com/Sh00ty/cloud-fleet/internal/models"
	"github.com/Sh00ty/cloud-fleet/internal/registry"
	"github.com/Sh00ty/cloud-fleet/pkg/naming"
)

type CloudAdapter interface {
	Get(ctx context.Context, id models.NodeID) (cloud.Instance, error)
	Create(ctx context.Context, tmpl models.ProvisioningTemplate) (models.NodeID, error)
	Destroy(ctx context.Context, id models.NodeID) error
	AssignFloatingAddress(ctx context.Context, address string, id models.NodeID) error
}

// Election is what the controller needs from the fleet gossip engine.
type Election interface {
	IsLeader() bool
	Events() <-chan models.PeerEvent
}

// SubElection is a scoped engine backing one group's floating address.
type SubElection interface {
	Run(ctx context.Context)
	Events() <-chan models.PeerEvent
}

type SubElectionFactory func(bindAddr string, peers []string) (SubElection, error)

type Config struct {
	SelfID            models.NodeID
	FleetTag          string
	GossipPort        int
	BindHost          string
	ReconcileInterval time.Duration
}

// Controller owns the group definitions and turns membership deltas
// into create/destroy calls. All mutation happens on the Run dispatch
// goroutine; the mutex only covers the small shared state and is never
// held across cloud calls.
type Controller struct {
	cfg      Config
	cloud    CloudAdapter
	registry *registry.Registry
	election Election
	metrics  metrics.Metrics
	journal  journal.Journal

	newSubElection SubElectionFactory

	mu            *sync.Mutex
	groups        []models.Group
	pending       []models.Peer
	bootstrapDone bool
}

func New(
	cfg Config,
	cloudAdapter CloudAdapter,
	reg *registry.Registry,
	election Election,
	m metrics.Metrics,
	j journal.Journal,
	subFactory SubElectionFactory,
) *Controller {
	if m == nil {
		m = metrics.Noop{}
	}
	if j == nil {
		j = journal.Nop{}
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Minute
	}
	return &Controller{
		mu:             &sync.Mutex{},
		cfg:            cfg,
		cloud:          cloudAdapter,
		registry:       reg,
		election:       election,
		metrics:        m,
		journal:        j,
		newSubElection: subFactory,
	}
}

// Register adds a group for the agent's lifetime. When the group
// declares a floating address and the local agent is one of its
// members, a scoped sub-election is started alongside.
func (c *Controller) Register(ctx context.Context, group models.Group) error {
	if group.DesiredSize < 0 {
		return fmt.Errorf("group %s has negative desired size %d", group.Name, group.DesiredSize)
	}
	if group.Template.Name == "" {
		return fmt.Errorf("group %s has no template name", group.Name)
	}

	c.mu.Lock()
	c.groups = append(c.groups, group)
	index := len(c.groups)
	c.mu.Unlock()

	log.Info().Msgf("registered group %s: desired=%d matchTags=%v", group.Name, group.DesiredSize, group.MatchTags)

	if group.FloatingAddress != "" {
		err := c.startSubElection(ctx, group, index)
		if err != nil {
			return fmt.Errorf("failed to start sub-election for group %s: %w", group.Name, err)
		}
	}
	return nil
}

// Run consumes fleet events until the context is cancelled. Event
// handling is strictly sequential: a balance pass finishes before the
// next event is dispatched, which is what makes destroy/create
// decisions single-writer.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.election.IsLeader() {
				c.balanceAll(ctx)
			}
		case event, opened := <-c.election.Events():
			if !opened {
				return nil
			}
			c.dispatch(ctx, event)
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, event models.PeerEvent) {
	log.Debug().Msgf("dispatching %s event for peer %s", event.Type, event.Peer.ID)
	switch event.Type {
	case models.PeerAdded:
		c.handleAdded(ctx, event.Peer)
	case models.PeerRemovedEvent:
		c.handleRemoved(ctx, event.Peer)
	case models.PeerElected:
		c.handleElected(ctx)
	case models.PeerLeader:
		c.handleLeader(ctx, event.Peer)
	}
}

func (c *Controller) handleAdded(ctx context.Context, peer models.Peer) {
	if peer.Role == models.RoleLeader {
		// a newcomer announcing leadership is authoritative: someone
		// is already in charge, nothing is waiting for our election
		c.clearPending("added peer claims leadership")
	}

	instance, err := c.cloud.Get(ctx, peer.ID)
	if err != nil {
		log.Error().Err(err).Msgf("failed to enrich new peer %s from provider", peer.ID)
		return
	}
	node := instance.ToNode()
	if !node.Reachable() {
		log.Warn().Msgf("peer %s has no usable address yet", peer.ID)
	}
	c.registry.Upsert(node)
	log.Info().Msgf("registered node %s (%s) in %s with tags %v", node.ID, node.Name, node.Region, node.Tags)

	if c.election.IsLeader() {
		c.balanceAffected(ctx, node.Tags)
	}
}

func (c *Controller) handleRemoved(ctx context.Context, peer models.Peer) {
	if !c.election.IsLeader() {
		if peer.Role == models.RoleLeader {
			// the leader died with this event unhandled; whoever wins
			// the next election replays it
			c.mu.Lock()
			c.pending = append(c.pending, peer)
			c.mu.Unlock()
			log.Info().Msgf("staged removal of dead leader %s until a new leader exists", peer.ID)
		}
		return
	}
	c.removeNode(ctx, peer.ID, true)
}

func (c *Controller) handleElected(ctx context.Context) {
	log.Info().Msgf("node %s won the election", c.cfg.SelfID)
	c.metrics.Increment("election.won")
	c.journal.Record(ctx, journal.Event{Type: journal.EventLeaderElected, NodeID: c.cfg.SelfID.String()})

	c.mu.Lock()
	staged := c.pending
	c.pending = nil
	firstElection := !c.bootstrapDone
	c.bootstrapDone = true
	c.mu.Unlock()

	// on a first election the fleet-wide pass below covers every group
	// the drained removals touched; rebalancing per removal would
	// double-create replacements
	for _, peer := range staged {
		c.removeNode(ctx, peer.ID, !firstElection)
	}
	if firstElection {
		log.Info().Msg("first leadership of this lifetime, converging all groups")
		c.balanceAll(ctx)
	}
}

func (c *Controller) handleLeader(ctx context.Context, peer models.Peer) {
	log.Info().Msgf("node %s leads the fleet", peer.ID)
	c.journal.Record(ctx, journal.Event{Type: journal.EventLeaderObserved, NodeID: peer.ID.String()})
	c.clearPending("remote leader recognized")
}

func (c *Controller) clearPending(reason string) {
	c.mu.Lock()
	dropped := len(c.pending)
	c.pending = nil
	c.bootstrapDone = true
	c.mu.Unlock()
	if dropped > 0 {
		log.Info().Msgf("cleared %d staged removals: %s", dropped, reason)
	}
}

// removeNode is the removal pipeline: destroy through the provider,
// drop from the registry, rebalance every group the node belonged to.
func (c *Controller) removeNode(ctx context.Context, id models.NodeID, rebalance bool) {
	node, exists := c.registry.Get(id)
	if !exists {
		log.Debug().Msgf("removal of unknown node %s, ignoring", id)
		return
	}
	err := c.cloud.Destroy(ctx, id)
	if err != nil {
		// the instance may survive; if it gossips again it re-enters
		// the registry and the next shrink pass picks it up
		log.Error().Err(err).Msgf("failed to destroy node %s", id)
	} else {
		c.metrics.Increment("node.destroy")
		c.journal.Record(ctx, journal.Event{Type: journal.EventNodeDestroyed, NodeID: id.String()})
	}
	c.registry.Remove(id)
	log.Info().Msgf("node %s removed from fleet", id)

	if rebalance {
		c.balanceAffected(ctx, node.Tags)
	}
}

func (c *Controller) snapshotGroups() []models.Group {
	c.mu.Lock()
	defer c.mu.Unlock()

	groups := make([]models.Group, len(c.groups))
	copy(groups, c.groups)
	return groups
}

func (c *Controller) balanceAll(ctx context.Context) {
	for _, group := range c.snapshotGroups() {
		c.balance(ctx, group)
	}
}

func (c *Controller) balanceAffected(ctx context.Context, tags []string) {
	for _, group := range c.snapshotGroups() {
		if group.Matches(tags, c.cfg.FleetTag) {
			c.balance(ctx, group)
		}
	}
}

// balance converges one group to its desired size. It is a pure
// function of the current registry: no retries here, a create that
// never materializes keeps the group short and re-triggers next pass.
func (c *Controller) balance(ctx context.Context, group models.Group) {
	members := c.registry.ByGroup(group)
	diff := group.DesiredSize - len(members)
	c.metrics.Gauge("group."+group.Name+".size", len(members))

	switch {
	case diff > 0:
		log.Info().Msgf("group %s is short %d nodes", group.Name, diff)
		for i := 0; i < diff; i++ {
			c.createNode(ctx, group)
		}
	case diff < 0:
		log.Info().Msgf("group %s is %d nodes over, shrinking", group.Name, -diff)
		for _, victim := range members[:len(members)-group.DesiredSize] {
			err := c.cloud.Destroy(ctx, victim.ID)
			if err != nil {
				log.Error().Err(err).Msgf("failed to destroy surplus node %s", victim.ID)
				continue
			}
			c.registry.Remove(victim.ID)
			c.metrics.Increment("node.destroy")
			c.journal.Record(ctx, journal.Event{
				Type:   journal.EventNodeDestroyed,
				NodeID: victim.ID.String(),
				Group:  group.Name,
			})
			log.Info().Msgf("destroyed surplus node %s of group %s", victim.ID, group.Name)
		}
	}
}

func (c *Controller) createNode(ctx context.Context, group models.Group) {
	tmpl := group.Template
	tmpl.Name = naming.WithSuffix(tmpl.Name)
	id, err := c.cloud.Create(ctx, tmpl)
	if err != nil {
		log.Error().Err(err).Msgf("failed to create node %s for group %s", tmpl.Name, group.Name)
		return
	}
	c.metrics.Increment("node.create")
	c.journal.Record(ctx, journal.Event{
		Type:   journal.EventNodeCreated,
		NodeID: id.String(),
		Group:  group.Name,
		Detail: tmpl.Name,
	})
	// the node enters the registry once it shows up via gossip
	log.Info().Msgf("created node %s (%s) for group %s", id, tmpl.Name, group.Name)
}
