package controller

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/cloud-fleet/internal/journal"
	"github.com/Sh00ty/cloud-fleet/internal/models"
)

// startSubElection runs a second gossip engine scoped to one group's
// members, offset from the fleet port by index, the group's registration
// index plus one (so the first sub-election never takes the fleet port).
// Its only job is keeping the group's floating address on
// whichever member currently leads it.
func (c *Controller) startSubElection(ctx context.Context, group models.Group, index int) error {
	if c.newSubElection == nil {
		return fmt.Errorf("no sub-election factory configured")
	}
	members := c.registry.ByGroup(group)
	selfMember := false
	peers := make([]string, 0, len(members))
	for _, member := range members {
		if member.ID == c.cfg.SelfID {
			selfMember = true
			continue
		}
		if member.Addr() == "" {
			continue
		}
		peers = append(peers, fmt.Sprintf("%s:%d", member.Addr(), c.cfg.GossipPort+index))
	}
	if !selfMember {
		log.Debug().Msgf("not a member of group %s, skipping its floating address election", group.Name)
		return nil
	}

	bind := fmt.Sprintf("%s:%d", c.cfg.BindHost, c.cfg.GossipPort+index)
	sub, err := c.newSubElection(bind, peers)
	if err != nil {
		return err
	}
	go sub.Run(ctx)
	go c.watchFloating(ctx, group, sub)
	log.Info().Msgf("floating address %s election for group %s on %s", group.FloatingAddress, group.Name, bind)
	return nil
}

func (c *Controller) watchFloating(ctx context.Context, group models.Group, sub SubElection) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, opened := <-sub.Events():
			if !opened {
				return
			}
			if event.Type != models.PeerElected {
				continue
			}
			err := c.cloud.AssignFloatingAddress(ctx, group.FloatingAddress, c.cfg.SelfID)
			if err != nil {
				log.Error().Err(err).Msgf("failed to claim floating address %s", group.FloatingAddress)
				continue
			}
			c.metrics.Increment("floating.assign")
			c.journal.Record(ctx, journal.Event{
				Type:   journal.EventFloatingAssigned,
				NodeID: c.cfg.SelfID.String(),
				Group:  group.Name,
				Detail: group.FloatingAddress,
			})
			log.Info().Msgf("floating address %s now points at %s", group.FloatingAddress, c.cfg.SelfID)
		}
	}
}
