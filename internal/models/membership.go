package models

import "time"

type NodeID string

func (n NodeID) String() string {
	return string(n)
}

type Role int8

const (
	RoleCitizen Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "citizen"
}

type PeerStatus int8

const (
	PeerAlive PeerStatus = iota
	PeerRemoved
)

// Peer is the gossip engine's view of one node.
type Peer struct {
	ID          NodeID
	Endpoint    string
	Role        Role
	Incarnation uint64
	LastHeard   time.Time
	Status      PeerStatus
}

type PeerEventType int8

const (
	PeerEventUnknown PeerEventType = iota
	PeerAdded
	PeerRemovedEvent
	PeerElected
	PeerLeader
)

func (t PeerEventType) String() string {
	switch t {
	case PeerAdded:
		return "added"
	case PeerRemovedEvent:
		return "removed"
	case PeerElected:
		return "elected"
	case PeerLeader:
		return "leader"
	}
	return "unknown"
}

// PeerEvent carries the peer snapshot taken at decision time, so the
// consumer sees the role the peer had when the event fired (a removed
// leader keeps its leader role in the event).
type PeerEvent struct {
	Type PeerEventType
	Peer Peer
}
