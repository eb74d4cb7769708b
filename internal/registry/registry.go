package registry

import (
	"sort"
	"sync"

	"github.com/Sh00ty/cloud-fleet/internal/models"
)

// Registry is the canonical in-memory map of known nodes, keyed by
// provider instance id. Group membership is computed from current tags
// on every query; no shadow lists are kept.
type Registry struct {
	mu       *sync.Mutex
	nodes    map[models.NodeID]models.Node
	fleetTag string
}

func New(fleetTag string) *Registry {
	return &Registry{
		mu:       &sync.Mutex{},
		nodes:    make(map[models.NodeID]models.Node, 64),
		fleetTag: fleetTag,
	}
}

func (r *Registry) Upsert(node models.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[node.ID] = node
}

func (r *Registry) Remove(id models.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.nodes, id)
}

func (r *Registry) Get(id models.NodeID) (models.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[id]
	return node, exists
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.nodes)
}

// List returns all nodes ordered by id.
func (r *Registry) List() []models.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]models.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		result = append(result, node)
	}
	sortByID(result)
	return result
}

// ByGroup returns the group's current members ordered by id. The order
// is what makes shrink selection deterministic across agents.
func (r *Registry) ByGroup(group models.Group) []models.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]models.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		if group.Matches(node.Tags, r.fleetTag) {
			result = append(result, node)
		}
	}
	sortByID(result)
	return result
}

func sortByID(nodes []models.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
