package cloud

import "github.com/Sh00ty/cloud-fleet/internal/models"

type AddressType string

const (
	AddressPrivate AddressType = "private"
	AddressPublic  AddressType = "public"
)

type Address struct {
	Addr string
	Type AddressType
}

// Instance is the provider-side view of a node as returned by the IaaS
// control plane.
type Instance struct {
	ID        models.NodeID
	Name      string
	Region    string
	Tags      []string
	Addresses []Address
}

// ToNode projects the instance into the registry record, picking the
// first address of each kind.
func (i Instance) ToNode() models.Node {
	node := models.Node{
		ID:     i.ID,
		Name:   i.Name,
		Region: i.Region,
		Tags:   i.Tags,
	}
	for _, addr := range i.Addresses {
		switch addr.Type {
		case AddressPrivate:
			if node.PrivateAddr == "" {
				node.PrivateAddr = addr.Addr
			}
		case AddressPublic:
			if node.PublicAddr == "" {
				node.PublicAddr = addr.Addr
			}
		}
	}
	return node
}
