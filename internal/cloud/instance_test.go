package cloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToNodePicksFirstAddressOfEachKind(t *testing.T) {
	instance := Instance{
		ID:     "42",
		Name:   "worker-ab12cd34",
		Region: "fra1",
		Tags:   []string{"ENV:T", "fleet"},
		Addresses: []Address{
			{Addr: "203.0.113.10", Type: AddressPublic},
			{Addr: "10.0.0.5", Type: AddressPrivate},
			{Addr: "10.0.0.6", Type: AddressPrivate},
			{Addr: "203.0.113.11", Type: AddressPublic},
		},
	}

	node := instance.ToNode()
	assert.Equal(t, instance.ID, node.ID)
	assert.Equal(t, "10.0.0.5", node.PrivateAddr)
	assert.Equal(t, "203.0.113.10", node.PublicAddr)
	assert.Equal(t, "10.0.0.5", node.Addr())
	assert.True(t, node.Reachable())
}

func TestToNodeWithoutAddresses(t *testing.T) {
	node := Instance{ID: "7", Name: "fresh"}.ToNode()
	assert.False(t, node.Reachable())
	assert.Equal(t, "", node.Addr())
}
