package digitalocean

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Sh00ty/cloud-fleet/internal/cloud"
	"github.com/Sh00ty/cloud-fleet/internal/models"
)

// dropletID tolerates both numeric and string encodings in provider
// payloads.
type dropletID int64

func (id dropletID) toNodeID() models.NodeID {
	return models.NodeID(strconv.FormatInt(int64(id), 10))
}

func (id *dropletID) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	parsed, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("bad droplet id %s: %w", data, err)
	}
	*id = dropletID(parsed)
	return nil
}

var _ json.Unmarshaler = (*dropletID)(nil)

type dropletWire struct {
	ID     dropletID `json:"id"`
	Name   string    `json:"name"`
	Region struct {
		Slug string `json:"slug"`
	} `json:"region"`
	Tags     []string `json:"tags"`
	Networks struct {
		V4 []networkWire `json:"v4"`
	} `json:"networks"`
}

type networkWire struct {
	IPAddress string `json:"ip_address"`
	Type      string `json:"type"`
}

type dropletListResponse struct {
	Droplets []dropletWire `json:"droplets"`
}

type dropletGetResponse struct {
	Droplet dropletWire `json:"droplet"`
}

func (d dropletWire) toInstance() cloud.Instance {
	addrs := make([]cloud.Address, 0, len(d.Networks.V4))
	for _, network := range d.Networks.V4 {
		addrType := cloud.AddressPublic
		if network.Type == "private" {
			addrType = cloud.AddressPrivate
		}
		addrs = append(addrs, cloud.Address{Addr: network.IPAddress, Type: addrType})
	}
	return cloud.Instance{
		ID:        d.ID.toNodeID(),
		Name:      d.Name,
		Region:    d.Region.Slug,
		Tags:      d.Tags,
		Addresses: addrs,
	}
}

type createWire struct {
	Name              string   `json:"name"`
	Region            string   `json:"region"`
	Size              string   `json:"size"`
	Image             string   `json:"image"`
	SSHKeys           []string `json:"ssh_keys,omitempty"`
	Backups           bool     `json:"backups"`
	IPv6              bool     `json:"ipv6"`
	PrivateNetworking bool     `json:"private_networking"`
	UserData          string   `json:"user_data,omitempty"`
	Monitoring        bool     `json:"monitoring"`
	Volumes           []string `json:"volumes,omitempty"`
	Tags              []string `json:"tags"`
}

func createRequest(tmpl models.ProvisioningTemplate) createWire {
	return createWire{
		Name:              tmpl.Name,
		Region:            tmpl.Region,
		Size:              tmpl.Size,
		Image:             tmpl.Image,
		SSHKeys:           tmpl.SSHKeys,
		Backups:           tmpl.Backups,
		IPv6:              tmpl.IPv6,
		PrivateNetworking: tmpl.PrivateNetworking,
		UserData:          tmpl.UserData,
		Monitoring:        tmpl.Monitoring,
		Volumes:           tmpl.Volumes,
		Tags:              tmpl.Tags,
	}
}

type assignRequest struct {
	Type      string `json:"type"`
	DropletID int64  `json:"droplet_id"`
}
