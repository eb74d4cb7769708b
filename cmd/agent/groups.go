package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Sh00ty/cloud-fleet/internal/models"
)

type groupsFile struct {
	Groups []groupWire `yaml:"groups"`
}

type groupWire struct {
	Name            string       `yaml:"name"`
	MatchTags       []string     `yaml:"matchTags"`
	DesiredSize     *int         `yaml:"desiredSize"`
	FloatingAddress string       `yaml:"floatingAddress"`
	Template        templateWire `yaml:"template"`
}

type templateWire struct {
	Name              string   `yaml:"name"`
	Region            string   `yaml:"region"`
	Size              string   `yaml:"size"`
	Image             string   `yaml:"image"`
	SSHKeys           []string `yaml:"sshKeys"`
	Backups           bool     `yaml:"backups"`
	IPv6              bool     `yaml:"ipv6"`
	PrivateNetworking bool     `yaml:"privateNetworking"`
	UserData          string   `yaml:"userData"`
	Monitoring        bool     `yaml:"monitoring"`
	Volumes           []string `yaml:"volumes"`
	Tags              []string `yaml:"tags"`
}

// loadGroups reads the declarative group definitions. No file means the
// agent only observes the fleet without owning any group.
func loadGroups(path string) ([]models.Group, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read groups file %s: %w", path, err)
	}
	parsed := groupsFile{}
	err = yaml.Unmarshal(raw, &parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse groups file %s: %w", path, err)
	}
	groups := make([]models.Group, 0, len(parsed.Groups))
	for _, wire := range parsed.Groups {
		groups = append(groups, wire.toModel())
	}
	return groups, nil
}

func (w groupWire) toModel() models.Group {
	desired := 1
	if w.DesiredSize != nil {
		desired = *w.DesiredSize
	}
	return models.Group{
		Name:            w.Name,
		MatchTags:       w.MatchTags,
		DesiredSize:     desired,
		FloatingAddress: w.FloatingAddress,
		Template: models.ProvisioningTemplate{
			Name:              w.Template.Name,
			Region:            w.Template.Region,
			Size:              w.Template.Size,
			Image:             w.Template.Image,
			SSHKeys:           w.Template.SSHKeys,
			Backups:           w.Template.Backups,
			IPv6:              w.Template.IPv6,
			PrivateNetworking: w.Template.PrivateNetworking,
			UserData:          w.Template.UserData,
			Monitoring:        w.Template.Monitoring,
			Volumes:           w.Template.Volumes,
			Tags:              w.Template.Tags,
		},
	}
}
