package models

// ProvisioningTemplate is the payload handed to the cloud create call.
// Name is the base; the controller suffixes it per instance.
type ProvisioningTemplate struct {
	Name              string
	Region            string
	Size              string
	Image             string
	SSHKeys           []string
	Backups           bool
	IPv6              bool
	PrivateNetworking bool
	UserData          string
	Monitoring        bool
	Volumes           []string
	Tags              []string
}

// Group is immutable after registration.
type Group struct {
	Name            string
	MatchTags       []string
	DesiredSize     int
	FloatingAddress string
	Template        ProvisioningTemplate
}

// Matches reports whether a node carrying the given tags belongs to the
// group: every tag the node carries must be listed in MatchTags or equal
// the fleet tag. The direction matters: a node with extra tags is not a
// member, so a broadly-tagged node can't be consumed by a narrow group's
// shrink pass.
func (g Group) Matches(tags []string, fleetTag string) bool {
	for _, tag := range tags {
		if tag == fleetTag {
			continue
		}
		found := false
		for _, match := range g.MatchTags {
			if tag == match {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
