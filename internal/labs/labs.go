package labs

import (
	"fmt"
	"sort"

	"github.com/opensciencelab/portal/internal/user"
)

// NotFoundError reports a lookup for a lab that is not in the catalog.
type NotFoundError struct {
	ShortName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("lab %q not found", e.ShortName)
}

func (e *NotFoundError) StatusCode() int { return 404 }

// CountryStatus holds the per-lab export-control country lists. A country
// code appearing in neither list is unrestricted.
type CountryStatus struct {
	Limited    []string
	Prohibited []string
}

const (
	StatusUnrestricted = "unrestricted"
	StatusLimited      = "limited"
	StatusProhibited   = "prohibited"
)

// For classifies a two-letter country code against the lists. Prohibited
// wins over limited.
func (cs CountryStatus) For(countryCode string) string {
	for _, c := range cs.Prohibited {
		if c == countryCode {
			return StatusProhibited
		}
	}
	for _, c := range cs.Limited {
		if c == countryCode {
			return StatusLimited
		}
	}
	return StatusUnrestricted
}

// Lab is a catalog entry for a deployed science lab.
type Lab struct {
	FriendlyName    string        `json:"friendly_name"`
	ShortName       string        `json:"short_lab_name"`
	Description     string        `json:"description,omitempty"`
	Logo            string        `json:"logo,omitempty"`
	AboutPageURL    string        `json:"about_page_url,omitempty"`
	AboutPageLabel  string        `json:"about_page_button_label,omitempty"`
	DeploymentURL   string        `json:"deployment_url"`
	Accessibility   string        `json:"accessibility"`
	AllowedProfiles []string      `json:"allowed_profiles,omitempty"`
	Enabled         bool          `json:"enabled"`
	CountryStatus   CountryStatus `json:"-"`
}

// AccessInfo pairs a catalog entry with one user's computed access to it.
type AccessInfo struct {
	Lab        Lab  `json:"lab"`
	CanAccess  bool `json:"can_user_access_lab"`
	CanSeeCard bool `json:"can_user_see_lab_card"`
}

// Catalog is the set of known labs keyed by short name. It is built once
// at startup and read-only afterwards.
type Catalog struct {
	byName map[string]Lab
}

func NewCatalog(entries ...Lab) *Catalog {
	c := &Catalog{byName: make(map[string]Lab, len(entries))}
	for _, lab := range entries {
		c.byName[lab.ShortName] = lab
	}
	return c
}

func (c *Catalog) Get(shortName string) (Lab, error) {
	lab, ok := c.byName[shortName]
	if !ok {
		return Lab{}, &NotFoundError{ShortName: shortName}
	}
	return lab, nil
}

// All returns the catalog entries ordered by short name.
func (c *Catalog) All() []Lab {
	out := make([]Lab, 0, len(c.byName))
	for _, lab := range c.byName {
		out = append(out, lab)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortName < out[j].ShortName })
	return out
}

// Grant builds the membership descriptor stored on a user record when the
// user is added to a lab. The country status is classified at grant time
// from the user's country code; a prohibited country yields no access and
// no card.
func (c *Catalog) Grant(shortName, countryCode string, profiles []string, timeQuota *int) (user.LabGrant, error) {
	lab, err := c.Get(shortName)
	if err != nil {
		return user.LabGrant{}, err
	}
	status := lab.CountryStatus.For(countryCode)
	grant := user.LabGrant{
		Profiles:      append([]string(nil), profiles...),
		TimeQuota:     timeQuota,
		CountryStatus: status,
		CanAccess:     status != StatusProhibited,
		CanSeeCard:    status != StatusProhibited,
	}
	return grant, nil
}

// AccessFor resolves one user's view of the whole catalog: which cards
// appear on the hub and which deployments the user may enter. Disabled
// labs never show. Membership is read from the record's lab descriptors.
func (c *Catalog) AccessFor(rec *user.Record) []AccessInfo {
	memberships := rec.Labs()
	out := make([]AccessInfo, 0, len(memberships))
	for _, lab := range c.All() {
		if !lab.Enabled {
			continue
		}
		grant, ok := memberships[lab.ShortName]
		if !ok {
			continue
		}
		out = append(out, AccessInfo{
			Lab:        lab,
			CanAccess:  grant.CanAccess,
			CanSeeCard: grant.CanSeeCard,
		})
	}
	return out
}
