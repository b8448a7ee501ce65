package policy

import (
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/pkg/access"
)

// Store holds the policy list. Readers see either the old or the new list,
// never a partial update.
type Store struct {
	policies atomic.Pointer[[]access.Policy]
	logger   *logrus.Logger
}

// NewStore creates an empty policy store
func NewStore(logger *logrus.Logger) *Store {
	s := &Store{logger: logger}
	empty := []access.Policy{}
	s.policies.Store(&empty)
	return s
}

// Resolve returns the first enabled policy whose roles include role, then
// the enabled default policy, else access.ErrNoPolicy
func (s *Store) Resolve(role string) (*access.Policy, error) {
	policies := *s.policies.Load()

	if role != "" {
		for i := range policies {
			if policies[i].Enabled && policies[i].HasRole(role) {
				p := policies[i]
				return &p, nil
			}
		}
	}
	for i := range policies {
		if policies[i].Enabled && policies[i].Default {
			p := policies[i]
			return &p, nil
		}
	}
	return nil, access.ErrNoPolicy.WithSubject(role)
}

// Replace validates policies and swaps the whole list
func (s *Store) Replace(policies []access.Policy) error {
	if err := Validate(policies); err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}
	cp := make([]access.Policy, len(policies))
	copy(cp, policies)
	s.policies.Store(&cp)

	s.logger.WithField("count", len(cp)).Info("Replaced access policies")
	return nil
}

// Get returns a policy by ID
func (s *Store) Get(id string) (*access.Policy, bool) {
	for _, p := range *s.policies.Load() {
		if p.ID == id {
			return &p, true
		}
	}
	return nil, false
}

// List returns the policies in load order
func (s *Store) List() []access.Policy {
	policies := *s.policies.Load()
	return append([]access.Policy(nil), policies...)
}

// Validate checks a policy list as a whole
func Validate(policies []access.Policy) error {
	var errs access.ValidationErrors
	seen := make(map[string]bool, len(policies))
	defaults := 0

	for i := range policies {
		p := &policies[i]
		if p.ID == "" {
			errs.Add("id", p.Name, "policy ID is required")
		} else if seen[p.ID] {
			errs.Add("id", p.ID, "duplicate policy ID")
		}
		seen[p.ID] = true

		if p.Name == "" {
			errs.Add("name", p.ID, "policy name is required")
		}
		if len(p.Roles) == 0 && !p.Default {
			errs.Add("roles", p.ID, "policy must list roles or be the default")
		}
		if p.Default && p.Enabled {
			defaults++
		}
		validateRequirements(&errs, p)
		validateRestrictions(&errs, p)
	}

	if defaults > 1 {
		errs.Add("default", fmt.Sprintf("%d", defaults), "at most one enabled default policy is allowed")
	}
	return errs.OrNil()
}

func validateRequirements(errs *access.ValidationErrors, p *access.Policy) {
	req := p.Requirements
	if req.IPWhitelist && len(req.Whitelist) == 0 {
		errs.Add("requirements.whitelist", p.ID, "IP whitelist requirement needs at least one entry")
	}
	for _, entry := range req.Whitelist {
		if !validOriginPattern(entry) {
			errs.Add("requirements.whitelist", entry, "whitelist entries must be addresses or CIDR prefixes")
		}
	}
}

func validateRestrictions(errs *access.ValidationErrors, p *access.Policy) {
	for _, w := range p.Restrictions.TimeWindows {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
			errs.Add("restrictions.time_windows", p.ID, "hours must be between 0 and 23")
		}
		for _, d := range w.Days {
			if d < 0 || d > 6 {
				errs.Add("restrictions.time_windows", p.ID, "days must be between 0 (Sunday) and 6")
			}
		}
	}
	for _, c := range p.Restrictions.AllowedCountries {
		if len(strings.TrimSpace(c)) != 2 {
			errs.Add("restrictions.allowed_countries", c, "countries must be ISO 3166-1 alpha-2 codes")
		}
	}
}

func validOriginPattern(entry string) bool {
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}
