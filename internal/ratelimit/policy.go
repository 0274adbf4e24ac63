package ratelimit

import (
	"sort"
	"strings"
	"time"
)

// Policy declares the fixed-window budget for one route class.
type Policy struct {
	Prefix      string
	Window      time.Duration
	MaxRequests int
}

// PolicyTable resolves which policy covers a route. Policies are matched
// longest-prefix-first so specific routes win over the catch-all.
type PolicyTable struct {
	policies []Policy
}

// NewPolicyTable constructs a table from the configured policies.
func NewPolicyTable(policies []Policy) *PolicyTable {
	ordered := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if strings.TrimSpace(p.Prefix) == "" || p.Window <= 0 || p.MaxRequests <= 0 {
			continue
		}
		ordered = append(ordered, p)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Prefix) > len(ordered[j].Prefix)
	})
	return &PolicyTable{policies: ordered}
}

// PolicyFor returns the policy covering route, if any.
func (t *PolicyTable) PolicyFor(route string) (Policy, bool) {
	if t == nil {
		return Policy{}, false
	}
	for _, p := range t.policies {
		if strings.HasPrefix(route, p.Prefix) {
			return p, true
		}
	}
	return Policy{}, false
}
