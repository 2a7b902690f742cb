// ABOUTME: Pure agent selection: the eligibility predicate and first-pin ordering
// ABOUTME: No I/O here; the router feeds in candidates built from live connections and the registry

package router

import (
	"cmp"
	"slices"
	"time"

	"github.com/vespid-ai/vespid-gateway/internal/store"
)

// GroupLabel is the label key a selector's Group matches against.
const GroupLabel = "group"

// Candidate is an agent considered for a first pin.
type Candidate struct {
	AgentID      string
	Capabilities []string
	Tags         []string
	Labels       map[string]string
	ConnectedAt  time.Time
	Connected    bool
	Revoked      bool
}

// Eligible reports whether c may serve a session with selector sel and
// execution kind.
func Eligible(sel store.Selector, kind string, c Candidate) bool {
	if !c.Connected || c.Revoked {
		return false
	}
	if !slices.Contains(c.Capabilities, kind) {
		return false
	}
	// an explicit agent overrides the tag, group and label filters
	if sel.AgentID != "" {
		return c.AgentID == sel.AgentID
	}
	if sel.Tag != "" && !slices.Contains(c.Tags, sel.Tag) {
		return false
	}
	if sel.Group != "" && c.Labels[GroupLabel] != sel.Group {
		return false
	}
	for k, v := range sel.Labels {
		got, ok := c.Labels[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// Choose picks the agent for a first pin: the eligible candidate connected
// most recently, ties broken by agent ID ascending.
func Choose(sel store.Selector, kind string, candidates []Candidate) (Candidate, bool) {
	var eligible []Candidate
	for _, c := range candidates {
		if Eligible(sel, kind, c) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return Candidate{}, false
	}
	slices.SortFunc(eligible, func(a, b Candidate) int {
		if c := b.ConnectedAt.Compare(a.ConnectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.AgentID, b.AgentID)
	})
	return eligible[0], true
}
