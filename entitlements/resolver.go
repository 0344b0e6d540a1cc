package entitlements

import "time"

// Resolution is the single entitlement resolved from a set of grants.
//
// When at least one non-terminal grant exists, Tier/State/ExpiresAt come
// from the highest-ranked one. When the set holds only terminal grants,
// Tier is NotEntitled and State reports the highest-ranked terminal grant's
// state, so a lone revoked subscription surfaces as revoked rather than
// silently disappearing. An empty set resolves to NotEntitled/StateNone.
type Resolution struct {
	Tier      Tier
	State     GrantState
	ExpiresAt *time.Time
}

// Resolve computes the highest level of service among the given grants.
//
// Terminal (expired or revoked) grants are excluded from ranking. There may
// be multiple grants for the same group, for example for different family
// members under family sharing; the user is entitled to the grant with the
// highest level of service, and ties between equal ranks are broken by
// first occurrence since such grants are equivalent.
//
// Resolve is a pure function: no I/O, no mutation, deterministic.
func Resolve(grants []Grant) Resolution {
	var best *Grant
	var terminal *Grant
	for i := range grants {
		g := &grants[i]
		if g.State.Terminal() {
			if terminal == nil || g.Tier.Outranks(terminal.Tier) {
				terminal = g
			}
			continue
		}
		if g.Tier == NotEntitled {
			continue
		}
		if best == nil || g.Tier.Outranks(best.Tier) {
			best = g
		}
	}
	if best != nil {
		return Resolution{Tier: best.Tier, State: best.State, ExpiresAt: best.ExpiresAt}
	}
	if terminal != nil {
		return Resolution{Tier: NotEntitled, State: terminal.State}
	}
	return Resolution{Tier: NotEntitled, State: StateNone}
}
