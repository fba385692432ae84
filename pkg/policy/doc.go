// Package policy resolves hierarchical governance policies into one
// effective policy per agent.
//
// Policies form a three-level tree: organization, project, agent.
// Resolution walks from the organization down, applying each child's
// inheritance mode per field: override replaces the parent's value,
// inherit passes it through, and merge keeps the stricter numeric
// limit and unions channel sets.
//
// The registry stores policies versioned; an update bumps the version
// and never silently overwrites. Sibling policies at the same scope
// with equal priority that disagree are rejected at registration time.
//
// Effective policies are pure functions of the registered policy set.
// The resolver caches them and renders them into a canonical form,
// so repeated reads without intervening changes are byte-identical.
package policy
