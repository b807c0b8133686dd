package rewrite

import (
	"time"
)

// BuildPlan computes the three-way diff between the desired rules, the
// provider's live rules and the rules previously applied by this tool.
//
// Creates and updates are derived from desired vs remote. Deletes are
// derived from managed vs desired only, so a remote rule that was never
// managed is never selected for deletion.
func BuildPlan(desired, remote, managed Set) *Plan {
	plan := &Plan{
		Generated: time.Now().UTC(),
		Desired:   len(desired),
		Remote:    len(remote),
		Managed:   len(managed),
	}

	for _, domain := range desired.Domains() {
		want := desired[domain]
		have, ok := remote[domain]
		if !ok {
			plan.Changes = append(plan.Changes, Change{
				Type:    ChangeCreate,
				Domain:  domain,
				Desired: cloneRule(want),
			})
			continue
		}
		diffs := diffRules(want, have)
		if len(diffs) == 0 {
			plan.Unchanged = append(plan.Unchanged, domain)
			continue
		}
		plan.Changes = append(plan.Changes, Change{
			Type:        ChangeUpdate,
			Domain:      domain,
			Desired:     cloneRule(want),
			Existing:    cloneRule(have),
			Differences: diffs,
		})
	}

	for _, domain := range managed.Domains() {
		if _, ok := desired[domain]; ok {
			continue
		}
		change := Change{Type: ChangeDelete, Domain: domain}
		if have, ok := remote[domain]; ok {
			change.Existing = cloneRule(have)
		}
		plan.Changes = append(plan.Changes, change)
	}

	return plan
}

// Of returns the changes of a single type, in plan order.
func (p *Plan) Of(kind ChangeType) []Change {
	if p == nil {
		return nil
	}
	var out []Change
	for _, change := range p.Changes {
		if change.Type == kind {
			out = append(out, change)
		}
	}
	return out
}

// Domains returns the domains affected by changes of the given type.
func (p *Plan) Domains(kind ChangeType) []string {
	var out []string
	for _, change := range p.Of(kind) {
		out = append(out, change.Domain)
	}
	return out
}

// Count returns the number of changes of the given type.
func (p *Plan) Count(kind ChangeType) int {
	return len(p.Of(kind))
}

// Empty reports whether the plan requires no mutations.
func (p *Plan) Empty() bool {
	return p == nil || len(p.Changes) == 0
}

func diffRules(desired, existing Rule) map[string]Difference {
	diffs := make(map[string]Difference)
	if desired.Answer != existing.Answer {
		diffs["answer"] = Difference{From: existing.Answer, To: desired.Answer}
	}
	if desired.Enabled != existing.Enabled {
		diffs["enabled"] = Difference{From: existing.Enabled, To: desired.Enabled}
	}
	return diffs
}

func cloneRule(rule Rule) *Rule {
	clone := rule
	return &clone
}
