package rewrite

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Rule is a single DNS rewrite: queries for Domain are answered with Answer.
type Rule struct {
	Domain  string `json:"domain" yaml:"domain"`
	Answer  string `json:"answer" yaml:"answer"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Equal reports whether two rules are identical in every field.
func (r Rule) Equal(other Rule) bool {
	return NormalizeDomain(r.Domain) == NormalizeDomain(other.Domain) &&
		r.Answer == other.Answer &&
		r.Enabled == other.Enabled
}

// Set maps a normalized domain to its rule. It is used for the desired,
// remote and managed views of the rewrite table.
type Set map[string]Rule

// Add inserts or replaces the rule for its domain.
func (s Set) Add(rule Rule) {
	s[NormalizeDomain(rule.Domain)] = rule
}

// Get looks up a rule by domain, ignoring case and a trailing dot.
func (s Set) Get(domain string) (Rule, bool) {
	rule, ok := s[NormalizeDomain(domain)]
	return rule, ok
}

// Domains returns the keys of the set in sorted order.
func (s Set) Domains() []string {
	out := make([]string, 0, len(s))
	for domain := range s {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// FromMappings builds an enabled rule for every hostname -> address pair.
func FromMappings(mappings map[string]string) Set {
	out := make(Set, len(mappings))
	for host, answer := range mappings {
		host = strings.TrimSpace(host)
		answer = strings.TrimSpace(answer)
		if host == "" || answer == "" {
			continue
		}
		out.Add(Rule{Domain: NormalizeDomain(host), Answer: answer, Enabled: true})
	}
	return out
}

// NormalizeDomain lowercases a domain and strips a trailing dot.
func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// Gateway is the provider holding the live rewrite table.
//
// Mutations report success as a bool; implementations retry and log
// failures themselves. List returns an error only when the provider could
// not be read, never for an empty table.
type Gateway interface {
	List(ctx context.Context) (Set, error)
	Create(ctx context.Context, rule Rule) bool
	// Update rewrites the live rule current, as returned by List, into desired.
	Update(ctx context.Context, current, desired Rule) bool
	Delete(ctx context.Context, domain, answer string) bool
}

// Pinger is implemented by gateways that expose a cheap liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ChangeType indicates what action is required to reconcile a domain.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Difference captures what will change for a field during an update.
type Difference struct {
	From any `json:"from" yaml:"from"`
	To   any `json:"to" yaml:"to"`
}

// Change is a single entry in a reconciliation plan.
type Change struct {
	Type        ChangeType            `json:"type" yaml:"type"`
	Domain      string                `json:"domain" yaml:"domain"`
	Desired     *Rule                 `json:"desired,omitempty" yaml:"desired,omitempty"`
	Existing    *Rule                 `json:"existing,omitempty" yaml:"existing,omitempty"`
	Differences map[string]Difference `json:"differences,omitempty" yaml:"differences,omitempty"`
}

// Plan is the work needed to move the provider from its live state to the
// desired state without touching records this tool never created.
type Plan struct {
	Generated time.Time `json:"generated_at" yaml:"generated_at"`
	Desired   int       `json:"desired" yaml:"desired"`
	Remote    int       `json:"remote" yaml:"remote"`
	Managed   int       `json:"managed" yaml:"managed"`
	Changes   []Change  `json:"changes" yaml:"changes"`
	Unchanged []string  `json:"unchanged,omitempty" yaml:"unchanged,omitempty"`
}
