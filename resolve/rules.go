package resolve

import (
	"context"
	"errors"
	"fmt"
)

// Spec is a predicate over conflicts used to route them to a resolver.
type Spec func(c Conflict) bool

// LayerIs matches conflicts for one specific layer.
func LayerIs(layerID string) Spec {
	return func(c Conflict) bool { return c.LayerID == layerID }
}

// GeometryIs matches conflicts whose local content has the given
// geometry type.
func GeometryIs(geomType string) Spec {
	return func(c Conflict) bool {
		return c.Local != nil && string(c.Local.GeomType) == geomType
	}
}

// And combines specs conjunctively.
func And(specs ...Spec) Spec {
	return func(c Conflict) bool {
		for _, s := range specs {
			if !s(c) {
				return false
			}
		}
		return true
	}
}

// Rule binds a matcher Spec to a Resolver. Rules are evaluated in
// insertion order with first-match-wins semantics.
type Rule struct {
	Name     string
	Matcher  Spec
	Resolver Resolver
}

// RuleResolver dispatches conflicts to resolvers based on an ordered
// rule set, falling back to a default resolver when nothing matches.
// It lets a project pin different divergence policies to different
// layers.
type RuleResolver struct {
	rules    []Rule
	fallback Resolver
}

var _ Resolver = (*RuleResolver)(nil)

// RuleOption configures a RuleResolver.
type RuleOption func(*RuleResolver)

// WithRule appends a rule in insertion order.
func WithRule(name string, matcher Spec, resolver Resolver) RuleOption {
	return func(r *RuleResolver) {
		r.rules = append(r.rules, Rule{Name: name, Matcher: matcher, Resolver: resolver})
	}
}

// WithFallback sets the resolver used when no rule matches.
func WithFallback(resolver Resolver) RuleOption {
	return func(r *RuleResolver) { r.fallback = resolver }
}

// NewRuleResolver constructs a RuleResolver.
// Invariants:
//   - at least one rule OR a non-nil fallback must be provided
//   - no rule may have a nil matcher or resolver
func NewRuleResolver(opts ...RuleOption) (*RuleResolver, error) {
	r := &RuleResolver{}
	for _, opt := range opts {
		opt(r)
	}

	if len(r.rules) == 0 && r.fallback == nil {
		return nil, errors.New("rule resolver requires at least one rule or a non-nil fallback")
	}
	for i, rule := range r.rules {
		if rule.Matcher == nil {
			return nil, fmt.Errorf("rule %d has nil matcher", i)
		}
		if rule.Resolver == nil {
			return nil, fmt.Errorf("rule %d has nil resolver", i)
		}
	}

	return r, nil
}

// Resolve implements Resolver using first-match-wins over the ordered
// rules, else delegates to the fallback.
func (r *RuleResolver) Resolve(ctx context.Context, c Conflict) (Decision, error) {
	for _, rule := range r.rules {
		if rule.Matcher(c) {
			return rule.Resolver.Resolve(ctx, c)
		}
	}
	if r.fallback == nil {
		return Decision{}, errors.New("no rule matched and no fallback configured")
	}
	return r.fallback.Resolve(ctx, c)
}
