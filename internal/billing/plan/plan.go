package plan

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// LimitKind determines both quota semantics and how tracked usage is
// applied: count limits accumulate, storage limits are peak values that
// replace the previous total.
type LimitKind string

const (
	LimitUnlimited LimitKind = "unlimited"
	LimitCount     LimitKind = "count"
	LimitStorage   LimitKind = "storage"
)

// Limit is a quota definition attached to a feature grant.
type Limit struct {
	Kind  LimitKind `json:"kind"`
	Value float64   `json:"value,omitempty"`
	Unit  string    `json:"unit,omitempty"`
}

// Cumulative reports whether tracked amounts add to the counter rather than
// replace it.
func (l Limit) Cumulative() bool {
	return l.Kind != LimitStorage
}

// FeatureDef declares a feature key, its default limit, and the other
// features it depends on.
type FeatureDef struct {
	Key          string
	Name         string
	Description  string
	DefaultLimit Limit
	Dependencies []string
}

// Grant is a plan's statement about one feature. A nil Limit means the
// feature's default limit applies.
type Grant struct {
	FeatureKey string
	Enabled    bool
	Limit      *Limit
}

// Plan is an immutable named configuration mapping a provider product ID to
// a set of feature grants.
type Plan struct {
	Name      string
	ProductID string
	Grants    []Grant
}

// Config is the full registry input: feature definitions plus plans.
type Config struct {
	Features []FeatureDef
	Plans    []Plan
}

// Enablement is the result of a dependency-aware enabled check.
type Enablement struct {
	Enabled bool
	// MissingDep names the first unmet dependency, when that is the cause.
	MissingDep string
}

type snapshot struct {
	features  map[string]FeatureDef
	byProduct map[string]*indexedPlan
	byName    map[string]*indexedPlan
	// per-product limit overrides pushed by product webhooks
	overrides map[string]map[string]Limit
}

type indexedPlan struct {
	plan   Plan
	grants map[string]Grant
}

// Registry answers plan and limit lookups on every entitlement check, so
// the whole structure is pre-indexed and immutable. Refresh swaps in a new
// snapshot atomically; readers in flight keep the old one.
type Registry struct {
	cfg  Config
	snap atomic.Pointer[snapshot]
}

// NewRegistry builds a registry from cfg. It fails on duplicate keys,
// grants for undeclared features, dependencies on undeclared features, and
// dependency cycles.
func NewRegistry(cfg Config) (*Registry, error) {
	s, err := buildSnapshot(cfg, nil)
	if err != nil {
		return nil, err
	}
	r := &Registry{cfg: cfg}
	r.snap.Store(s)
	return r, nil
}

func buildSnapshot(cfg Config, overrides map[string]map[string]Limit) (*snapshot, error) {
	s := &snapshot{
		features:  make(map[string]FeatureDef, len(cfg.Features)),
		byProduct: make(map[string]*indexedPlan, len(cfg.Plans)),
		byName:    make(map[string]*indexedPlan, len(cfg.Plans)),
		overrides: overrides,
	}
	for _, f := range cfg.Features {
		if _, dup := s.features[f.Key]; dup {
			return nil, fmt.Errorf("duplicate feature %q", f.Key)
		}
		s.features[f.Key] = f
	}
	for _, f := range cfg.Features {
		for _, dep := range f.Dependencies {
			if _, ok := s.features[dep]; !ok {
				return nil, fmt.Errorf("feature %q depends on unknown feature %q", f.Key, dep)
			}
		}
	}
	if err := checkAcyclic(s.features); err != nil {
		return nil, err
	}
	for i := range cfg.Plans {
		p := cfg.Plans[i]
		ip := &indexedPlan{plan: p, grants: make(map[string]Grant, len(p.Grants))}
		for _, g := range p.Grants {
			if _, ok := s.features[g.FeatureKey]; !ok {
				return nil, fmt.Errorf("plan %q grants unknown feature %q", p.Name, g.FeatureKey)
			}
			if _, dup := ip.grants[g.FeatureKey]; dup {
				return nil, fmt.Errorf("plan %q grants feature %q twice", p.Name, g.FeatureKey)
			}
			ip.grants[g.FeatureKey] = g
		}
		if _, dup := s.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate plan %q", p.Name)
		}
		s.byName[p.Name] = ip
		if p.ProductID != "" {
			if _, dup := s.byProduct[p.ProductID]; dup {
				return nil, fmt.Errorf("plans share product id %q", p.ProductID)
			}
			s.byProduct[p.ProductID] = ip
		}
	}
	return s, nil
}

// checkAcyclic walks the dependency graph with an explicit worklist and
// per-node state instead of recursing, so a cycle is reported rather than
// blowing the stack.
func checkAcyclic(features map[string]FeatureDef) error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(features))
	for key := range features {
		if state[key] != unvisited {
			continue
		}
		stack := []string{key}
		for len(stack) > 0 {
			k := stack[len(stack)-1]
			switch state[k] {
			case unvisited:
				state[k] = inStack
				for _, dep := range features[k].Dependencies {
					switch state[dep] {
					case inStack:
						return fmt.Errorf("feature dependency cycle through %q and %q", k, dep)
					case unvisited:
						stack = append(stack, dep)
					}
				}
			default:
				state[k] = done
				stack = stack[:len(stack)-1]
			}
		}
	}
	return nil
}

// ApplyProductOverrides records limit overrides for one product and swaps
// in a rebuilt snapshot (copy-on-refresh). Overrides for other products are
// carried forward; existing readers keep the old snapshot until their next
// lookup. An empty override set clears the product's entry.
func (r *Registry) ApplyProductOverrides(productID string, ov map[string]Limit) error {
	old := r.snap.Load().overrides
	merged := make(map[string]map[string]Limit, len(old)+1)
	for k, v := range old {
		merged[k] = v
	}
	if len(ov) == 0 {
		delete(merged, productID)
	} else {
		merged[productID] = ov
	}
	s, err := buildSnapshot(r.cfg, merged)
	if err != nil {
		return err
	}
	r.snap.Store(s)
	return nil
}

// Lookup returns the plan for a provider product ID.
func (r *Registry) Lookup(productID string) (*Plan, bool) {
	ip, ok := r.snap.Load().byProduct[productID]
	if !ok {
		return nil, false
	}
	return &ip.plan, true
}

// LookupByName returns the plan with the given name.
func (r *Registry) LookupByName(name string) (*Plan, bool) {
	ip, ok := r.snap.Load().byName[name]
	if !ok {
		return nil, false
	}
	return &ip.plan, true
}

// Grant returns the plan's grant for a feature key.
func (r *Registry) Grant(p *Plan, featureKey string) (Grant, bool) {
	ip, ok := r.snap.Load().byName[p.Name]
	if !ok {
		return Grant{}, false
	}
	g, ok := ip.grants[featureKey]
	return g, ok
}

// EffectiveLimit resolves the limit for a feature under a plan: the grant's
// explicit limit if present, else the feature's default. A product override
// pushed by a product webhook replaces the value (and unit, when it carries
// one) on top of that base.
func (r *Registry) EffectiveLimit(p *Plan, featureKey string) Limit {
	s := r.snap.Load()

	base := Limit{Kind: LimitUnlimited}
	if f, ok := s.features[featureKey]; ok {
		base = f.DefaultLimit
	}
	if ip, ok := s.byName[p.Name]; ok {
		if g, ok := ip.grants[featureKey]; ok && g.Limit != nil {
			base = *g.Limit
		}
	}

	if p.ProductID != "" {
		if ov, ok := s.overrides[p.ProductID]; ok {
			if l, ok := ov[featureKey]; ok {
				base.Value = l.Value
				if l.Unit != "" {
					base.Unit = l.Unit
				}
				if base.Kind == LimitUnlimited {
					base.Kind = LimitCount
				}
			}
		}
	}
	return base
}

// CheckEnabled reports whether a feature is enabled under a plan, requiring
// every transitive dependency to be independently enabled. The traversal
// uses a worklist with a visited set, so it terminates on any graph.
func (r *Registry) CheckEnabled(p *Plan, featureKey string) Enablement {
	s := r.snap.Load()
	ip, ok := s.byName[p.Name]
	if !ok {
		return Enablement{}
	}

	visited := make(map[string]bool)
	work := []string{featureKey}
	for len(work) > 0 {
		key := work[len(work)-1]
		work = work[:len(work)-1]
		if visited[key] {
			continue
		}
		visited[key] = true

		g, ok := ip.grants[key]
		if !ok || !g.Enabled {
			if key == featureKey {
				return Enablement{}
			}
			return Enablement{MissingDep: key}
		}
		if f, ok := s.features[key]; ok {
			work = append(work, f.Dependencies...)
		}
	}
	return Enablement{Enabled: true}
}

// Features returns the feature keys granted by the plan, in grant order.
// Used to pre-create zero usage records on subscription activation.
func (r *Registry) Features(p *Plan) []string {
	ip, ok := r.snap.Load().byName[p.Name]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(ip.plan.Grants))
	for _, g := range ip.plan.Grants {
		keys = append(keys, g.FeatureKey)
	}
	return keys
}

// OverridesFromMetadata extracts limit overrides from provider product
// metadata. Keys look like "limit.api-requests" with a numeric value, and
// optionally "unit.api-requests". Non-numeric values are skipped.
func OverridesFromMetadata(meta map[string]any) map[string]Limit {
	var out map[string]Limit
	for k, v := range meta {
		const prefix = "limit."
		if len(k) <= len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		feature := k[len(prefix):]
		val, ok := numericValue(v)
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]Limit)
		}
		// Kind is resolved against the base limit in EffectiveLimit.
		l := Limit{Value: val}
		if u, ok := meta["unit."+feature].(string); ok {
			l.Unit = u
		}
		out[feature] = l
	}
	return out
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
