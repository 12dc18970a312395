package stages

import (
	"tessera/internal/errors"
)

// Factory builds a strategy from tuning options.
type Factory[T any] func(Options) T

// Choice selects a strategy for one role: either a registered name resolved
// when the stitcher is built, or an instance supplied directly.
type Choice[T any] struct {
	name string
	impl T
	set  bool
}

// Named selects a registered strategy.
func Named[T any](name string) Choice[T] {
	return Choice[T]{name: name}
}

// Use selects a strategy instance, bypassing the registry.
func Use[T any](impl T) Choice[T] {
	return Choice[T]{impl: impl, set: true}
}

// String describes the choice for logs.
func (c Choice[T]) String() string {
	if c.set {
		return "custom"
	}
	return c.name
}

type catalog[T any] struct {
	role      Role
	factories map[string]Factory[T]
	order     []string
}

func newCatalog[T any](role Role) *catalog[T] {
	return &catalog[T]{role: role, factories: make(map[string]Factory[T])}
}

func (c *catalog[T]) register(name string, f Factory[T]) {
	if f == nil {
		return
	}
	if _, exists := c.factories[name]; !exists {
		c.order = append(c.order, name)
	}
	c.factories[name] = f
}

func (c *catalog[T]) resolve(choice Choice[T], opts Options) (T, error) {
	if choice.set {
		return choice.impl, nil
	}
	f, ok := c.factories[choice.name]
	if !ok {
		var zero T
		return zero, &errors.UnknownStrategyError{
			Role:  string(c.role),
			Key:   choice.name,
			Known: append([]string(nil), c.order...),
		}
	}
	return f(opts), nil
}

// Registry maps strategy names to constructors for each role.
type Registry struct {
	candidates     *catalog[CandidateEstimator]
	interpolators  *catalog[PositionInterpolator]
	pairOptimizers *catalog[PairOptimizer]
	globals        *catalog[GlobalOptimizer]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		candidates:     newCatalog[CandidateEstimator](RoleCandidateEstimator),
		interpolators:  newCatalog[PositionInterpolator](RolePositionInterpolator),
		pairOptimizers: newCatalog[PairOptimizer](RolePairOptimizer),
		globals:        newCatalog[GlobalOptimizer](RoleGlobalOptimizer),
	}
}

// DefaultRegistry returns a registry holding every built-in strategy.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterCandidateEstimator(PhaseCorrelation, func(o Options) CandidateEstimator { return &phaseCorrelation{opts: o} })
	r.RegisterCandidateEstimator(EstimateOnly, func(o Options) CandidateEstimator { return estimateOnly{} })
	r.RegisterPositionInterpolator(EllipticEnvelope, func(o Options) PositionInterpolator { return &ellipticEnvelope{opts: o} })
	r.RegisterPositionInterpolator(Passthrough, func(o Options) PositionInterpolator { return passthrough{} })
	r.RegisterPairOptimizer(NormalizedCrossCorrelation, func(o Options) PairOptimizer { return &nccOptimizer{opts: o} })
	r.RegisterPairOptimizer(Passthrough, func(o Options) PairOptimizer { return passthrough{} })
	r.RegisterGlobalOptimizer(MaximumSpanningTree, func(o Options) GlobalOptimizer { return &spanningTree{opts: o} })
	r.RegisterGlobalOptimizer(Elastic, func(o Options) GlobalOptimizer { return &elastic{opts: o} })
	return r
}

// RegisterCandidateEstimator adds or replaces a candidate estimator.
func (r *Registry) RegisterCandidateEstimator(name string, f Factory[CandidateEstimator]) {
	r.candidates.register(name, f)
}

// RegisterPositionInterpolator adds or replaces a position interpolator.
func (r *Registry) RegisterPositionInterpolator(name string, f Factory[PositionInterpolator]) {
	r.interpolators.register(name, f)
}

// RegisterPairOptimizer adds or replaces a pair optimizer.
func (r *Registry) RegisterPairOptimizer(name string, f Factory[PairOptimizer]) {
	r.pairOptimizers.register(name, f)
}

// RegisterGlobalOptimizer adds or replaces a global optimizer.
func (r *Registry) RegisterGlobalOptimizer(name string, f Factory[GlobalOptimizer]) {
	r.globals.register(name, f)
}

// CandidateEstimator resolves a candidate estimator choice.
func (r *Registry) CandidateEstimator(c Choice[CandidateEstimator], opts Options) (CandidateEstimator, error) {
	return r.candidates.resolve(c, opts)
}

// PositionInterpolator resolves a position interpolator choice.
func (r *Registry) PositionInterpolator(c Choice[PositionInterpolator], opts Options) (PositionInterpolator, error) {
	return r.interpolators.resolve(c, opts)
}

// PairOptimizer resolves a pair optimizer choice.
func (r *Registry) PairOptimizer(c Choice[PairOptimizer], opts Options) (PairOptimizer, error) {
	return r.pairOptimizers.resolve(c, opts)
}

// GlobalOptimizer resolves a global optimizer choice.
func (r *Registry) GlobalOptimizer(c Choice[GlobalOptimizer], opts Options) (GlobalOptimizer, error) {
	return r.globals.resolve(c, opts)
}

// Names lists the registered names of a role in registration order.
func (r *Registry) Names(role Role) []string {
	var order []string
	switch role {
	case RoleCandidateEstimator:
		order = r.candidates.order
	case RolePositionInterpolator:
		order = r.interpolators.order
	case RolePairOptimizer:
		order = r.pairOptimizers.order
	case RoleGlobalOptimizer:
		order = r.globals.order
	}
	return append([]string(nil), order...)
}
