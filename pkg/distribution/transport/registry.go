package transport

import (
	"context"
	"fmt"
)

// Registry selects a Transport by the scheme of a reference.
type Registry struct {
	defaultScheme string
	transports    map[Kind]Transport
}

// NewRegistry returns a Registry holding ts. References without a scheme
// use defaultScheme.
func NewRegistry(defaultScheme string, ts ...Transport) *Registry {
	r := &Registry{
		defaultScheme: defaultScheme,
		transports:    make(map[Kind]Transport, len(ts)),
	}
	for _, t := range ts {
		r.transports[t.Kind()] = t
	}
	return r
}

// Parse parses s with the registry's default scheme.
func (r *Registry) Parse(s string) (Reference, error) {
	return ParseReference(s, r.defaultScheme)
}

// For returns the transport serving ref.
func (r *Registry) For(ref Reference) (Transport, error) {
	t, ok := r.transports[ref.Kind]
	if !ok {
		return nil, fmt.Errorf("no transport registered for %s references", ref.Kind)
	}
	return t, nil
}

// Resolve parses s and resolves it with the matching transport.
func (r *Registry) Resolve(ctx context.Context, s string) (*ResolvedModel, error) {
	ref, err := r.Parse(s)
	if err != nil {
		return nil, err
	}
	t, err := r.For(ref)
	if err != nil {
		return nil, err
	}
	return t.Resolve(ctx, ref)
}

// Exists parses s and checks it upstream.
func (r *Registry) Exists(ctx context.Context, s string) (bool, error) {
	ref, err := r.Parse(s)
	if err != nil {
		return false, err
	}
	t, err := r.For(ref)
	if err != nil {
		return false, err
	}
	return t.Exists(ctx, ref)
}
