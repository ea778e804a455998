package contract

import (
	"fmt"
	"slices"
)

type boundVertex struct {
	contract int
	Vertex
}

// Registry is the load-time table of all contracts. It is immutable after
// NewRegistry and safe for concurrent use.
type Registry struct {
	contracts []Contract
	vertices  []boundVertex

	exact     map[string][]VertexID // owner.member+signature
	members   map[string][]VertexID // owner.member, any signature
	wildcards map[string][]VertexID // owner
}

// NewRegistry validates contracts and builds the lookup tables.
//
// Errors wrap one of the load-time sentinels and name the offending
// contract and vertex.
func NewRegistry(contracts ...Contract) (*Registry, error) {
	r := &Registry{
		exact:     map[string][]VertexID{},
		members:   map[string][]VertexID{},
		wildcards: map[string][]VertexID{},
	}
	ids := map[string]bool{}
	wildcardRole := map[string]Role{}

	for ci, c := range contracts {
		if err := validate(c); err != nil {
			return nil, err
		}
		if ids[c.ID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateContract, c.ID)
		}
		ids[c.ID] = true

		for _, v := range c.Vertices {
			p := v.Point
			if p.Member == Wildcard {
				if role, ok := wildcardRole[p.Owner]; ok && role != v.Role {
					return nil, fmt.Errorf("%w: wildcard rules on %s disagree (%s vs %s)",
						ErrConflictingRule, p.Owner, role, v.Role)
				}
				wildcardRole[p.Owner] = v.Role
			}

			id := VertexID(len(r.vertices))
			r.vertices = append(r.vertices, boundVertex{contract: ci, Vertex: v})
			switch {
			case p.Member == Wildcard:
				r.wildcards[p.Owner] = append(r.wildcards[p.Owner], id)
			case p.Signature == "":
				k := p.Owner + "." + p.Member
				r.members[k] = append(r.members[k], id)
			default:
				k := p.Owner + "." + p.Member + p.Signature
				r.exact[k] = append(r.exact[k], id)
			}
		}
		r.contracts = append(r.contracts, c)
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on invalid contracts.
func MustRegistry(contracts ...Contract) *Registry {
	r, err := NewRegistry(contracts...)
	if err != nil {
		panic(err)
	}
	return r
}

func validate(c Contract) error {
	if c.ID == "" || len(c.Vertices) == 0 {
		return fmt.Errorf("%w: %q", ErrEmptyContract, c.ID)
	}

	arity := len(c.Vertices[0].Point.Linked)
	receiver := false
	points := map[[3]string]bool{}

	for i, v := range c.Vertices {
		p := v.Point
		if p.Owner == "" || p.Member == "" {
			return fmt.Errorf("%w: %q vertex %d has no owner or member", ErrEmptyContract, c.ID, i)
		}
		if len(p.Linked) != arity {
			return fmt.Errorf("%w: %q mixes %d and %d linked values at %s",
				ErrAmbiguousLinking, c.ID, arity, len(p.Linked), p)
		}
		if arity == 0 || arity > MaxLinked {
			return fmt.Errorf("%w: %q links %d values at %s, want 1..%d",
				ErrAmbiguousLinking, c.ID, arity, p, MaxLinked)
		}
		for j, l := range p.Linked {
			if l < 0 {
				return fmt.Errorf("%w: %q negative linked index at %s", ErrAmbiguousLinking, c.ID, p)
			}
			if slices.Contains(p.Linked[:j], l) {
				return fmt.Errorf("%w: %q links index %d twice at %s", ErrAmbiguousLinking, c.ID, l, p)
			}
		}

		k := [3]string{p.Owner, p.Member, p.Signature}
		if points[k] {
			return fmt.Errorf("%w: %q binds %s twice", ErrConflictingRule, c.ID, p)
		}
		points[k] = true

		if v.Role.receives() {
			receiver = true
		}
	}
	if !receiver {
		return fmt.Errorf("%w: %q", ErrNoReceiver, c.ID)
	}
	return nil
}

// Lookup resolves a call site to the vertices bound to it.
//
// The most specific level that has any binding wins: the exact signature,
// then the member with any signature, then the owner's wildcard. The result
// must not be modified.
func (r *Registry) Lookup(owner, member, signature string) []VertexID {
	if signature != "" {
		if ids := r.exact[owner+"."+member+signature]; len(ids) > 0 {
			return ids
		}
	}
	if ids := r.members[owner+"."+member]; len(ids) > 0 {
		return ids
	}
	return r.wildcards[owner]
}

// Vertex returns the vertex for id.
func (r *Registry) Vertex(id VertexID) (Vertex, bool) {
	if id < 0 || int(id) >= len(r.vertices) {
		return Vertex{}, false
	}
	return r.vertices[id].Vertex, true
}

// ContractOf returns the id of the contract that owns the vertex.
func (r *Registry) ContractOf(id VertexID) string {
	if id < 0 || int(id) >= len(r.vertices) {
		return ""
	}
	return r.contracts[r.vertices[id].contract].ID
}

// Find returns the vertex of contract bound to exactly owner.member with the
// given signature.
func (r *Registry) Find(contract, owner, member, signature string) (VertexID, bool) {
	for i, v := range r.vertices {
		p := v.Point
		if p.Owner == owner && p.Member == member && p.Signature == signature &&
			r.contracts[v.contract].ID == contract {
			return VertexID(i), true
		}
	}
	return NoVertex, false
}

// Len returns the number of registered vertices.
func (r *Registry) Len() int { return len(r.vertices) }

// Contracts returns the registered contracts in registration order.
func (r *Registry) Contracts() []Contract { return slices.Clone(r.contracts) }
