package graph

import (
	"fmt"
	"sort"
)

// Resolver recomputes the derived edges and flags of the store: stream
// block and target links, active blocks and labels.
type Resolver struct {
	store   *Store
	deriver *Deriver
}

func NewResolver(store *Store, deriver *Deriver) *Resolver {
	if deriver == nil {
		deriver = NewDeriver(nil)
	}
	return &Resolver{store: store, deriver: deriver}
}

func (r *Resolver) Store() *Store {
	return r.store
}

// Owner returns the block a stream hangs off: its client if it has one,
// otherwise its module. Unknown owners resolve to nil.
func (r *Resolver) Owner(stream *Entity) *Entity {
	if stream.OwnerClient != InvalidIndex {
		client, _ := r.store.Find(KindClient, stream.OwnerClient)
		return client
	}
	if stream.OwnerModule != InvalidIndex {
		module, _ := r.store.Find(KindModule, stream.OwnerModule)
		return module
	}
	return nil
}

// Target returns the device a stream is routed to, or nil.
func (r *Resolver) Target(stream *Entity) *Entity {
	kind, ok := stream.Kind.TargetKind()
	if !ok {
		return nil
	}
	target, _ := r.store.Find(kind, stream.Route())
	return target
}

// Visible reports whether the view should hold e.
func (r *Resolver) Visible(e *Entity) bool {
	switch e.Kind {
	case KindSource, KindSink:
		return true
	case KindModule, KindClient:
		return e.Active
	case KindSourceOutput, KindSinkInput:
		return e.Block.Valid()
	default:
		return false
	}
}

// Resolve runs a full pass and returns the entities whose derived state
// changed, in kind then arrival order. It is idempotent and independent of
// the order entities arrived in.
func (r *Resolver) Resolve() []*Entity {
	changed := map[*Entity]struct{}{}
	mark := func(e *Entity) { changed[e] = struct{}{} }

	clientRefs := map[uint32]int{}
	moduleRefs := map[uint32]int{}
	for _, stream := range r.store.Streams() {
		if stream.OwnerClient != InvalidIndex {
			clientRefs[stream.OwnerClient]++
		}
		if stream.OwnerModule != InvalidIndex {
			moduleRefs[stream.OwnerModule]++
		}

		block := NoRef
		if owner := r.Owner(stream); owner != nil {
			block = owner.Ref()
		}
		target := NoRef
		if device := r.Target(stream); device != nil {
			target = device.Ref()
		}
		if block != stream.Block || target != stream.Target {
			stream.Block = block
			stream.Target = target
			mark(stream)
		}

		var module *Entity
		if stream.OwnerModule != InvalidIndex {
			module, _ = r.store.Find(KindModule, stream.OwnerModule)
		}
		if r.deriver.Derive(stream, module) {
			mark(stream)
		}
	}

	for _, kind := range []Kind{KindModule, KindClient} {
		refs := moduleRefs
		if kind == KindClient {
			refs = clientRefs
		}
		for _, block := range r.store.lists[kind] {
			active := refs[block.ID] > 0
			if active != block.Active {
				block.Active = active
				mark(block)
			}
			if r.deriver.Derive(block, nil) {
				mark(block)
			}
		}
	}
	for _, kind := range []Kind{KindSource, KindSink} {
		for _, device := range r.store.lists[kind] {
			if r.deriver.Derive(device, nil) {
				mark(device)
			}
		}
	}

	return orderEntities(r.store, changed)
}

// Verify checks that no derived link points at an entity missing from the
// store.
func (r *Resolver) Verify() error {
	for _, stream := range r.store.Streams() {
		for _, ref := range []Ref{stream.Block, stream.Target} {
			if !ref.Valid() {
				continue
			}
			if _, ok := r.store.Get(ref); !ok {
				return fmt.Errorf("%s links to missing %s", stream.Ref(), ref)
			}
		}
	}
	return nil
}

func orderEntities(store *Store, set map[*Entity]struct{}) []*Entity {
	if len(set) == 0 {
		return nil
	}
	position := map[*Entity]int{}
	n := 0
	for _, kind := range Kinds {
		for _, e := range store.lists[kind] {
			position[e] = n
			n++
		}
	}
	out := make([]*Entity, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return position[out[i]] < position[out[j]]
	})
	return out
}

// FreeRow returns the lowest row in col not taken by a placed entity.
func (s *Store) FreeRow(col Column) int {
	used := map[int]bool{}
	for _, kind := range Kinds {
		if kind.Column() != col {
			continue
		}
		for _, e := range s.lists[kind] {
			if e.Placement.Placed() {
				used[e.Placement.Row] = true
			}
		}
	}
	row := 0
	for used[row] {
		row++
	}
	return row
}

// AtRow finds the placed entity occupying row in col.
func (s *Store) AtRow(col Column, row int) (*Entity, bool) {
	for _, kind := range Kinds {
		if kind.Column() != col {
			continue
		}
		for _, e := range s.lists[kind] {
			if e.Placement.Row == row {
				return e, true
			}
		}
	}
	return nil, false
}
