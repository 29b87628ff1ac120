package graph

// Store owns every live entity, indexed by (kind, id) and kept in arrival
// order per kind. It is not safe for concurrent use; the engine only
// touches it from its dispatch loop.
type Store struct {
	lists [numKinds][]*Entity
	byID  [numKinds]map[uint32]*Entity
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.byID {
		s.byID[i] = map[uint32]*Entity{}
	}
	return s
}

// Upsert mutates the existing entity in place or appends a new one. It
// returns nil for an invalid kind or id.
func (s *Store) Upsert(kind Kind, id uint32, snap Snapshot) (*Entity, bool) {
	if !kind.Valid() || id == InvalidIndex {
		return nil, false
	}
	if e, ok := s.byID[kind][id]; ok {
		e.apply(snap)
		return e, false
	}
	e := newEntity(kind, id)
	e.apply(snap)
	s.byID[kind][id] = e
	s.lists[kind] = append(s.lists[kind], e)
	return e, true
}

func (s *Store) Find(kind Kind, id uint32) (*Entity, bool) {
	if !kind.Valid() || id == InvalidIndex {
		return nil, false
	}
	e, ok := s.byID[kind][id]
	return e, ok
}

func (s *Store) Get(ref Ref) (*Entity, bool) {
	if !ref.Valid() {
		return nil, false
	}
	return s.Find(ref.Kind, ref.ID)
}

// Remove unlinks the entity from the store. Removing an unknown entity is a
// no-op.
func (s *Store) Remove(kind Kind, id uint32) (*Entity, bool) {
	e, ok := s.Find(kind, id)
	if !ok {
		return nil, false
	}
	delete(s.byID[kind], id)
	list := s.lists[kind]
	for i, candidate := range list {
		if candidate == e {
			copy(list[i:], list[i+1:])
			list[len(list)-1] = nil
			s.lists[kind] = list[:len(list)-1]
			break
		}
	}
	return e, true
}

// List returns the entities of one kind in arrival order.
func (s *Store) List(kind Kind) []*Entity {
	if !kind.Valid() {
		return nil
	}
	return append([]*Entity(nil), s.lists[kind]...)
}

func (s *Store) Len(kind Kind) int {
	if !kind.Valid() {
		return 0
	}
	return len(s.lists[kind])
}

func (s *Store) Total() int {
	total := 0
	for _, list := range s.lists {
		total += len(list)
	}
	return total
}

func (s *Store) FindByName(kind Kind, rawName string) (*Entity, bool) {
	if !kind.Valid() {
		return nil, false
	}
	for _, e := range s.lists[kind] {
		if e.RawName == rawName {
			return e, true
		}
	}
	return nil, false
}

// Streams returns source outputs followed by sink inputs.
func (s *Store) Streams() []*Entity {
	out := make([]*Entity, 0, len(s.lists[KindSourceOutput])+len(s.lists[KindSinkInput]))
	out = append(out, s.lists[KindSourceOutput]...)
	out = append(out, s.lists[KindSinkInput]...)
	return out
}

// Clear empties the store and hands back everything it held, kind by kind.
func (s *Store) Clear() []*Entity {
	var removed []*Entity
	for _, kind := range Kinds {
		removed = append(removed, s.lists[kind]...)
		s.lists[kind] = nil
		s.byID[kind] = map[uint32]*Entity{}
	}
	return removed
}
