package engine

import (
	"sort"

	"github.com/agentworkforce/patchbay/internal/graph"
	"github.com/agentworkforce/patchbay/internal/layout"
)

var blockColumns = []graph.Column{graph.ColumnSources, graph.ColumnBlocks, graph.ColumnSinks}

// shownIn returns the entities the view holds in col, in arrival order.
func (s *Session) shownIn(col graph.Column) []*graph.Entity {
	var out []*graph.Entity
	for _, kind := range graph.Kinds {
		if kind.Column() != col {
			continue
		}
		for _, e := range s.store.List(kind) {
			if e.Shown {
				out = append(out, e)
			}
		}
	}
	return out
}

func byRow(entities []*graph.Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].Placement.Row < entities[j].Placement.Row
	})
}

func (s *Session) candidate(e *graph.Entity) layout.Candidate {
	if e.Kind != graph.KindClient {
		return layout.Candidate{Name: e.RawName}
	}
	// A client without a module keeps an empty Module; the codec writes it
	// as layout.NoModule.
	c := layout.Candidate{Name: e.RawName, Paired: true}
	if e.OwnerModule != graph.InvalidIndex {
		if module, ok := s.store.Find(graph.KindModule, e.OwnerModule); ok {
			c.Module = module.RawName
		}
	}
	return c
}

// captureLayout records the current row order of every column by name.
func (s *Session) captureLayout() *layout.Manifest {
	m := &layout.Manifest{
		WindowWidth:  s.window.WindowWidth,
		WindowHeight: s.window.WindowHeight,
		ViewMode:     s.window.ViewMode,
	}
	for _, col := range blockColumns {
		entities := s.shownIn(col)
		byRow(entities)
		for _, e := range entities {
			switch col {
			case graph.ColumnSources:
				m.Sources = append(m.Sources, e.RawName)
			case graph.ColumnSinks:
				m.Sinks = append(m.Sinks, e.RawName)
			default:
				c := s.candidate(e)
				m.Blocks = append(m.Blocks, layout.Entry{Module: c.Module, Name: c.Name, Paired: c.Paired})
			}
		}
	}
	return m
}

// CurrentLayout is the manifest to persist right now. Until a full listing
// has arrived it is the manifest still waiting to be restored.
func (s *Session) CurrentLayout() *layout.Manifest {
	if !s.listed && s.manifest != nil {
		return s.manifest.Clone()
	}
	return s.captureLayout()
}

// restoreLayout reorders every block column to follow m. Entities m does
// not mention keep their relative order after the named ones.
func (s *Session) restoreLayout(m *layout.Manifest) {
	s.window = windowOf(m)
	for _, col := range blockColumns {
		var entries []layout.Entry
		switch col {
		case graph.ColumnSources:
			entries = layout.NameEntries(m.Sources)
		case graph.ColumnSinks:
			entries = layout.NameEntries(m.Sinks)
		default:
			entries = m.Blocks
		}
		entities := s.shownIn(col)
		byRow(entities)
		candidates := make([]layout.Candidate, len(entities))
		for i, e := range entities {
			candidates[i] = s.candidate(e)
		}
		for row, i := range layout.Arrange(entries, candidates) {
			e := entities[i]
			if e.Placement.Row != row {
				e.Placement.Row = row
				s.view.EntityUpdated(e)
			}
		}
	}
	s.log.Debugf("restored layout: %d sources, %d blocks, %d sinks", len(m.Sources), len(m.Blocks), len(m.Sinks))
}

// arrangeStreams derives stream rows: grouped by the row of their block,
// then by the row of the device they are routed to.
func (s *Session) arrangeStreams() []*graph.Entity {
	var moved []*graph.Entity
	for _, col := range []graph.Column{graph.ColumnSourceOutputs, graph.ColumnSinkInputs} {
		streams := s.shownIn(col)
		key := func(e *graph.Entity) (int, int) {
			block, target := -1, -1
			if b, ok := s.store.Get(e.Block); ok {
				block = b.Placement.Row
			}
			if t, ok := s.store.Get(e.Target); ok {
				target = t.Placement.Row
			}
			return block, target
		}
		sort.SliceStable(streams, func(i, j int) bool {
			bi, ti := key(streams[i])
			bj, tj := key(streams[j])
			if bi != bj {
				return bi < bj
			}
			if ti != tj {
				return ti < tj
			}
			return streams[i].ID < streams[j].ID
		})
		for row, e := range streams {
			if e.Placement.Row != row {
				e.Placement.Row = row
				moved = append(moved, e)
			}
		}
	}
	return moved
}

// EntityState is the exported, detached view of one entity.
type EntityState struct {
	Kind        string        `json:"kind"`
	ID          uint32        `json:"id"`
	Name        string        `json:"name"`
	DisplayName string        `json:"displayName"`
	ShortName   string        `json:"shortName"`
	OwnerModule *uint32       `json:"ownerModule,omitempty"`
	OwnerClient *uint32       `json:"ownerClient,omitempty"`
	Route       *uint32       `json:"route,omitempty"`
	MonitorOf   *uint32       `json:"monitorOf,omitempty"`
	Argument    string        `json:"argument,omitempty"`
	Active      bool          `json:"active"`
	Visible     bool          `json:"visible"`
	Column      string        `json:"column"`
	Row         int           `json:"row"`
	Color       string        `json:"color,omitempty"`
	Volume      *graph.Volume `json:"volume,omitempty"`
	Block       string        `json:"block,omitempty"`
	Target      string        `json:"target,omitempty"`
}

type GraphSnapshot struct {
	State     string        `json:"state"`
	Connected bool          `json:"connected"`
	Entities  []EntityState `json:"entities"`
}

func optionalID(id uint32) *uint32 {
	if id == graph.InvalidIndex {
		return nil
	}
	return &id
}

func (s *Session) entityState(e *graph.Entity) EntityState {
	state := EntityState{
		Kind:        e.Kind.String(),
		ID:          e.ID,
		Name:        e.RawName,
		DisplayName: e.DisplayName,
		ShortName:   e.ShortName,
		OwnerModule: optionalID(e.OwnerModule),
		OwnerClient: optionalID(e.OwnerClient),
		Route:       optionalID(e.Route()),
		MonitorOf:   optionalID(e.MonitorOf),
		Argument:    e.Argument,
		Active:      e.Active,
		Visible:     e.Shown,
		Column:      e.Placement.Column.String(),
		Row:         e.Placement.Row,
		Volume:      e.Volume.Clone(),
	}
	if c, ok := s.palette.Color(e.Color); ok {
		state.Color = c.String()
	}
	if e.Block.Valid() {
		state.Block = e.Block.String()
	}
	if e.Target.Valid() {
		state.Target = e.Target.String()
	}
	return state
}
