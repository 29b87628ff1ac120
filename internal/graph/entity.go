package graph

// VolumeMax is the highest per-channel level accepted by set-volume.
const VolumeMax uint32 = 65535

// NoColor marks an entity without a palette token.
const NoColor = -1

type Volume struct {
	Levels    []uint32          `json:"levels"`
	Positions []ChannelPosition `json:"positions"`
	Muted     bool              `json:"muted"`
}

func (v *Volume) Clone() *Volume {
	if v == nil {
		return nil
	}
	return &Volume{
		Levels:    append([]uint32(nil), v.Levels...),
		Positions: append([]ChannelPosition(nil), v.Positions...),
		Muted:     v.Muted,
	}
}

func (v *Volume) Channels() int {
	if v == nil {
		return 0
	}
	return len(v.Levels)
}

// VolumeApplicable reports whether an entity of the given kind exposes a
// controllable volume, given the server's flags for it.
func VolumeApplicable(kind Kind, hasVolume, writable, disabled bool) bool {
	switch kind {
	case KindSource, KindSink:
		return !disabled
	case KindSourceOutput, KindSinkInput:
		return !disabled && hasVolume && writable
	case KindModule, KindClient:
		return false
	default:
		return false
	}
}

type Placement struct {
	Column Column `json:"column"`
	Row    int    `json:"row"`
}

func (p Placement) Placed() bool {
	return p.Row >= 0
}

// Snapshot is the full detail of one remote object as reported by the
// server. Reference fields hold InvalidIndex when absent.
type Snapshot struct {
	Kind        Kind
	ID          uint32
	Name        string
	OwnerModule uint32
	OwnerClient uint32
	Source      uint32
	Sink        uint32
	MonitorOf   uint32
	Argument    string
	Volume      *Volume
}

func NewSnapshot(kind Kind, id uint32, name string) Snapshot {
	return Snapshot{
		Kind:        kind,
		ID:          id,
		Name:        name,
		OwnerModule: InvalidIndex,
		OwnerClient: InvalidIndex,
		Source:      InvalidIndex,
		Sink:        InvalidIndex,
		MonitorOf:   InvalidIndex,
	}
}

type Entity struct {
	Kind        Kind
	ID          uint32
	RawName     string
	DisplayName string
	ShortName   string
	OwnerModule uint32
	OwnerClient uint32
	Source      uint32
	Sink        uint32
	MonitorOf   uint32
	Argument    string
	Active      bool
	Volume      *Volume
	Placement   Placement
	Color       int

	// Block and Target are maintained by the Resolver and only ever point
	// at entities present in the store.
	Block  Ref
	Target Ref

	// Shown is set while the view holds this entity.
	Shown bool
}

func newEntity(kind Kind, id uint32) *Entity {
	return &Entity{
		Kind:        kind,
		ID:          id,
		OwnerModule: InvalidIndex,
		OwnerClient: InvalidIndex,
		Source:      InvalidIndex,
		Sink:        InvalidIndex,
		MonitorOf:   InvalidIndex,
		Placement:   Placement{Column: kind.Column(), Row: -1},
		Color:       NoColor,
		Block:       NoRef,
		Target:      NoRef,
	}
}

func (e *Entity) Ref() Ref {
	return Ref{Kind: e.Kind, ID: e.ID}
}

// Route is the id of the device a stream is connected to.
func (e *Entity) Route() uint32 {
	switch e.Kind {
	case KindSourceOutput:
		return e.Source
	case KindSinkInput:
		return e.Sink
	default:
		return InvalidIndex
	}
}

func (e *Entity) apply(snap Snapshot) {
	e.RawName = snap.Name
	e.OwnerModule = snap.OwnerModule
	e.OwnerClient = snap.OwnerClient
	e.Source = snap.Source
	e.Sink = snap.Sink
	e.MonitorOf = snap.MonitorOf
	e.Argument = snap.Argument
	e.Volume = snap.Volume.Clone()
}
