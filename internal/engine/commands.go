package engine

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/agentworkforce/patchbay/internal/graph"
	"github.com/agentworkforce/patchbay/internal/remote"
)

const (
	NullSinkModule = "module-null-sink"
)

var (
	ErrNotConnected    = remote.ErrNotConnected
	ErrUnknownEntity   = errors.New("unknown entity")
	ErrNoChange        = errors.New("no change")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotAllowed      = errors.New("operation not allowed")
)

var sinkNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Dispatcher turns user intents into remote operations. Commands only check
// what can be checked locally; their effect shows up later through the
// event feed, and a failed remote call is logged and dropped.
type Dispatcher struct {
	s *Session
}

func (d *Dispatcher) conn() (remote.Conn, error) {
	if !d.s.Connected() {
		return nil, ErrNotConnected
	}
	return d.s.conn, nil
}

func (d *Dispatcher) record(name string, err error) error {
	outcome := "sent"
	switch {
	case err == nil:
	case errors.Is(err, ErrNoChange):
		outcome = "unchanged"
	default:
		outcome = "rejected"
	}
	d.s.metrics.command(name, outcome)
	return err
}

// completion logs the remote result of a command.
func (d *Dispatcher) completion(name string, subject fmt.Stringer) func(error) {
	log := d.s.log
	return func(err error) {
		if err != nil {
			log.Debugf("%s %s failed: %v", name, subject, err)
		}
	}
}

type label string

func (l label) String() string { return string(l) }

func (d *Dispatcher) lookup(kind graph.Kind, id uint32) (*graph.Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: kind %s", ErrInvalidArgument, kind)
	}
	e, ok := d.s.store.Find(kind, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, graph.Ref{Kind: kind, ID: id})
	}
	return e, nil
}

// MoveStream routes a stream to another device of the matching kind. It
// returns ErrNoChange without contacting the server when the stream is
// already routed there.
func (d *Dispatcher) MoveStream(kind graph.Kind, streamID, targetID uint32) error {
	return d.record("move_stream", d.moveStream(kind, streamID, targetID))
}

func (d *Dispatcher) moveStream(kind graph.Kind, streamID, targetID uint32) error {
	if !kind.IsStream() {
		return fmt.Errorf("%w: %s is not a stream kind", ErrInvalidArgument, kind)
	}
	conn, err := d.conn()
	if err != nil {
		return err
	}
	stream, err := d.lookup(kind, streamID)
	if err != nil {
		return err
	}
	targetKind, _ := kind.TargetKind()
	if _, err := d.lookup(targetKind, targetID); err != nil {
		return err
	}
	if stream.Route() == targetID {
		return ErrNoChange
	}
	done := d.completion("move", stream.Ref())
	if kind == graph.KindSourceOutput {
		conn.MoveSourceOutput(streamID, targetID, done)
	} else {
		conn.MoveSinkInput(streamID, targetID, done)
	}
	return nil
}

// SetVolume sets every channel of a volume-controllable entity. Levels
// above graph.VolumeMax are clamped.
func (d *Dispatcher) SetVolume(kind graph.Kind, id uint32, levels []uint32) error {
	return d.record("set_volume", d.setVolume(kind, id, levels))
}

func (d *Dispatcher) setVolume(kind graph.Kind, id uint32, levels []uint32) error {
	conn, err := d.conn()
	if err != nil {
		return err
	}
	e, err := d.lookup(kind, id)
	if err != nil {
		return err
	}
	if e.Volume == nil {
		return fmt.Errorf("%w: %s has no volume control", ErrNotAllowed, e.Ref())
	}
	if len(levels) != e.Volume.Channels() {
		return fmt.Errorf("%w: %s has %d channels, got %d levels", ErrInvalidArgument, e.Ref(), e.Volume.Channels(), len(levels))
	}
	clamped := make([]uint32, len(levels))
	for i, level := range levels {
		clamped[i] = min(level, graph.VolumeMax)
	}
	conn.SetVolume(kind, id, clamped, d.completion("set volume", e.Ref()))
	return nil
}

func (d *Dispatcher) SetMute(kind graph.Kind, id uint32, muted bool) error {
	return d.record("set_mute", d.setMute(kind, id, muted))
}

func (d *Dispatcher) setMute(kind graph.Kind, id uint32, muted bool) error {
	conn, err := d.conn()
	if err != nil {
		return err
	}
	e, err := d.lookup(kind, id)
	if err != nil {
		return err
	}
	if e.Volume == nil {
		return fmt.Errorf("%w: %s has no volume control", ErrNotAllowed, e.Ref())
	}
	conn.SetMute(kind, id, muted, d.completion("set mute", e.Ref()))
	return nil
}

func (d *Dispatcher) LoadModule(name, argument string) error {
	return d.record("load_module", d.loadModule(name, argument))
}

func (d *Dispatcher) loadModule(name, argument string) error {
	if name == "" {
		return fmt.Errorf("%w: module name is required", ErrInvalidArgument)
	}
	conn, err := d.conn()
	if err != nil {
		return err
	}
	conn.LoadModule(name, argument, d.completion("load", label(name)))
	return nil
}

func (d *Dispatcher) UnloadModule(id uint32) error {
	return d.record("unload_module", d.unloadModule(id))
}

func (d *Dispatcher) unloadModule(id uint32) error {
	conn, err := d.conn()
	if err != nil {
		return err
	}
	module, err := d.lookup(graph.KindModule, id)
	if err != nil {
		return err
	}
	conn.UnloadModule(id, d.completion("unload", module.Ref()))
	return nil
}

// CreateNullSink loads a null sink called name.
func (d *Dispatcher) CreateNullSink(name string) error {
	return d.record("create_null_sink", d.createNullSink(name))
}

func (d *Dispatcher) createNullSink(name string) error {
	if !sinkNamePattern.MatchString(name) {
		return fmt.Errorf("%w: sink name %q may only use letters, digits, '.', '_' and '-'", ErrInvalidArgument, name)
	}
	conn, err := d.conn()
	if err != nil {
		return err
	}
	if _, exists := d.s.store.FindByName(graph.KindSink, name); exists {
		return fmt.Errorf("%w: sink %q already exists", ErrNotAllowed, name)
	}
	conn.LoadModule(NullSinkModule, "sink_name="+name, d.completion("load", label(NullSinkModule)))
	return nil
}

func (d *Dispatcher) AddLoopback() error {
	return d.record("add_loopback", d.loadModule(LoopbackModule, ""))
}

// RemoveSink unloads the module behind a sink. Only null sinks can go.
func (d *Dispatcher) RemoveSink(id uint32) error {
	return d.record("remove_sink", d.removeSink(id))
}

func (d *Dispatcher) removeSink(id uint32) error {
	conn, err := d.conn()
	if err != nil {
		return err
	}
	sink, err := d.lookup(graph.KindSink, id)
	if err != nil {
		return err
	}
	module, ok := d.s.store.Find(graph.KindModule, sink.OwnerModule)
	if !ok || module.RawName != NullSinkModule {
		return fmt.Errorf("%w: %s is not a null sink", ErrNotAllowed, sink.Ref())
	}
	conn.UnloadModule(module.ID, d.completion("unload", module.Ref()))
	return nil
}

// Place moves a shown device or block to row, swapping with whatever
// occupies it. Stream rows are derived and cannot be placed.
func (d *Dispatcher) Place(kind graph.Kind, id uint32, row int) error {
	return d.record("place", d.place(kind, id, row))
}

func (d *Dispatcher) place(kind graph.Kind, id uint32, row int) error {
	if kind.IsStream() {
		return fmt.Errorf("%w: stream rows follow their block", ErrNotAllowed)
	}
	if row < 0 {
		return fmt.Errorf("%w: row %d", ErrInvalidArgument, row)
	}
	e, err := d.lookup(kind, id)
	if err != nil {
		return err
	}
	if !e.Shown {
		return fmt.Errorf("%w: %s is not shown", ErrNotAllowed, e.Ref())
	}
	if e.Placement.Row == row {
		return ErrNoChange
	}
	s := d.s
	if occupant, ok := s.store.AtRow(e.Placement.Column, row); ok && occupant != e {
		occupant.Placement.Row = e.Placement.Row
		s.view.EntityUpdated(occupant)
	}
	e.Placement.Row = row
	s.view.EntityUpdated(e)
	s.scheduleRefresh()
	return nil
}
