// Package remote describes the operations the engine needs from an audio
// server, independent of how they travel.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/patchbay/internal/graph"
)

var ErrNotConnected = errors.New("not connected")

type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateAuthorizing
	StateSettingName
	StateReady
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateSettingName:
		return "setting_name"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type EventType int

const (
	EventUnknown EventType = iota
	EventNew
	EventChange
	EventRemove
)

func ParseEventType(raw string) EventType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new":
		return EventNew
	case "change":
		return EventChange
	case "remove":
		return EventRemove
	default:
		return EventUnknown
	}
}

func (t EventType) String() string {
	switch t {
	case EventNew:
		return "new"
	case EventChange:
		return "change"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Facility is the object class an event refers to. It covers the entity
// kinds plus server-wide notifications.
type Facility struct {
	Name string
	kind graph.Kind
	ok   bool
}

var FacilityServer = Facility{Name: "server"}

func FacilityOf(kind graph.Kind) Facility {
	return Facility{Name: kind.String(), kind: kind, ok: true}
}

func ParseFacility(raw string) Facility {
	if kind, err := graph.ParseKind(raw); err == nil {
		return FacilityOf(kind)
	}
	return Facility{Name: strings.ToLower(strings.TrimSpace(raw))}
}

// Kind returns the entity kind of the facility, if it has one.
func (f Facility) Kind() (graph.Kind, bool) {
	return f.kind, f.ok
}

func (f Facility) String() string {
	if f.Name == "" {
		return "unknown"
	}
	return f.Name
}

type Event struct {
	Type     EventType
	Facility Facility
	ID       uint32
	// Raw keeps the wire type for logging unknown events.
	Raw string
}

// Handler receives connection state changes and subscribed events. Calls
// are made on the engine's dispatch loop.
type Handler interface {
	StateChanged(State)
	Event(Event)
}

// Conn is one connection epoch. Every operation returns immediately;
// callbacks run later on the dispatch loop. A nil callback discards the
// result.
type Conn interface {
	Subscribe(done func(error))
	List(kind graph.Kind, done func([]graph.Snapshot, error))
	// Get reports found=false when the object no longer exists.
	Get(kind graph.Kind, id uint32, done func(snap graph.Snapshot, found bool, err error))
	SetVolume(kind graph.Kind, id uint32, levels []uint32, done func(error))
	SetMute(kind graph.Kind, id uint32, muted bool, done func(error))
	MoveSourceOutput(id, source uint32, done func(error))
	MoveSinkInput(id, sink uint32, done func(error))
	LoadModule(name, argument string, done func(error))
	UnloadModule(id uint32, done func(error))
	Close() error
}

// Dialer starts a connection. A returned error is a synchronous failure;
// later failures arrive as StateFailed on the handler.
type Dialer interface {
	Dial(ctx context.Context, clientName string, handler Handler) (Conn, error)
}
