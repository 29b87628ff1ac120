package graph

import (
	"fmt"
	"math"
	"strings"
)

// InvalidIndex is the protocol's "no object" id.
const InvalidIndex uint32 = math.MaxUint32

type Kind int

const (
	KindModule Kind = iota
	KindClient
	KindSource
	KindSink
	KindSourceOutput
	KindSinkInput
)

const numKinds = int(KindSinkInput) + 1

// Kinds lists every entity kind in listing order.
var Kinds = [...]Kind{KindModule, KindClient, KindSource, KindSink, KindSourceOutput, KindSinkInput}

func (k Kind) Valid() bool {
	return k >= KindModule && k <= KindSinkInput
}

func (k Kind) String() string {
	switch k {
	case KindModule:
		return "module"
	case KindClient:
		return "client"
	case KindSource:
		return "source"
	case KindSink:
		return "sink"
	case KindSourceOutput:
		return "source_output"
	case KindSinkInput:
		return "sink_input"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func ParseKind(raw string) (Kind, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_") {
	case "module":
		return KindModule, nil
	case "client":
		return KindClient, nil
	case "source":
		return KindSource, nil
	case "sink":
		return KindSink, nil
	case "source_output":
		return KindSourceOutput, nil
	case "sink_input":
		return KindSinkInput, nil
	default:
		return 0, fmt.Errorf("unknown entity kind %q", raw)
	}
}

func (k Kind) IsStream() bool {
	switch k {
	case KindSourceOutput, KindSinkInput:
		return true
	default:
		return false
	}
}

func (k Kind) IsBlock() bool {
	switch k {
	case KindModule, KindClient:
		return true
	default:
		return false
	}
}

func (k Kind) IsDevice() bool {
	switch k {
	case KindSource, KindSink:
		return true
	default:
		return false
	}
}

// Column is the fixed grid column an entity kind is drawn in. Streams sit
// between the blocks column and the device they are routed to.
type Column int

const (
	ColumnSources Column = iota
	ColumnSourceOutputs
	ColumnBlocks
	ColumnSinkInputs
	ColumnSinks
)

func (k Kind) Column() Column {
	switch k {
	case KindSource:
		return ColumnSources
	case KindSourceOutput:
		return ColumnSourceOutputs
	case KindModule, KindClient:
		return ColumnBlocks
	case KindSinkInput:
		return ColumnSinkInputs
	case KindSink:
		return ColumnSinks
	default:
		return ColumnBlocks
	}
}

func (c Column) String() string {
	switch c {
	case ColumnSources:
		return "sources"
	case ColumnSourceOutputs:
		return "source_outputs"
	case ColumnBlocks:
		return "blocks"
	case ColumnSinkInputs:
		return "sink_inputs"
	case ColumnSinks:
		return "sinks"
	default:
		return fmt.Sprintf("column(%d)", int(c))
	}
}

// TargetKind is the device kind a stream is routed to.
func (k Kind) TargetKind() (Kind, bool) {
	switch k {
	case KindSourceOutput:
		return KindSource, true
	case KindSinkInput:
		return KindSink, true
	default:
		return 0, false
	}
}

// Ref names an entity by kind and id. It is a lookup key, never an owner.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   uint32 `json:"id"`
}

var NoRef = Ref{ID: InvalidIndex}

func (r Ref) Valid() bool {
	return r.ID != InvalidIndex && r.Kind.Valid()
}

func (r Ref) String() string {
	if !r.Valid() {
		return "none"
	}
	return fmt.Sprintf("%s#%d", r.Kind, r.ID)
}
