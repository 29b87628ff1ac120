package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/patchbay/internal/graph"
	"github.com/agentworkforce/patchbay/internal/remote"
)

var (
	ErrInvalidFrame = errors.New("invalid frame")
	ErrNoEntity     = errors.New("no such entity")
	ErrClosed       = errors.New("connection closed")
	ErrQueueFull    = errors.New("send queue full")
)

const codeNoEntity = "no_entity"

type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error " + e.Code
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrNoEntity && e.Code == codeNoEntity
}

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type inbound struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RemoteError    `json:"error"`
	Event  *wireEvent      `json:"event"`
}

type wireEvent struct {
	Type     string `json:"type"`
	Facility string `json:"facility"`
	Index    uint32 `json:"index"`
}

func (w wireEvent) event() remote.Event {
	return remote.Event{
		Type:     remote.ParseEventType(w.Type),
		Facility: remote.ParseFacility(w.Facility),
		ID:       w.Index,
		Raw:      w.Type,
	}
}

// wireInfo is one object description. NameRaw carries the name bytes when
// they are not valid UTF-8, which a JSON string cannot hold unchanged.
type wireInfo struct {
	Index          uint32   `json:"index"`
	Name           string   `json:"name"`
	NameRaw        []byte   `json:"name_raw"`
	OwnerModule    *uint32  `json:"owner_module"`
	Client         *uint32  `json:"client"`
	Source         *uint32  `json:"source"`
	Sink           *uint32  `json:"sink"`
	MonitorOf      *uint32  `json:"monitor_of"`
	HasVolume      bool     `json:"has_volume"`
	VolumeWritable bool     `json:"volume_writable"`
	VolumeDisabled bool     `json:"volume_disabled"`
	Volume         []uint32 `json:"volume"`
	ChannelMap     []string `json:"channel_map"`
	Mute           bool     `json:"mute"`
	Argument       string   `json:"argument"`
}

func optionalIndex(v *uint32) uint32 {
	if v == nil {
		return graph.InvalidIndex
	}
	return *v
}

func (w wireInfo) snapshot(kind graph.Kind) graph.Snapshot {
	name := w.Name
	if len(w.NameRaw) > 0 {
		name = string(w.NameRaw)
	}
	snap := graph.NewSnapshot(kind, w.Index, name)
	snap.OwnerModule = optionalIndex(w.OwnerModule)
	snap.OwnerClient = optionalIndex(w.Client)
	snap.Source = optionalIndex(w.Source)
	snap.Sink = optionalIndex(w.Sink)
	snap.MonitorOf = optionalIndex(w.MonitorOf)
	snap.Argument = w.Argument
	if graph.VolumeApplicable(kind, w.HasVolume, w.VolumeWritable, w.VolumeDisabled) && len(w.Volume) > 0 {
		positions := make([]graph.ChannelPosition, len(w.Volume))
		for i := range positions {
			positions[i] = graph.PositionInvalid
			if i < len(w.ChannelMap) {
				positions[i] = graph.ParseChannelPosition(w.ChannelMap[i])
			}
		}
		snap.Volume = &graph.Volume{
			Levels:    append([]uint32(nil), w.Volume...),
			Positions: positions,
			Muted:     w.Mute,
		}
	}
	return snap
}

// facilityName is the wire spelling of an entity kind.
func facilityName(kind graph.Kind) string {
	return kind.String()
}

const frameSchema = `{
  "type": "object",
  "oneOf": [
    {
      "required": ["event"],
      "properties": {
        "event": {
          "type": "object",
          "required": ["type", "facility", "index"],
          "properties": {
            "type": {"type": "string"},
            "facility": {"type": "string"},
            "index": {"type": "integer", "minimum": 0, "maximum": 4294967295}
          }
        }
      }
    },
    {
      "required": ["id"],
      "properties": {
        "id": {"type": "integer", "minimum": 0},
        "error": {
          "type": "object",
          "required": ["code"],
          "properties": {
            "code": {"type": "string"},
            "message": {"type": "string"}
          }
        }
      }
    }
  ]
}`

func compileFrameSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
	if err != nil {
		return nil, fmt.Errorf("parse frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("frame.json", doc); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile("frame.json")
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return schema, nil
}

func decodeFrame(schema *jsonschema.Schema, data []byte) (inbound, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return inbound{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := schema.Validate(instance); err != nil {
		return inbound{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	var frame inbound
	if err := json.Unmarshal(data, &frame); err != nil {
		return inbound{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return frame, nil
}
