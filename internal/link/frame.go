package link

import (
	"encoding/json"
)

// FrameKind is the closed set of inbound message kinds.
type FrameKind int

const (
	// KindUnknown frames are logged and dropped.
	KindUnknown FrameKind = iota
	KindStateSnapshot
	KindInputChanged
	KindCommandResponse
	KindHeartbeat
)

func (k FrameKind) String() string {
	switch k {
	case KindStateSnapshot:
		return "state_snapshot"
	case KindInputChanged:
		return "input_changed"
	case KindCommandResponse:
		return "command_response"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Frame is one decoded inbound message. Only the fields for its Kind are set.
type Frame struct {
	Kind FrameKind

	// Type is the raw type string from the wire, kept for logging.
	Type string

	Snapshot *Snapshot
	Input    *InputChange
	Response *Response
}

// Snapshot is a full state report. Relays fill Outputs and Inputs; robots
// fill Topic and Data.
type Snapshot struct {
	Outputs []bool          `json:"outputs,omitempty"`
	Inputs  []bool          `json:"inputs,omitempty"`
	Address string          `json:"address,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// InputChange reports a single input transition.
type InputChange struct {
	Index int  `json:"index"`
	State bool `json:"state"`
}

// Response settles a pending command.
type Response struct {
	CommandID uint64
	Success   bool
	Result    json.RawMessage
	Reason    string
}

// Codec translates between the wire protocol of one endpoint kind and frames.
type Codec interface {
	// EncodeCommand renders an outbound command with its correlation id.
	EncodeCommand(id uint64, name string, params map[string]any) ([]byte, error)

	// Decode classifies an inbound message. Unrecognised but well-formed
	// messages decode to KindUnknown; unparsable ones return ErrMalformedMessage.
	Decode(data []byte) (Frame, error)

	// Greeting returns messages sent immediately after every successful
	// open, such as topic subscriptions. May be nil.
	Greeting() [][]byte
}
