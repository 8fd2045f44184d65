package link

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Relay wire message types.
const (
	relayTypeCommand         = "command"
	relayTypeFullState       = "full_state"
	relayTypeState           = "state"
	relayTypeInputChanged    = "input_changed"
	relayTypeCommandResponse = "command_response"
	relayTypeHeartbeat       = "heartbeat"
)

// RelayCodec speaks the relay controller protocol.
//
//	out: {"type":"command","commandId":7,"command":"set_relay","params":{...}}
//	in:  {"type":"full_state","relays":[...],"inputs":[...]}
//	     {"type":"input_changed","inputIndex":2,"state":true}
//	     {"type":"command_response","commandId":7,"success":true,"result":{...}}
//	     {"type":"heartbeat"}
type RelayCodec struct{}

type relayCommand struct {
	Type      string         `json:"type"`
	CommandID uint64         `json:"commandId"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params,omitempty"`
}

type relayEnvelope struct {
	Type       string          `json:"type"`
	Relays     []bool          `json:"relays"`
	Inputs     []bool          `json:"inputs"`
	IP         string          `json:"ip"`
	InputIndex *int            `json:"inputIndex"`
	State      *bool           `json:"state"`
	CommandID  json.RawMessage `json:"commandId"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result"`
	Error      string          `json:"error"`
}

// EncodeCommand implements Codec.
func (RelayCodec) EncodeCommand(id uint64, name string, params map[string]any) ([]byte, error) {
	return json.Marshal(relayCommand{
		Type:      relayTypeCommand,
		CommandID: id,
		Command:   name,
		Params:    params,
	})
}

// Decode implements Codec.
func (RelayCodec) Decode(data []byte) (Frame, error) {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	frame := Frame{Type: env.Type}
	switch env.Type {
	case relayTypeFullState, relayTypeState:
		frame.Kind = KindStateSnapshot
		frame.Snapshot = &Snapshot{Outputs: env.Relays, Inputs: env.Inputs, Address: env.IP}
	case relayTypeInputChanged:
		if env.InputIndex == nil || env.State == nil {
			return Frame{}, fmt.Errorf("%w: input_changed without inputIndex/state", ErrMalformedMessage)
		}
		frame.Kind = KindInputChanged
		frame.Input = &InputChange{Index: *env.InputIndex, State: *env.State}
	case relayTypeCommandResponse:
		id, ok := parseCommandID(env.CommandID)
		if !ok {
			return Frame{}, fmt.Errorf("%w: command_response without commandId", ErrMalformedMessage)
		}
		frame.Kind = KindCommandResponse
		frame.Response = &Response{CommandID: id, Success: env.Success, Result: env.Result, Reason: env.Error}
		if !env.Success && frame.Response.Reason == "" {
			frame.Response.Reason = "remote reported failure"
		}
	case relayTypeHeartbeat:
		frame.Kind = KindHeartbeat
	default:
		frame.Kind = KindUnknown
	}
	return frame, nil
}

// Greeting implements Codec. Relays push full_state on their own.
func (RelayCodec) Greeting() [][]byte { return nil }

// RobotCodec speaks the robot topic-socket protocol.
//
//	out: {"enable_topic":["/tracked_pose",...]}            (greeting)
//	     {"id":"7","type":"standard","target_x":1.5,...}  (command)
//	in:  {"command_id":"7","status":"success",...}
//	     {"topic":"/tracked_pose",...}
type RobotCodec struct {
	Topics []string
}

type robotEnvelope struct {
	CommandID json.RawMessage `json:"command_id"`
	Status    string          `json:"status"`
	Error     string          `json:"error"`
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
}

// Robot response statuses treated as rejection.
var robotFailureStatuses = map[string]bool{
	"failed": true,
	"error":  true,
}

// EncodeCommand implements Codec. Params are flattened into the message;
// they cannot override id or type.
func (RobotCodec) EncodeCommand(id uint64, name string, params map[string]any) ([]byte, error) {
	msg := make(map[string]any, len(params)+2)
	for k, v := range params {
		msg[k] = v
	}
	msg["id"] = strconv.FormatUint(id, 10)
	msg["type"] = name
	return json.Marshal(msg)
}

// Decode implements Codec.
func (RobotCodec) Decode(data []byte) (Frame, error) {
	var env robotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch {
	case len(env.CommandID) > 0 && !bytes.Equal(env.CommandID, []byte("null")):
		id, ok := parseCommandID(env.CommandID)
		if !ok {
			return Frame{}, fmt.Errorf("%w: command_id %s is not a link id", ErrMalformedMessage, env.CommandID)
		}
		resp := &Response{CommandID: id, Success: true, Result: json.RawMessage(data)}
		if robotFailureStatuses[env.Status] || env.Error != "" {
			resp.Success = false
			resp.Reason = env.Error
			if resp.Reason == "" {
				resp.Reason = env.Status
			}
		}
		return Frame{Kind: KindCommandResponse, Type: "command_response", Response: resp}, nil
	case env.Type == "heartbeat" || env.Topic == "/heartbeat":
		return Frame{Kind: KindHeartbeat, Type: "heartbeat"}, nil
	case env.Topic != "":
		return Frame{
			Kind:     KindStateSnapshot,
			Type:     env.Topic,
			Snapshot: &Snapshot{Topic: env.Topic, Data: json.RawMessage(data)},
		}, nil
	default:
		return Frame{Kind: KindUnknown, Type: env.Type}, nil
	}
}

// Greeting implements Codec.
func (c RobotCodec) Greeting() [][]byte {
	if len(c.Topics) == 0 {
		return nil
	}
	msg, err := json.Marshal(map[string][]string{"enable_topic": c.Topics})
	if err != nil {
		return nil
	}
	return [][]byte{msg}
}

// parseCommandID accepts ids encoded as JSON numbers or numeric strings.
func parseCommandID(raw json.RawMessage) (uint64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	s := string(raw)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
