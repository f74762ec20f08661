package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is a client-originated event addressed to one component.
type Event struct {
	ComponentID string          `json:"componentId"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Bind decodes the event data into v.
func (e *Event) Bind(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: decode %s event data: %w", e.Name, err)
	}
	return nil
}

// Command is one opaque, ordered unit of outbound state change.
// Seq is assigned by the session's dispatcher.
type Command struct {
	Seq         uint64          `json:"seq"`
	ComponentID string          `json:"componentId,omitempty"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewCommand builds a command, marshaling payload to JSON.
// A nil payload produces a command without payload.
func NewCommand(componentID, name string, payload any) (*Command, error) {
	cmd := &Command{ComponentID: componentID, Name: name}
	if payload == nil {
		return cmd, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		cmd.Payload = raw
		return cmd, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", name, err)
	}
	cmd.Payload = data
	return cmd, nil
}

// Hello is the payload of FrameHello and FrameRefresh.
// A zero SessionID asks the server to assign one.
type Hello struct {
	SessionID SessionID      `json:"sessionId"`
	Client    ClientSnapshot `json:"client"`
}

// Welcome is the payload of FrameWelcome.
type Welcome struct {
	SessionID SessionID `json:"sessionId"`
}

// CommandBatch is the payload of FrameCommands.
type CommandBatch struct {
	Commands []*Command `json:"commands"`
}

// ControlType identifies a control message.
type ControlType string

const (
	ControlPing  ControlType = "ping"
	ControlPong  ControlType = "pong"
	ControlClose ControlType = "close"
)

// Control is the payload of FrameControl.
type Control struct {
	Type      ControlType `json:"type"`
	Timestamp int64       `json:"ts,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// ErrorCode identifies an error frame.
type ErrorCode string

const (
	ErrCodeInvalidFrame   ErrorCode = "invalid_frame"
	ErrCodeInvalidHello   ErrorCode = "invalid_hello"
	ErrCodeSessionFailure ErrorCode = "session_failure"

	// ErrCodeSessionMismatch rejects ids that belong to another browser.
	ErrCodeSessionMismatch ErrorCode = "session_mismatch"

	// ErrCodeUnavailable reports a request that was not processed. The
	// session is still alive and the client may retry.
	ErrCodeUnavailable ErrorCode = "unavailable"
)

// ErrorMessage is the payload of FrameError.
type ErrorMessage struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// EncodeJSON builds a frame whose payload is the JSON encoding of v.
func EncodeJSON(ft FrameType, v any) (*Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s frame: %w", ft, err)
	}
	if len(data) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	return NewFrame(ft, data), nil
}

// EncodeCommands builds the commands frame of one batch. It is flagged
// sequenced and final: a batch is never split across frames.
func EncodeCommands(cmds []*Command) (*Frame, error) {
	f, err := EncodeJSON(FrameCommands, &CommandBatch{Commands: cmds})
	if err != nil {
		return nil, err
	}
	return NewFrameWithFlags(f.Type, FlagSequenced|FlagFinal, f.Payload), nil
}

// DecodeJSON decodes the frame payload into v.
func DecodeJSON(f *Frame, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s frame: %w", f.Type, err)
	}
	return nil
}
