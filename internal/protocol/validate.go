package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate:  true,
	TypeSessionList:    true,
	TypeSessionAttach:  true,
	TypeSessionDetach:  true,
	TypeSessionStop:    true,
	TypeSessionDelete:  true,
	TypeTerminalInput:  true,
	TypeTerminalResize: true,
	TypeUsersList:      true,
}

// payloadOptional lists request types that carry no payload.
var payloadOptional = map[string]bool{
	TypeSessionList: true,
	TypeUsersList:   true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		if payloadOptional[msg.Type] {
			return &msg, nil
		}
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.WorkingDirectory == "" {
			return nil, missing(msg.Type, "workingDirectory")
		}

	case TypeSessionAttach:
		var p SessionAttachPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing(msg.Type, "sessionId")
		}

	case TypeSessionDetach, TypeSessionStop, TypeSessionDelete:
		var p SessionIDPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing(msg.Type, "sessionId")
		}

	case TypeTerminalInput:
		var p TerminalInputPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing(msg.Type, "sessionId")
		}
		if len(p.Data) == 0 {
			return nil, missing(msg.Type, "data")
		}

	case TypeTerminalResize:
		var p TerminalResizePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing(msg.Type, "sessionId")
		}
		if p.Cols == 0 || p.Rows == 0 {
			return nil, fmt.Errorf("'cols' and 'rows' must be positive in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

func decode(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

func missing(msgType, field string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message, sessionID string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	})
}
