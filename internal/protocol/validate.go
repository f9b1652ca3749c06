package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed UI→bridge message types.
var validClientTypes = map[string]bool{
	TypeMeasurementStart:  true,
	TypeMeasurementStop:   true,
	TypeSessionConnect:    true,
	TypeSessionDisconnect: true,
}

// payloadOptional lists types whose payload may be omitted.
var payloadOptional = map[string]bool{
	TypeMeasurementStop:   true,
	TypeSessionDisconnect: true,
	TypeSessionConnect:    true,
}

// ValidateClientMessage validates a raw JSON message from the UI.
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

	switch msg.Type {
	case TypeMeasurementStart:
		var p MeasurementStartPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if err := p.Config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config in %s payload: %w", msg.Type, err)
		}

	case TypeSessionConnect:
		var p SessionConnectPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the UI.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
