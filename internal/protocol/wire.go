package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Backend commands.
const (
	CommandStart = "start"
	CommandStop  = "stop"
)

// FinishedMessage is the value of the "message" field in the structured sentinel.
const FinishedMessage = "Finished"

// MeasurementConfig is the start request sent to the backend. Optional
// limits are pointers so unset values are omitted from the wire.
type MeasurementConfig struct {
	Command    string   `json:"command"`
	Port       string   `json:"port"`
	Iterations int      `json:"iterations"`
	IsVoltSrc  bool     `json:"isVoltSrc"`
	VoltLimit  *float64 `json:"voltLimit,omitempty"`
	CurrLimit  *float64 `json:"currLimit,omitempty"`
	IMax       *float64 `json:"iMax,omitempty"`
	IMin       *float64 `json:"iMin,omitempty"`
	UMax       *float64 `json:"uMax,omitempty"`
	UMin       *float64 `json:"uMin,omitempty"`
	Delay      *float64 `json:"delay,omitempty"`
	IsBothWays *bool    `json:"isBothWays,omitempty"`
	Is4Wire    *bool    `json:"is4Wire,omitempty"`
}

var (
	ErrMissingPort       = errors.New("port is required")
	ErrInvalidIterations = errors.New("iterations must be positive")
	ErrInvalidRange      = errors.New("minimum exceeds maximum")
)

// IsConfigError reports whether err came from MeasurementConfig.Validate.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrMissingPort) || errors.Is(err, ErrInvalidIterations) || errors.Is(err, ErrInvalidRange)
}

// Validate checks the fields the backend cannot run without.
func (c MeasurementConfig) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return ErrMissingPort
	}
	if c.Iterations <= 0 {
		return ErrInvalidIterations
	}
	if c.IsVoltSrc {
		if c.UMin != nil && c.UMax != nil && *c.UMin > *c.UMax {
			return fmt.Errorf("voltage sweep: %w", ErrInvalidRange)
		}
	} else {
		if c.IMin != nil && c.IMax != nil && *c.IMin > *c.IMax {
			return fmt.Errorf("current sweep: %w", ErrInvalidRange)
		}
	}
	return nil
}

// EncodeStart serializes the config as a start command.
func EncodeStart(cfg MeasurementConfig) ([]byte, error) {
	cfg.Command = CommandStart
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal start command: %w", err)
	}
	return data, nil
}

// EncodeStop returns the stop command frame.
func EncodeStop() []byte {
	return []byte(`{"command":"stop"}`)
}

// DataPoint is one sample produced by the backend while measuring.
type DataPoint struct {
	Step    int     `json:"step"`
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
}

// Kind is the classification of an inbound backend frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindData
	KindSentinel
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindSentinel:
		return "sentinel"
	default:
		return "unknown"
	}
}

// Inbound is a classified backend frame.
type Inbound struct {
	Kind  Kind
	Point DataPoint
	// Reason explains why an unknown frame was rejected.
	Reason string
}

type sentinelFrame struct {
	Message *string `json:"message"`
}

type dataFrame struct {
	Step    *float64 `json:"step"`
	Voltage *float64 `json:"voltage"`
	Current *float64 `json:"current"`
}

// Classify sorts a raw frame into sentinel, data or unknown. Structured
// parses are tried first (sentinel object, then data object); the plain
// substring scan only applies to frames that are not JSON objects.
func Classify(raw []byte) Inbound {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		return classifyObject(raw)
	}

	text := string(raw)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		text = s
	}
	if strings.Contains(text, "Finished") || strings.Contains(text, "finished") {
		return Inbound{Kind: KindSentinel}
	}
	return Inbound{Kind: KindUnknown, Reason: "not a JSON object"}
}

func classifyObject(raw []byte) Inbound {
	var sf sentinelFrame
	if err := json.Unmarshal(raw, &sf); err == nil && sf.Message != nil && *sf.Message == FinishedMessage {
		return Inbound{Kind: KindSentinel}
	}

	var df dataFrame
	if err := json.Unmarshal(raw, &df); err != nil {
		return Inbound{Kind: KindUnknown, Reason: fmt.Sprintf("invalid data frame: %v", err)}
	}
	if df.Step == nil || df.Voltage == nil || df.Current == nil {
		return Inbound{Kind: KindUnknown, Reason: "missing step, voltage or current"}
	}

	if *df.Step != math.Trunc(*df.Step) {
		return Inbound{Kind: KindUnknown, Reason: fmt.Sprintf("step is not an integer: %v", *df.Step)}
	}
	// -math.MinInt is the first value past math.MaxInt and is exact as a float.
	if *df.Step < math.MinInt || *df.Step >= -math.MinInt {
		return Inbound{Kind: KindUnknown, Reason: fmt.Sprintf("step out of range: %v", *df.Step)}
	}

	return Inbound{
		Kind:  KindData,
		Point: DataPoint{Step: int(*df.Step), Voltage: *df.Voltage, Current: *df.Current},
	}
}
