package mcp2515

import (
	"errors"
	"fmt"
)

var (
	ErrConfig            = errors.New("bit timing parameter out of range")
	ErrModeTransition    = errors.New("controller did not confirm operating mode")
	ErrNoBufferAvailable = errors.New("all transmit buffers are pending, frame dropped")
	ErrFilterIndex       = errors.New("acceptance filter index must be 0 to 5")
	ErrTransport         = errors.New("transport failure")
	ErrUnknownMode       = errors.New("unknown operating mode")
)

// TransportError wraps a failure of the underlying byte exchange.
// It is fatal for the current operation and never retried.
type TransportError struct {
	Op  byte // SPI instruction being issued
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during instruction 0x%02X : %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Field of [BitTimingConfig] rejected by validation
type Field string

const (
	FieldBitRate    Field = "BitRate"
	FieldOscillator Field = "OscillatorFreq"
	FieldSJW        Field = "SJW"
	FieldBRP        Field = "BRP"
	FieldBTLMode    Field = "BTLMode"
	FieldSAM        Field = "SAM"
	FieldPropSeg    Field = "PropSeg"
	FieldPhaseSeg1  Field = "PhaseSeg1"
	FieldPhaseSeg2  Field = "PhaseSeg2"
)

// ConfigError names the timing field that does not fit its register bit width
type ConfigError struct {
	Field Field
	Value int64
	Min   int64
	Max   int64
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %v : %v (must be %v to %v)", e.Field, e.Value, e.Min, e.Max)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// ModeTransitionError is returned once the retry budget of [Device.SetMode] is spent
type ModeTransitionError struct {
	Target   Mode
	Last     Mode
	Attempts int
}

func (e *ModeTransitionError) Error() string {
	return fmt.Sprintf("failed to enter %v mode after %v attempts, controller reports %v", e.Target, e.Attempts, e.Last)
}

func (e *ModeTransitionError) Is(target error) bool { return target == ErrModeTransition }
