package canspi

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	MaxStandardID uint32 = 0x7FF
	MaxExtendedID uint32 = 0x1FFFFFFF
	MaxDataLength        = 8
)

// A CAN frame.
// Data is held by value so that a frame never aliases driver memory.
type Frame struct {
	ID       uint32
	Extended bool
	RTR      bool
	DLC      uint8
	Data     [8]byte
}

// Create a new data frame, id and payload are checked against
// their declared widths
func NewFrame(id uint32, extended bool, data []byte) (Frame, error) {
	frame := Frame{ID: id, Extended: extended, DLC: uint8(min(len(data), MaxDataLength))}
	if len(data) > MaxDataLength {
		return frame, ErrDataLength
	}
	copy(frame.Data[:], data)
	return frame, frame.Validate()
}

// Create a new remote transmission request frame, dlc is the requested length
func NewRemoteFrame(id uint32, extended bool, dlc uint8) (Frame, error) {
	frame := Frame{ID: id, Extended: extended, RTR: true, DLC: dlc}
	return frame, frame.Validate()
}

// Validate checks that the identifier fits 11 or 29 bits
// and that the DLC does not exceed 8
func (f Frame) Validate() error {
	if f.Extended && f.ID > MaxExtendedID {
		return fmt.Errorf("%w : 0x%X > 0x%X", ErrIdentifierRange, f.ID, MaxExtendedID)
	}
	if !f.Extended && f.ID > MaxStandardID {
		return fmt.Errorf("%w : 0x%X > 0x%X", ErrIdentifierRange, f.ID, MaxStandardID)
	}
	if f.DLC > MaxDataLength {
		return fmt.Errorf("%w : %v", ErrDataLength, f.DLC)
	}
	return nil
}

// Payload returns the meaningful data bytes. Remote frames carry none.
func (f Frame) Payload() []byte {
	if f.RTR {
		return f.Data[:0]
	}
	return f.Data[:min(f.DLC, MaxDataLength)]
}

// String formats the frame in candump notation e.g. 123#DEADBEEF
func (f Frame) String() string {
	var sb strings.Builder
	if f.Extended {
		fmt.Fprintf(&sb, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&sb, "%03X#", f.ID)
	}
	if f.RTR {
		sb.WriteString("R")
		if f.DLC > 0 {
			sb.WriteString(strconv.Itoa(int(f.DLC)))
		}
		return sb.String()
	}
	sb.WriteString(strings.ToUpper(hex.EncodeToString(f.Payload())))
	return sb.String()
}

// ParseFrame parses cansend notation.
// <3 hex digits>#... is a standard frame, <8 hex digits>#... is extended.
// Data bytes may be separated by '.', "R" or "R<dlc>" marks a remote frame.
func ParseFrame(s string) (Frame, error) {
	idPart, dataPart, found := strings.Cut(strings.TrimSpace(s), "#")
	if !found {
		return Frame{}, ErrFrameSyntax
	}
	var extended bool
	switch len(idPart) {
	case 3:
		extended = false
	case 8:
		extended = true
	default:
		return Frame{}, fmt.Errorf("%w : identifier %q must have 3 or 8 hex digits", ErrFrameSyntax, idPart)
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("%w : %v", ErrFrameSyntax, err)
	}
	if strings.HasPrefix(dataPart, "R") || strings.HasPrefix(dataPart, "r") {
		dlc := uint64(0)
		if len(dataPart) > 1 {
			dlc, err = strconv.ParseUint(dataPart[1:], 10, 4)
			if err != nil {
				return Frame{}, fmt.Errorf("%w : %v", ErrFrameSyntax, err)
			}
		}
		return NewRemoteFrame(uint32(id), extended, uint8(dlc))
	}
	data, err := hex.DecodeString(strings.ReplaceAll(dataPart, ".", ""))
	if err != nil {
		return Frame{}, fmt.Errorf("%w : %v", ErrFrameSyntax, err)
	}
	return NewFrame(uint32(id), extended, data)
}
