package mcp2515

import (
	"fmt"
	"strings"
)

// Operating mode, encoded as in the OPMOD / REQOP fields
type Mode uint8

const (
	ModeNormal        Mode = 0
	ModeSleep         Mode = 1
	ModeLoopback      Mode = 2
	ModeListenOnly    Mode = 3
	ModeConfiguration Mode = 4
)

var modeNames = map[Mode]string{
	ModeNormal:        "NORMAL",
	ModeSleep:         "SLEEP",
	ModeLoopback:      "LOOPBACK",
	ModeListenOnly:    "LISTEN-ONLY",
	ModeConfiguration: "CONFIGURATION",
}

func (m Mode) String() string {
	name, ok := modeNames[m]
	if !ok {
		return fmt.Sprintf("UNKNOWN(%d)", uint8(m))
	}
	return name
}

// ParseMode is the inverse of [Mode.String], case insensitive
func ParseMode(s string) (Mode, error) {
	for mode, name := range modeNames {
		if strings.EqualFold(name, s) {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown operating mode %q", s)
}

// Transmit buffer TXB0..TXB2
type TxSlot uint8

// Status is a snapshot of the READ STATUS instruction
type Status struct {
	Rx0Full    bool
	Rx1Full    bool
	Tx0Pending bool
	Tx0Done    bool
	Tx1Pending bool
	Tx1Done    bool
	Tx2Pending bool
	Tx2Done    bool
}

func decodeStatus(b byte) Status {
	return Status{
		Rx0Full:    b&0x01 != 0,
		Rx1Full:    b&0x02 != 0,
		Tx0Pending: b&0x04 != 0,
		Tx0Done:    b&0x08 != 0,
		Tx1Pending: b&0x10 != 0,
		Tx1Done:    b&0x20 != 0,
		Tx2Pending: b&0x40 != 0,
		Tx2Done:    b&0x80 != 0,
	}
}

// Pending reports the TXREQ bit of the given transmit buffer
func (s Status) Pending(slot TxSlot) bool {
	switch slot {
	case 0:
		return s.Tx0Pending
	case 1:
		return s.Tx1Pending
	case 2:
		return s.Tx2Pending
	}
	return true
}

// RxStatus is a snapshot of the RX STATUS instruction.
// RTR and Extended describe the frame in the buffer that would be
// serviced first, i.e. RXB0 when it is full.
type RxStatus struct {
	FilterMatch uint8
	RTR         bool
	Extended    bool
	Rx0Full     bool
	Rx1Full     bool
}

func decodeRxStatus(b byte) RxStatus {
	return RxStatus{
		FilterMatch: b & 0x07,
		RTR:         b&0x08 != 0,
		Extended:    b&0x10 != 0,
		Rx0Full:     b&0x40 != 0,
		Rx1Full:     b&0x80 != 0,
	}
}

// Any reports whether at least one receive buffer holds a frame
func (s RxStatus) Any() bool {
	return s.Rx0Full || s.Rx1Full
}
