package mcp2515

import (
	"fmt"
	"strings"
)

// Interrupt sources, same bit layout in CANINTE and CANINTF
type Interrupt uint8

const (
	IntRx0Full      Interrupt = 0x01
	IntRx1Full      Interrupt = 0x02
	IntTx0Empty     Interrupt = 0x04
	IntTx1Empty     Interrupt = 0x08
	IntTx2Empty     Interrupt = 0x10
	IntError        Interrupt = 0x20
	IntWakeUp       Interrupt = 0x40
	IntMessageError Interrupt = 0x80
)

var interruptNames = map[string]Interrupt{
	"rx0":           IntRx0Full,
	"rx1":           IntRx1Full,
	"tx0":           IntTx0Empty,
	"tx1":           IntTx1Empty,
	"tx2":           IntTx2Empty,
	"error":         IntError,
	"wakeup":        IntWakeUp,
	"message_error": IntMessageError,
}

// ParseInterrupts converts names like "rx0", "tx1", "wakeup" into a set
func ParseInterrupts(names []string) (Interrupt, error) {
	var set Interrupt
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		flag, ok := interruptNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown interrupt source %q", name)
		}
		set |= flag
	}
	return set, nil
}

// EnableInterrupts sets the given sources in CANINTE. Sources that are
// not requested keep their current state, nothing is disabled here.
func (d *Device) EnableInterrupts(sources Interrupt) error {
	if sources == 0 {
		return nil
	}
	return d.BitModify(RegCANINTE, byte(sources), 0xFF)
}

// ClearInterrupts resets the given flags in CANINTF
func (d *Device) ClearInterrupts(flags Interrupt) error {
	return d.BitModify(RegCANINTF, byte(flags), 0x00)
}

func (d *Device) ClearMessageError() error {
	return d.ClearInterrupts(IntMessageError)
}

// ClearWakeUp clears the wake-up flag, which also lets the controller leave sleep
func (d *Device) ClearWakeUp() error {
	return d.ClearInterrupts(IntWakeUp)
}

func (d *Device) ClearError() error {
	return d.ClearInterrupts(IntError)
}

// Cause is the highest priority pending interrupt, as reported by CANSTAT.ICOD
type Cause uint8

const (
	CauseNone Cause = iota
	CauseError
	CauseWakeUp
	CauseTx0
	CauseTx1
	CauseTx2
	CauseRx0
	CauseRx1
)

var causeNames = [...]string{
	CauseNone:   "No interrupts",
	CauseError:  "Error",
	CauseWakeUp: "Wake-up",
	CauseTx0:    "TX0",
	CauseTx1:    "TX1",
	CauseTx2:    "TX2",
	CauseRx0:    "RX0",
	CauseRx1:    "RX1",
}

func (c Cause) String() string {
	if int(c) < len(causeNames) {
		return causeNames[c]
	}
	return fmt.Sprintf("Cause(%d)", uint8(c))
}

// WhichInterrupt reports which condition drives the INT pin
func (d *Device) WhichInterrupt() (Cause, error) {
	canstat, err := d.ReadRegister(RegCANSTAT)
	if err != nil {
		return CauseNone, err
	}
	return Cause((canstat & icodMask) >> icodShift), nil
}
