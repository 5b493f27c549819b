// Package spi defines the collaborators of the MCP2515 protocol engine :
// a byte oriented transport with a chip select line, and a blocking clock.
//
// Implementations live in sub packages : spidev (Linux kernel driver),
// buspirate (USB serial adapter) and virtual (simulated controller).
package spi

import (
	"time"
)

// Transport gives access to a single SPI peripheral.
// Write and Read are only valid between Select and Deselect.
// A Transport is not safe for concurrent use.
type Transport interface {
	Select() error           // Assert chip select
	Deselect() error         // Release chip select
	Write(data []byte) error // Clock out data, ignoring what comes back
	Read(buf []byte) error   // Clock in len(buf) bytes
	Close() error
}

// Clock is a blocking delay primitive
type Clock interface {
	Sleep(d time.Duration)
}

// SystemClock sleeps on the wall clock
type SystemClock struct{}

func (SystemClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Transact runs fn inside one framed transaction.
// The chip select line is released on every exit path, including
// when fn fails or panics.
func Transact(t Transport, fn func() error) (err error) {
	if err = t.Select(); err != nil {
		return err
	}
	defer func() {
		derr := t.Deselect()
		if err == nil {
			err = derr
		}
	}()
	return fn()
}
