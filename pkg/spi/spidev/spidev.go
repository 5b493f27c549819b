// Package spidev is a [spi.Transport] on top of the Linux spidev driver
// e.g. /dev/spidev0.0
//
// The kernel asserts chip select for the duration of one SPI_IOC_MESSAGE
// ioctl. Writes are therefore queued until a Read or Deselect, and the chip
// select line is kept asserted between ioctls with the cs_change flag.
package spidev

import (
	"errors"
	"fmt"
)

const (
	DefaultSpeedHz     = 10_000_000
	DefaultMode        = 0
	DefaultBitsPerWord = 8
)

var (
	ErrNotSelected = errors.New("chip select is not asserted")
	ErrSelected    = errors.New("chip select already asserted")
)

type Config struct {
	Device      string // e.g. /dev/spidev0.0
	SpeedHz     uint32
	Mode        uint8 // CPOL / CPHA, the MCP2515 supports 0 and 3
	BitsPerWord uint8
}

func (c *Config) setDefaults() {
	if c.SpeedHz == 0 {
		c.SpeedHz = DefaultSpeedHz
	}
	if c.BitsPerWord == 0 {
		c.BitsPerWord = DefaultBitsPerWord
	}
}

func (c Config) validate() error {
	if c.Device == "" {
		return fmt.Errorf("no spidev device given")
	}
	if c.Mode > 3 {
		return fmt.Errorf("invalid spi mode %v", c.Mode)
	}
	return nil
}

// A pending part of a message, rx is nil for writes
type segment struct {
	tx []byte
	rx []byte
}
