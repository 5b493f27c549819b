// Package buspirate drives an SPI peripheral through a Bus Pirate
// in binary SPI mode, over its USB serial port.
package buspirate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate    = 115200
	DefaultSpeedHz     = 1_000_000
	DefaultReadTimeout = 100 * time.Millisecond
	maxBulk            = 16
	bitbangAttempts    = 20
)

// Binary mode commands
const (
	cmdReset       = 0x00
	cmdSPI         = 0x01
	cmdCSLow       = 0x02
	cmdCSHigh      = 0x03
	cmdHardReset   = 0x0F
	cmdBulk        = 0x10
	cmdPeripherals = 0x40
	cmdSpeed       = 0x60
	cmdConfig      = 0x80
	ack            = 0x01
)

const (
	periphPower     = 0x08
	periphCS        = 0x01
	configOutput3V3 = 0x08
	configCKE       = 0x02
)

// Supported SPI clock rates, index is the speed command argument
var speeds = [...]uint32{30_000, 125_000, 250_000, 1_000_000, 2_000_000, 2_600_000, 4_000_000, 8_000_000}

var (
	ErrTimeout     = errors.New("bus pirate did not answer in time")
	ErrNoBinary    = errors.New("bus pirate did not enter binary mode")
	ErrNoAck       = errors.New("bus pirate did not acknowledge command")
	ErrNotSelected = errors.New("chip select is not asserted")
)

// Port is the part of a serial port used here, [serial.Port] implements it
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

type Config struct {
	Device   string // e.g. /dev/ttyUSB0
	BaudRate int
	SpeedHz  uint32 // rounded down to a supported rate
}

type Transport struct {
	port     Port
	logger   *log.Entry
	selected bool
	buf      [1 + maxBulk]byte
}

// Open the serial port and put the Bus Pirate in binary SPI mode
func Open(config Config) (*Transport, error) {
	if config.BaudRate == 0 {
		config.BaudRate = DefaultBaudRate
	}
	port, err := serial.Open(config.Device, &serial.Mode{BaudRate: config.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open %v : %w", config.Device, err)
	}
	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, err
	}
	t, err := New(port, config.SpeedHz)
	if err != nil {
		port.Close()
		return nil, err
	}
	t.logger = t.logger.WithField("device", config.Device)
	return t, nil
}

// New configures an already opened port, speedHz 0 selects [DefaultSpeedHz]
func New(port Port, speedHz uint32) (*Transport, error) {
	t := &Transport{port: port, logger: log.WithField("component", "buspirate")}
	if speedHz == 0 {
		speedHz = DefaultSpeedHz
	}
	if err := t.enterBinary(); err != nil {
		return nil, err
	}
	index := speedIndex(speedHz)
	for _, cmd := range []byte{
		cmdSpeed | index,
		cmdPeripherals | periphPower | periphCS,
		cmdConfig | configOutput3V3 | configCKE,
	} {
		if err := t.command(cmd); err != nil {
			return nil, err
		}
	}
	t.logger.WithField("speed", speeds[index]).Info("bus pirate in binary spi mode")
	return t, nil
}

func (t *Transport) enterBinary() error {
	if err := t.port.ResetInputBuffer(); err != nil {
		return err
	}
	reply := make([]byte, 5)
	entered := false
	for i := 0; i < bitbangAttempts && !entered; i++ {
		if _, err := t.port.Write([]byte{cmdReset}); err != nil {
			return err
		}
		err := t.readFull(reply)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		entered = bytes.Equal(reply, []byte("BBIO1"))
	}
	if !entered {
		return ErrNoBinary
	}
	if _, err := t.port.Write([]byte{cmdSPI}); err != nil {
		return err
	}
	reply = reply[:4]
	if err := t.readFull(reply); err != nil {
		return err
	}
	if !bytes.Equal(reply, []byte("SPI1")) {
		return fmt.Errorf("%w : spi mode answered %q", ErrNoBinary, reply)
	}
	return nil
}

// Highest supported rate not above hz
func speedIndex(hz uint32) byte {
	index := 0
	for i, speed := range speeds {
		if speed <= hz {
			index = i
		}
	}
	return byte(index)
}

func (t *Transport) readFull(buf []byte) error {
	for read := 0; read < len(buf); {
		n, err := t.port.Read(buf[read:])
		if err != nil {
			return err
		}
		// The serial port returns nothing once the read timeout expires
		if n == 0 {
			return ErrTimeout
		}
		read += n
	}
	return nil
}

// Single byte command answered by 0x01
func (t *Transport) command(cmd byte) error {
	if _, err := t.port.Write([]byte{cmd}); err != nil {
		return err
	}
	reply := t.buf[:1]
	if err := t.readFull(reply); err != nil {
		return err
	}
	if reply[0] != ack {
		return fmt.Errorf("%w : 0x%02X answered 0x%02X", ErrNoAck, cmd, reply[0])
	}
	return nil
}

// Exchange out in chunks of 16 bytes, what comes back goes to in when not nil
func (t *Transport) bulk(out []byte, in []byte) error {
	for start := 0; start < len(out); start += maxBulk {
		chunk := out[start:min(start+maxBulk, len(out))]
		packet := append([]byte{cmdBulk | byte(len(chunk)-1)}, chunk...)
		if _, err := t.port.Write(packet); err != nil {
			return err
		}
		reply := t.buf[:1+len(chunk)]
		if err := t.readFull(reply); err != nil {
			return err
		}
		if reply[0] != ack {
			return fmt.Errorf("%w : bulk transfer answered 0x%02X", ErrNoAck, reply[0])
		}
		if in != nil {
			copy(in[start:], reply[1:])
		}
	}
	return nil
}

// "Select" implementation of spi.Transport
func (t *Transport) Select() error {
	if err := t.command(cmdCSLow); err != nil {
		return err
	}
	t.selected = true
	return nil
}

// "Deselect" implementation of spi.Transport
func (t *Transport) Deselect() error {
	if !t.selected {
		return ErrNotSelected
	}
	t.selected = false
	return t.command(cmdCSHigh)
}

// "Write" implementation of spi.Transport
func (t *Transport) Write(data []byte) error {
	if !t.selected {
		return ErrNotSelected
	}
	return t.bulk(data, nil)
}

// "Read" implementation of spi.Transport, clocks out zeros
func (t *Transport) Read(buf []byte) error {
	if !t.selected {
		return ErrNotSelected
	}
	return t.bulk(make([]byte, len(buf)), buf)
}

// "Close" implementation of spi.Transport, the Bus Pirate goes back to its terminal
func (t *Transport) Close() error {
	if _, err := t.port.Write([]byte{cmdReset, cmdHardReset}); err != nil {
		t.logger.WithError(err).Warn("failed to leave binary mode")
	}
	return t.port.Close()
}
