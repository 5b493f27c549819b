// Package mcp2515 is the protocol engine of a Microchip MCP2515 stand-alone
// CAN controller attached over SPI.
//
// High level operations (send a frame, receive a frame, configure bit timing,
// switch operating mode) are translated into fixed sequences of register
// transactions on a [spi.Transport].
//
// A [Device] owns its transport and its scratch buffers exclusively. It does no
// locking : every method blocks until its transactions complete, and calling two
// methods concurrently on the same Device is not supported. Wrap the whole
// Device in a mutex when it has to be shared, as pkg/can/spican does.
package mcp2515

import (
	"time"

	"github.com/samsamfire/canspi/pkg/spi"
	log "github.com/sirupsen/logrus"
)

// Mode switch policy. The controller does not bound how long a mode
// request takes to be applied, so the request is repeated.
const (
	DefaultModeRetries = 10
	DefaultModeDelay   = 100 * time.Millisecond
	ResetDelay         = 10 * time.Millisecond
)

type Device struct {
	bus         spi.Transport
	clock       spi.Clock
	logger      *log.Entry
	modeRetries int
	modeDelay   time.Duration
	onRetry     func(target Mode, attempt int)
	cmd         [4]byte          // instruction, address, mask, value
	record      [recordSize]byte // buffer header + payload
	reg         [1]byte          // single register reads
}

type Option func(d *Device)

// Use another delay primitive, mostly for tests
func WithClock(clock spi.Clock) Option {
	return func(d *Device) { d.clock = clock }
}

func WithLogger(logger *log.Entry) Option {
	return func(d *Device) { d.logger = logger }
}

// Override the number of mode requests and the delay before each check
func WithModePolicy(retries int, delay time.Duration) Option {
	return func(d *Device) {
		if retries > 0 {
			d.modeRetries = retries
		}
		if delay >= 0 {
			d.modeDelay = delay
		}
	}
}

// Called after every mode request that was not applied yet
func WithModeRetryHook(hook func(target Mode, attempt int)) Option {
	return func(d *Device) { d.onRetry = hook }
}

// Create a new MCP2515 device on top of an already opened transport
func New(bus spi.Transport, opts ...Option) *Device {
	d := &Device{
		bus:         bus,
		clock:       spi.SystemClock{},
		logger:      log.WithField("component", "mcp2515"),
		modeRetries: DefaultModeRetries,
		modeDelay:   DefaultModeDelay,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Close releases the underlying transport
func (d *Device) Close() error {
	return d.bus.Close()
}

// Reset puts every register back to its power-on value.
// The controller comes back in configuration mode.
func (d *Device) Reset() error {
	if err := d.command(OpReset); err != nil {
		return err
	}
	d.clock.Sleep(ResetDelay)
	return nil
}

// Init resets the controller, programs bit timing and enters normal mode.
// Timing parameters are checked before anything is sent to the controller.
func (d *Device) Init(cfg BitTimingConfig) error {
	regs, err := cfg.Registers()
	if err != nil {
		return err
	}
	d.logger.WithFields(log.Fields{
		"bitrate":    cfg.BitRate,
		"oscillator": cfg.OscillatorFreq,
		"brp":        regs.BRP,
	}).Debug("initializing controller")

	if err := d.Reset(); err != nil {
		return err
	}
	if err := d.SetMode(ModeConfiguration); err != nil {
		return err
	}
	if err := d.writeTiming(regs); err != nil {
		return err
	}
	return d.SetMode(ModeNormal)
}

// Status reads the transmit and receive flags in one instruction
func (d *Device) Status() (Status, error) {
	b, err := d.readInstruction(OpReadStatus)
	return decodeStatus(b), err
}

// RxStatus reads the receive buffer state and the type of the pending frame
func (d *Device) RxStatus() (RxStatus, error) {
	b, err := d.readInstruction(OpRxStatus)
	return decodeRxStatus(b), err
}

// MessageAvailable reports whether any receive buffer is full
func (d *Device) MessageAvailable() (bool, error) {
	st, err := d.RxStatus()
	if err != nil {
		return false, err
	}
	return st.Any(), nil
}

// AbortMessages requests abort of all pending transmissions
func (d *Device) AbortMessages() error {
	return d.BitModify(RegCANCTRL, abortAll, 0xFF)
}
