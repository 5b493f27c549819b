// Package spican implements [canspi.Bus] on top of an MCP2515 controller.
//
// The device is shared between the caller of Send and a polling goroutine
// that services the receive buffers, every access goes through one mutex.
// Frames that find all three transmit buffers pending wait in a bounded
// queue and are retried by the polling goroutine, oldest first.
package spican

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samsamfire/canspi"
	"github.com/samsamfire/canspi/internal/fifo"
	"github.com/samsamfire/canspi/internal/metrics"
	"github.com/samsamfire/canspi/pkg/can"
	"github.com/samsamfire/canspi/pkg/config"
	"github.com/samsamfire/canspi/pkg/mcp2515"
	"github.com/samsamfire/canspi/pkg/spi"
	"github.com/samsamfire/canspi/pkg/spi/buspirate"
	"github.com/samsamfire/canspi/pkg/spi/spidev"
	"github.com/samsamfire/canspi/pkg/spi/virtual"
	log "github.com/sirupsen/logrus"
)

// Frames read per poll, so that a busy bus does not starve transmission
const maxReadsPerPoll = 16

var ErrQueueFull = errors.New("transmit queue full, frame dropped")

func init() {
	can.RegisterInterface("mcp2515", NewSpiCanBus)
}

// Opener opens the SPI transport of the controller, it is called on every Connect
// that finds no open transport
type Opener func() (spi.Transport, error)

type Bus struct {
	mu         sync.Mutex // guards dev, queue, connected and cancel
	open       Opener
	dev        *mcp2515.Device
	cfg        *config.Config
	queue      *fifo.Fifo
	connected  bool
	listenerMu sync.RWMutex
	listener   canspi.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *log.Entry
}

// Create a new bus from a configuration file, an empty channel uses the defaults.
// The transport is opened and the controller initialized on Connect.
func NewSpiCanBus(channel string) (canspi.Bus, error) {
	cfg := config.Default()
	if channel != "" {
		var err error
		cfg, err = config.Load(channel)
		if err != nil {
			return nil, err
		}
	}
	return NewBus(func() (spi.Transport, error) { return OpenTransport(cfg.Transport) }, cfg), nil
}

// OpenTransport opens the SPI transport described by the [transport] section
func OpenTransport(t config.TransportConfig) (spi.Transport, error) {
	var transport spi.Transport
	var err error
	switch t.Type {
	case config.TransportSpidev:
		transport, err = spidev.Open(spidev.Config{Device: t.Device, SpeedHz: t.SpeedHz, Mode: t.Mode})
	case config.TransportBusPirate:
		transport, err = buspirate.Open(buspirate.Config{Device: t.Device, BaudRate: t.BaudRate, SpeedHz: t.SpeedHz})
	case config.TransportVirtual:
		transport = virtual.NewChip()
	default:
		err = fmt.Errorf("unknown transport type %q", t.Type)
	}
	if err != nil {
		return nil, err
	}
	return transport, nil
}

// NewDevice creates the controller driver with the configured mode policy,
// mode retries are counted in metrics
func NewDevice(transport spi.Transport, cfg *config.Config) *mcp2515.Device {
	opts := append(cfg.DeviceOptions(), mcp2515.WithModeRetryHook(func(target mcp2515.Mode, attempt int) {
		metrics.IncModeRetry(target.String())
	}))
	return mcp2515.New(transport, opts...)
}

func NewBus(open Opener, cfg *config.Config) *Bus {
	queueSize := cfg.Controller.TxQueue
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Bus{
		open:   open,
		cfg:    cfg,
		queue:  fifo.NewFifo(queueSize),
		logger: log.WithField("component", "spican"),
	}
}

// "Connect" implementation of Bus interface.
// Opens the transport if needed, initializes the controller, programs filters
// and interrupts, enters the configured mode and starts polling.
// After a failed Connect the transport stays open, Connect may be retried
// and Disconnect closes it.
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if b.dev == nil {
		transport, err := b.open()
		if err != nil {
			return err
		}
		b.dev = NewDevice(transport, b.cfg)
	}
	if err := b.setup(); err != nil {
		return err
	}
	b.connected = true
	b.queue.Reset()

	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processIncoming(ctx)
	}()
	b.logger.WithFields(log.Fields{
		"bitrate": b.cfg.Timing.BitRate,
		"mode":    b.cfg.Controller.Mode,
	}).Info("connected to controller")
	return nil
}

func (b *Bus) setup() error {
	if err := b.dev.Init(b.cfg.Timing); err != nil {
		return err
	}
	for _, filter := range b.cfg.Filters {
		if err := b.dev.SetFilter(filter.ID, filter.Index, filter.Extended, false); err != nil {
			return fmt.Errorf("failed to set filter %v : %w", filter.Index, err)
		}
	}
	if err := b.dev.EnableInterrupts(b.cfg.Controller.Interrupts); err != nil {
		return err
	}
	return b.dev.SetMode(b.cfg.Controller.Mode)
}

// "Disconnect" implementation of Bus interface.
// Pending transmissions are aborted and the transport is closed,
// also when the last Connect failed. A later Connect reopens it.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		b.wg.Wait()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev == nil {
		return nil
	}
	if b.connected {
		if err := b.dev.AbortMessages(); err != nil {
			b.logger.WithError(err).Warn("failed to abort pending messages")
		}
	}
	b.connected = false
	err := b.dev.Close()
	b.dev = nil
	b.logger.Info("disconnected from controller")
	return err
}

// "Send" implementation of Bus interface.
// Returns once the frame is in a transmit buffer or queued, not when it is on the wire.
func (b *Bus) Send(frame canspi.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return canspi.ErrNotConnected
	}
	// Keep ordering, nothing overtakes queued frames
	if b.queue.GetOccupied() > 0 {
		return b.enqueue(frame)
	}
	_, err := b.dev.WriteMessage(frame)
	switch {
	case err == nil:
		metrics.IncTx()
		return nil
	case errors.Is(err, mcp2515.ErrNoBufferAvailable):
		return b.enqueue(frame)
	default:
		metrics.IncError(metrics.ErrSPIWrite)
		return err
	}
}

func (b *Bus) enqueue(frame canspi.Frame) error {
	if !b.queue.Push(frame) {
		metrics.IncDropped()
		b.logger.WithField("frame", frame).Debug("transmit queue full, dropping frame")
		return ErrQueueFull
	}
	metrics.IncQueued()
	return nil
}

// Pending returns the number of frames not yet on the wire, queued
// or waiting in a transmit buffer. A disconnected bus has none.
func (b *Bus) Pending() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return 0, nil
	}
	status, err := b.dev.Status()
	if err != nil {
		return 0, err
	}
	pending := b.queue.GetOccupied()
	for slot := mcp2515.TxSlot(0); slot < 3; slot++ {
		if status.Pending(slot) {
			pending++
		}
	}
	return pending, nil
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(listener canspi.FrameListener) error {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.listener = listener
	return nil
}

// process incoming frames. This is meant to be run inside of a goroutine
func (b *Bus) processIncoming(ctx context.Context) {
	interval := b.cfg.Controller.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	frames := make([]canspi.Frame, 0, maxReadsPerPoll)
	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("exiting controller polling")
			return
		case <-ticker.C:
			var err error
			frames, err = b.poll(frames[:0])
			if err != nil {
				b.logger.WithError(err).Error("failed to service controller")
			}
			b.dispatch(frames)
		}
	}
}

// Retry queued frames then drain the receive buffers
func (b *Bus) poll(frames []canspi.Frame) ([]canspi.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.flushQueue(); err != nil {
		return frames, err
	}
	for len(frames) < maxReadsPerPoll {
		frame, ok, err := b.dev.ReadMessage()
		if err != nil {
			metrics.IncError(metrics.ErrSPIRead)
			return frames, err
		}
		if !ok {
			break
		}
		metrics.IncRx()
		frames = append(frames, frame)
	}
	return frames, b.checkMessageError()
}

func (b *Bus) flushQueue() error {
	for {
		frame, ok := b.queue.Peek()
		if !ok {
			return nil
		}
		_, err := b.dev.WriteMessage(frame)
		if errors.Is(err, mcp2515.ErrNoBufferAvailable) {
			return nil
		}
		b.queue.Pop()
		if err != nil {
			metrics.IncError(metrics.ErrSPIWrite)
			return err
		}
		metrics.IncTx()
	}
}

// Receive overflows and bus errors on a frame raise MERRF
func (b *Bus) checkMessageError() error {
	flags, err := b.dev.ReadRegister(mcp2515.RegCANINTF)
	if err != nil {
		metrics.IncError(metrics.ErrSPIRead)
		return err
	}
	if mcp2515.Interrupt(flags)&mcp2515.IntMessageError == 0 {
		return nil
	}
	metrics.IncError(metrics.ErrMessageRx)
	b.logger.Warn("message error reported by controller")
	return b.dev.ClearMessageError()
}

func (b *Bus) dispatch(frames []canspi.Frame) {
	b.listenerMu.RLock()
	listener := b.listener
	b.listenerMu.RUnlock()
	if listener == nil {
		return
	}
	for _, frame := range frames {
		listener.Handle(frame)
	}
}
