package spican

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/samsamfire/canspi"
	"github.com/samsamfire/canspi/internal/metrics"
	"github.com/samsamfire/canspi/pkg/can"
	"github.com/samsamfire/canspi/pkg/config"
	"github.com/samsamfire/canspi/pkg/mcp2515"
	"github.com/samsamfire/canspi/pkg/spi"
	"github.com/samsamfire/canspi/pkg/spi/virtual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type FrameReceiver struct {
	mu     sync.Mutex
	frames []canspi.Frame
}

func (r *FrameReceiver) Handle(frame canspi.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *FrameReceiver) Frames() []canspi.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]canspi.Frame(nil), r.frames...)
}

func testConfig(mode mcp2515.Mode) *config.Config {
	cfg := config.Default()
	cfg.Transport.Type = config.TransportVirtual
	cfg.Controller.Mode = mode
	cfg.Controller.PollInterval = time.Millisecond
	cfg.Controller.ModeDelay = time.Millisecond
	cfg.Controller.TxQueue = 2
	return cfg
}

// Opens a new virtual chip on every call, setup may tune it first
type chipOpener struct {
	mu    sync.Mutex
	chips []*virtual.Chip
	setup func(chip *virtual.Chip)
}

func (o *chipOpener) Open() (spi.Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	chip := virtual.NewChip()
	if o.setup != nil {
		o.setup(chip)
	}
	o.chips = append(o.chips, chip)
	return chip, nil
}

func (o *chipOpener) Opened() []*virtual.Chip {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*virtual.Chip(nil), o.chips...)
}

func newTestBus(t *testing.T, mode mcp2515.Mode) (*Bus, *virtual.Chip) {
	opener := &chipOpener{}
	bus := NewBus(opener.Open, testConfig(mode))
	require.Nil(t, bus.Connect())
	t.Cleanup(func() { bus.Disconnect() })
	return bus, opener.Opened()[0]
}

// A closed chip refuses chip select
func isClosed(chip *virtual.Chip) bool {
	err := chip.Select()
	if err == nil {
		chip.Deselect()
	}
	return errors.Is(err, virtual.ErrClosed)
}

func TestSendBeforeConnect(t *testing.T) {
	opener := &chipOpener{}
	bus := NewBus(opener.Open, testConfig(mcp2515.ModeNormal))
	assert.ErrorIs(t, bus.Send(canspi.Frame{ID: 1}), canspi.ErrNotConnected)
	assert.Nil(t, bus.Disconnect())
	assert.Empty(t, opener.Opened())
}

func TestConnectInitializesController(t *testing.T) {
	cfg := testConfig(mcp2515.ModeNormal)
	cfg.Controller.Interrupts = mcp2515.IntRx0Full | mcp2515.IntRx1Full
	cfg.Filters = []config.FilterConfig{{Index: 1, ID: 0x321}}
	opener := &chipOpener{}
	bus := NewBus(opener.Open, cfg)
	require.Nil(t, bus.Connect())
	defer bus.Disconnect()
	chip := opener.Opened()[0]

	assert.EqualValues(t, mcp2515.ModeNormal, chip.OperatingMode())
	assert.EqualValues(t, 0x90, chip.Register(mcp2515.RegCNF2))
	assert.EqualValues(t, 0x03, chip.Register(mcp2515.RegCANINTE))
	// RXF1 at 0x04
	assert.EqualValues(t, 0x64, chip.Register(0x04))
	// Connecting twice is a no-op
	assert.Nil(t, bus.Connect())
	assert.Len(t, opener.Opened(), 1)
}

func TestReconnect(t *testing.T) {
	opener := &chipOpener{}
	bus := NewBus(opener.Open, testConfig(mcp2515.ModeLoopback))
	receiver := &FrameReceiver{}
	require.Nil(t, bus.Subscribe(receiver))

	require.Nil(t, bus.Connect())
	require.Nil(t, bus.Disconnect())
	require.Len(t, opener.Opened(), 1)
	assert.True(t, isClosed(opener.Opened()[0]))
	assert.ErrorIs(t, bus.Send(canspi.Frame{ID: 1}), canspi.ErrNotConnected)

	// Reconnecting opens a fresh transport
	require.Nil(t, bus.Connect())
	defer bus.Disconnect()
	require.Len(t, opener.Opened(), 2)
	second := opener.Opened()[1]
	assert.False(t, isClosed(second))
	assert.EqualValues(t, mcp2515.ModeLoopback, second.OperatingMode())

	frame := canspi.Frame{ID: 0x55, DLC: 1, Data: [8]byte{0x01}}
	require.Nil(t, bus.Send(frame))
	assert.Eventually(t, func() bool { return len(receiver.Frames()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, frame, receiver.Frames()[0])
}

func TestDisconnectAfterFailedConnect(t *testing.T) {
	opener := &chipOpener{setup: func(chip *virtual.Chip) { chip.SetModeStuck(true) }}
	cfg := testConfig(mcp2515.ModeNormal)
	cfg.Controller.ModeRetries = 3
	bus := NewBus(opener.Open, cfg)

	before := metrics.Snap()
	err := bus.Connect()
	assert.ErrorIs(t, err, mcp2515.ErrModeTransition)
	assert.Equal(t, before.Retries+3, metrics.Snap().Retries)
	assert.ErrorIs(t, bus.Send(canspi.Frame{ID: 1}), canspi.ErrNotConnected)

	// Retrying reuses the open transport
	assert.ErrorIs(t, bus.Connect(), mcp2515.ErrModeTransition)
	require.Len(t, opener.Opened(), 1)
	chip := opener.Opened()[0]
	assert.False(t, isClosed(chip))

	assert.Nil(t, bus.Disconnect())
	assert.True(t, isClosed(chip))
	// Nothing left to close
	assert.Nil(t, bus.Disconnect())
}

func TestConnectOpenFailure(t *testing.T) {
	bus := NewBus(func() (spi.Transport, error) {
		return nil, errors.New("no such device")
	}, testConfig(mcp2515.ModeNormal))
	assert.ErrorContains(t, bus.Connect(), "no such device")
	assert.Nil(t, bus.Disconnect())
}

func TestLoopback(t *testing.T) {
	bus, _ := newTestBus(t, mcp2515.ModeLoopback)
	receiver := &FrameReceiver{}
	require.Nil(t, bus.Subscribe(receiver))

	frames := []canspi.Frame{
		{ID: 0x123, DLC: 2, Data: [8]byte{0xCA, 0xFE}},
		{ID: 0x18FF50E5, Extended: true, DLC: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}
	for i, frame := range frames {
		require.Nil(t, bus.Send(frame))
		assert.Eventually(t, func() bool { return len(receiver.Frames()) == i+1 }, time.Second, time.Millisecond)
	}
	assert.Equal(t, frames, receiver.Frames())
}

func TestReceive(t *testing.T) {
	bus, chip := newTestBus(t, mcp2515.ModeNormal)
	received := make(chan canspi.Frame, 4)
	require.Nil(t, bus.Subscribe(canspi.FrameListenerFunc(func(frame canspi.Frame) {
		received <- frame
	})))
	before := metrics.Snap()
	frame := canspi.Frame{ID: 0x7DF, DLC: 3, Data: [8]byte{0x02, 0x01, 0x0C}}
	chip.Inject(frame)
	select {
	case got := <-received:
		assert.Equal(t, frame, got)
	case <-time.After(time.Second):
		t.Fatal("frame not received")
	}
	assert.Greater(t, metrics.Snap().Rx, before.Rx)
}

func TestTransmitQueue(t *testing.T) {
	bus, chip := newTestBus(t, mcp2515.ModeNormal)
	chip.HoldTransmit(true)
	before := metrics.Snap()

	// 3 transmit buffers and 2 queue slots
	for id := uint32(1); id <= 5; id++ {
		assert.Nil(t, bus.Send(canspi.Frame{ID: id}))
	}
	assert.ErrorIs(t, bus.Send(canspi.Frame{ID: 6}), ErrQueueFull)
	after := metrics.Snap()
	assert.Equal(t, before.Queued+2, after.Queued)
	assert.Equal(t, before.Dropped+1, after.Dropped)

	chip.HoldTransmit(false)
	assert.Eventually(t, func() bool { return len(chip.Sent()) == 5 }, time.Second, time.Millisecond)
	for i, frame := range chip.Sent() {
		assert.EqualValues(t, i+1, frame.ID)
	}
}

func TestSendInvalidFrame(t *testing.T) {
	bus, chip := newTestBus(t, mcp2515.ModeNormal)
	assert.ErrorIs(t, bus.Send(canspi.Frame{ID: 0x800}), canspi.ErrIdentifierRange)
	assert.Empty(t, chip.Sent())
}

func TestMessageErrorCleared(t *testing.T) {
	_, chip := newTestBus(t, mcp2515.ModeNormal)
	before := metrics.Snap()
	chip.SetRegister(mcp2515.RegCANINTF, byte(mcp2515.IntMessageError))
	assert.Eventually(t, func() bool {
		return chip.Register(mcp2515.RegCANINTF)&byte(mcp2515.IntMessageError) == 0
	}, time.Second, time.Millisecond)
	assert.Greater(t, metrics.Snap().Errors, before.Errors)
}

func TestRegisteredInterface(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canspi.ini")
	content := "[transport]\ntype = virtual\n[controller]\nmode = loopback\nmode_delay = 1ms\npoll_interval = 1ms\n"
	require.Nil(t, os.WriteFile(path, []byte(content), 0o644))

	assert.Contains(t, can.AvailableInterfaces(), "mcp2515")
	bus, err := can.NewBus("mcp2515", path)
	require.Nil(t, err)
	require.Nil(t, bus.Connect())
	defer bus.Disconnect()

	received := make(chan canspi.Frame, 1)
	require.Nil(t, bus.Subscribe(canspi.FrameListenerFunc(func(frame canspi.Frame) { received <- frame })))
	frame := canspi.Frame{ID: 0x42, DLC: 1, Data: [8]byte{0x99}}
	require.Nil(t, bus.Send(frame))
	select {
	case got := <-received:
		assert.Equal(t, frame, got)
	case <-time.After(time.Second):
		t.Fatal("frame not looped back")
	}

	_, err = can.NewBus("mcp2515", filepath.Join(t.TempDir(), "missing.ini"))
	assert.NotNil(t, err)
}

func TestPending(t *testing.T) {
	bus, chip := newTestBus(t, mcp2515.ModeNormal)
	chip.HoldTransmit(true)
	for id := uint32(1); id <= 4; id++ {
		require.Nil(t, bus.Send(canspi.Frame{ID: id}))
	}
	pending, err := bus.Pending()
	require.Nil(t, err)
	assert.Equal(t, 4, pending)

	chip.HoldTransmit(false)
	assert.Eventually(t, func() bool {
		pending, err := bus.Pending()
		return err == nil && pending == 0
	}, time.Second, time.Millisecond)
}
