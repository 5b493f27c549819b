package mcp2515

import (
	"testing"

	"github.com/samsamfire/canspi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMessageEmpty(t *testing.T) {
	dev, chip, _ := createNormalDevice(t)
	frame, ok, err := dev.ReadMessage()
	assert.Nil(t, err)
	assert.False(t, ok)
	assert.Equal(t, canspi.Frame{}, frame)
	// Nothing fetched, only the receive status
	assert.Equal(t, 1, chip.Count(OpRxStatus))
	assert.Len(t, chip.Transactions(), 1)
}

func TestReadMessageBufferPriority(t *testing.T) {
	dev, chip, _ := createNormalDevice(t)
	first := mustFrame(t, 0x100, false, []byte{1})
	second := mustFrame(t, 0x200, false, []byte{2, 2})
	require.True(t, chip.Inject(first))
	require.True(t, chip.Inject(second))

	frame, ok, err := dev.ReadMessage()
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, first, frame)
	assert.Equal(t, 1, chip.Count(OpReadRxBuf0))

	frame, ok, err = dev.ReadMessage()
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, second, frame)
	assert.Equal(t, 1, chip.Count(OpReadRxBuf1))

	// Reading released both buffers
	_, ok, err = dev.ReadMessage()
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestReadMessageExtendedRemote(t *testing.T) {
	dev, chip, _ := createNormalDevice(t)
	remote, err := canspi.NewRemoteFrame(0x1FFFFFFF, true, 4)
	require.Nil(t, err)
	chip.Inject(remote)

	frame, ok, err := dev.ReadMessage()
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, remote, frame)
	assert.Empty(t, frame.Payload())
}

func TestReadMessageClampsDLC(t *testing.T) {
	dev, chip, _ := createNormalDevice(t)
	frame := mustFrame(t, 0x55, false, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	chip.Inject(frame)
	// RXB0DLC with a 4 bit length of 15
	chip.SetRegister(0x65, 0x0F)

	received, ok, err := dev.ReadMessage()
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 8, received.DLC)
	assert.Equal(t, frame.Data, received.Data)
}

func TestLoopbackRoundTrip(t *testing.T) {
	dev, _, _ := createNormalDevice(t)
	require.Nil(t, dev.SetMode(ModeLoopback))

	remote, err := canspi.NewRemoteFrame(0x7E5, false, 2)
	require.Nil(t, err)
	frames := []canspi.Frame{
		mustFrame(t, 0x123, false, []byte{0xCA, 0xFE}),
		mustFrame(t, 0x18FF50E5, true, []byte{1, 2, 3, 4, 5, 6, 7, 8}),
		remote,
		mustFrame(t, 0x0, false, nil),
	}
	for _, sent := range frames {
		_, err := dev.WriteMessage(sent)
		require.Nil(t, err)
		received, ok, err := dev.ReadMessage()
		assert.Nil(t, err)
		assert.True(t, ok)
		assert.Equal(t, sent, received)
	}
}
