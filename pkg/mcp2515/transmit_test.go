package mcp2515

import (
	"testing"

	"github.com/samsamfire/canspi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFrame(t *testing.T, id uint32, extended bool, data []byte) canspi.Frame {
	t.Helper()
	frame, err := canspi.NewFrame(id, extended, data)
	require.Nil(t, err)
	return frame
}

func TestWriteMessageUsesFirstFreeBuffer(t *testing.T) {
	dev, chip, _ := createNormalDevice(t)
	chip.SetTxPending(0, true)
	chip.SetTxPending(2, true)

	frame := mustFrame(t, 0x123, false, []byte{0xDE, 0xAD})
	slot, err := dev.WriteMessage(frame)
	assert.Nil(t, err)
	assert.EqualValues(t, 1, slot)

	transactions := chip.Transactions()
	require.Len(t, transactions, 4)
	assert.Equal(t, OpReadStatus, transactions[0].Op)
	assert.Equal(t, OpLoadTxBuf1, transactions[1].Op)
	assert.Equal(t, []byte{0x24, 0x60, 0x00, 0x00, 0x02, 0xDE, 0xAD}, transactions[1].Data)
	assert.Equal(t, OpRequestTx1, transactions[2].Op)
	assert.Equal(t, OpBitModify, transactions[3].Op)
	assert.Equal(t, RegCANINTF, transactions[3].Addr)
	assert.Equal(t, []byte{byte(IntTx1Empty), 0x00}, transactions[3].Data)

	assert.Equal(t, []canspi.Frame{frame}, chip.Sent())
}

func TestWriteMessageSlotOrder(t *testing.T) {
	dev, chip, _ := createNormalDevice(t)
	// Frames stay pending as if the bus was busy
	chip.HoldTransmit(true)
	for expected := TxSlot(0); expected < 3; expected++ {
		slot, err := dev.WriteMessage(mustFrame(t, 0x10, false, []byte{byte(expected)}))
		assert.Nil(t, err)
		assert.Equal(t, expected, slot)
	}
	assert.Empty(t, chip.Sent())
}

func TestWriteMessageNoBufferAvailable(t *testing.T) {
	dev, chip, _ := createNormalDevice(t)
	for n := 0; n < 3; n++ {
		chip.SetTxPending(n, true)
	}
	_, err := dev.WriteMessage(mustFrame(t, 0x10, false, []byte{1}))
	assert.ErrorIs(t, err, ErrNoBufferAvailable)
	// Only the status was read, nothing was loaded
	transactions := chip.Transactions()
	require.Len(t, transactions, 1)
	assert.Equal(t, OpReadStatus, transactions[0].Op)
}

func TestWriteMessageInvalidFrame(t *testing.T) {
	dev, chip, _ := createNormalDevice(t)
	_, err := dev.WriteMessage(canspi.Frame{ID: 0x800})
	assert.ErrorIs(t, err, canspi.ErrIdentifierRange)
	_, err = dev.WriteMessage(canspi.Frame{ID: 0x1, DLC: 9})
	assert.ErrorIs(t, err, canspi.ErrDataLength)
	assert.Empty(t, chip.Transactions())
}

func TestWriteMessageExtendedAndRemote(t *testing.T) {
	dev, chip, _ := createNormalDevice(t)
	remote, err := canspi.NewRemoteFrame(0x1ABCDE, true, 3)
	require.Nil(t, err)
	_, err = dev.WriteMessage(remote)
	assert.Nil(t, err)

	load := chip.Transactions()[1]
	assert.Equal(t, OpLoadTxBuf0, load.Op)
	// Header only, remote frames have no payload and RTR is in the DLC byte
	require.Len(t, load.Data, 5)
	assert.EqualValues(t, 0x43, load.Data[4])
	assert.Equal(t, []canspi.Frame{remote}, chip.Sent())
}

func TestWriteMessageClearsTransmitFlag(t *testing.T) {
	dev, chip, _ := createNormalDevice(t)
	_, err := dev.WriteMessage(mustFrame(t, 0x7FF, false, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	assert.Nil(t, err)
	assert.Zero(t, chip.Register(RegCANINTF)&byte(IntTx0Empty))
	st, err := dev.Status()
	assert.Nil(t, err)
	assert.False(t, st.Tx0Pending)
	assert.False(t, st.Tx0Done)
}
