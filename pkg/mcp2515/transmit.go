package mcp2515

import (
	"github.com/samsamfire/canspi"
)

var txBuffers = [3]struct {
	load    byte
	request byte
	flag    Interrupt
}{
	{OpLoadTxBuf0, OpRequestTx0, IntTx0Empty},
	{OpLoadTxBuf1, OpRequestTx1, IntTx1Empty},
	{OpLoadTxBuf2, OpRequestTx2, IntTx2Empty},
}

// WriteMessage queues a frame in the first free transmit buffer, scanning
// TXB0, TXB1 then TXB2, and requests its transmission.
// When all three are pending [ErrNoBufferAvailable] is returned and nothing
// is written, retrying is left to the caller.
func (d *Device) WriteMessage(frame canspi.Frame) (TxSlot, error) {
	if err := frame.Validate(); err != nil {
		return 0, err
	}
	status, err := d.Status()
	if err != nil {
		return 0, err
	}
	slot, ok := freeTxSlot(status)
	if !ok {
		return 0, ErrNoBufferAvailable
	}
	buffer := txBuffers[slot]

	header := EncodeID(frame.ID, frame.Extended)
	copy(d.record[:4], header[:])
	d.record[4] = frame.DLC
	if frame.RTR {
		d.record[4] |= rtrDLCBit
	}
	n := copy(d.record[headerSize:], frame.Payload())

	if err := d.loadRecord(buffer.load, headerSize+n); err != nil {
		return slot, err
	}
	if err := d.command(buffer.request); err != nil {
		return slot, err
	}
	return slot, d.ClearInterrupts(buffer.flag)
}

func freeTxSlot(status Status) (TxSlot, bool) {
	for slot := TxSlot(0); slot < TxSlot(len(txBuffers)); slot++ {
		if !status.Pending(slot) {
			return slot, true
		}
	}
	return 0, false
}
