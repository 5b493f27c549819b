package mcp2515

import (
	"github.com/samsamfire/canspi"
)

// ReadMessage fetches one frame from the receive buffers.
// RXB0 is serviced before RXB1, a frame left in RXB1 is returned by the next call.
// ok is false when both buffers are empty, this is not an error.
// Reading a buffer releases it, no acknowledgement is sent.
func (d *Device) ReadMessage() (frame canspi.Frame, ok bool, err error) {
	status, err := d.RxStatus()
	if err != nil || !status.Any() {
		return frame, false, err
	}
	op := OpReadRxBuf0
	if !status.Rx0Full {
		op = OpReadRxBuf1
	}
	if err := d.fetchRecord(op); err != nil {
		return frame, false, err
	}

	frame.ID = DecodeID([4]byte(d.record[:4]), status.Extended)
	frame.Extended = status.Extended
	frame.RTR = status.RTR
	// DLC is 4 bits wide, 9 to 15 still means 8 data bytes
	frame.DLC = d.record[4] & dlcMask
	if frame.DLC > canspi.MaxDataLength {
		d.logger.WithField("dlc", frame.DLC).Debug("clamping received DLC to 8")
		frame.DLC = canspi.MaxDataLength
	}
	if !frame.RTR {
		copy(frame.Data[:], d.record[headerSize:headerSize+int(frame.DLC)])
	}
	return frame, true, nil
}
