package virtual

import (
	"github.com/samsamfire/canspi"
)

// Inject places a frame in the first free receive buffer as if it
// had been received from the bus. Returns false on overflow.
func (c *Chip) Inject(frame canspi.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receive(encodeRecord(frame))
}

// Sent returns the frames transmitted outside of loopback mode
func (c *Chip) Sent() []canspi.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]canspi.Frame(nil), c.sent...)
}

// OnTransmit registers a callback for every frame leaving the chip.
// It is called with the chip lock held and must not call back into the chip.
func (c *Chip) OnTransmit(fn func(frame canspi.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransmit = fn
}

// Transactions returns every transaction since creation or the last ClearLog
func (c *Chip) Transactions() []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transaction(nil), c.log...)
}

func (c *Chip) ClearLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = c.log[:0]
}

// Count returns the number of logged transactions matching op
func (c *Chip) Count(op byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, tr := range c.log {
		if tr.Op == op {
			count++
		}
	}
	return count
}

// SetModeLatency sets how many CANSTAT reads still report the previous
// mode after a mode request
func (c *Chip) SetModeLatency(reads int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modeLatency = reads
}

// SetModeStuck makes the chip ignore mode requests
func (c *Chip) SetModeStuck(stuck bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modeStuck = stuck
}

// HoldTransmit keeps TXREQ set after a request to send, as if the bus was busy.
// Releasing it sends every pending buffer, TXB0 first.
func (c *Chip) HoldTransmit(hold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdTransmit = hold
	if hold {
		return
	}
	for n := 0; n < 3; n++ {
		if c.regs[regTXB0CTRL+0x10*n]&txreq != 0 {
			c.requestToSend(n)
		}
	}
}

// SetTxPending forces the TXREQ bit of a transmit buffer
func (c *Chip) SetTxPending(n int, pending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctrl := regTXB0CTRL + 0x10*n
	if pending {
		c.regs[ctrl] |= txreq
	} else {
		c.regs[ctrl] &^= txreq
	}
}

// Register returns a raw register value, without side effects
func (c *Chip) Register(addr byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[addr&0x7F]
}

// SetRegister overwrites a raw register value, without side effects
func (c *Chip) SetRegister(addr byte, value byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[addr&0x7F] = value
}

// OperatingMode returns OPMOD without consuming mode latency
func (c *Chip) OperatingMode() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[regCANSTAT] >> 5
}

// SetFailure makes every subsequent Write and Read fail with err, nil restores
func (c *Chip) SetFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failure = err
}

// Receive buffer layout, as loaded by the controller on reception
func encodeRecord(frame canspi.Frame) [recordLength]byte {
	var r [recordLength]byte
	dlc := frame.DLC & 0x0F
	if frame.Extended {
		id := frame.ID & canspi.MaxExtendedID
		r[0] = byte(id >> 21)
		r[1] = byte(id>>13)&0xE0 | 0x08 | byte(id>>16)&0x03
		r[2] = byte(id >> 8)
		r[3] = byte(id)
		if frame.RTR {
			dlc |= 0x40
		}
	} else {
		id := frame.ID & canspi.MaxStandardID
		r[0] = byte(id >> 3)
		r[1] = byte(id << 5)
		if frame.RTR {
			r[1] |= 0x10
		}
	}
	r[4] = dlc
	copy(r[5:], frame.Data[:])
	return r
}

// Decode a transmit buffer record, rtr is the RTR bit of TXBnDLC
func decodeRecord(r [recordLength]byte, rtr bool) canspi.Frame {
	frame := canspi.Frame{RTR: rtr, DLC: min(r[4]&0x0F, canspi.MaxDataLength)}
	frame.ID = uint32(r[0])<<3 | uint32(r[1])>>5
	if r[1]&0x08 != 0 {
		frame.Extended = true
		frame.ID = (frame.ID<<2|uint32(r[1]&0x03))<<16 | uint32(r[2])<<8 | uint32(r[3])
	}
	if !rtr {
		copy(frame.Data[:], r[5:5+frame.DLC])
	}
	return frame
}
