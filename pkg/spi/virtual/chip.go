// Package virtual is a register level model of an MCP2515 reachable through
// the [spi.Transport] interface. It is used for testing and for dry runs
// of the command line tool without hardware.
//
// Only what the driver relies on is modelled : the SPI instruction set,
// mode requests with a configurable latency, write protection of the
// configuration registers outside configuration mode, transmit buffers,
// two receive buffers with rollover, interrupt flags and ICOD.
package virtual

import (
	"errors"
	"sync"

	"github.com/samsamfire/canspi"
)

const (
	opReset      = 0xC0
	opRead       = 0x03
	opWrite      = 0x02
	opReadStatus = 0xA0
	opRxStatus   = 0xB0
	opBitModify  = 0x05
)

const (
	regBFPCTRL   = 0x0C
	regTXRTSCTRL = 0x0D
	regCANSTAT   = 0x0E
	regCANCTRL   = 0x0F
	regCNF3      = 0x28
	regCNF2      = 0x29
	regCNF1      = 0x2A
	regCANINTE   = 0x2B
	regCANINTF   = 0x2C
	regEFLG      = 0x2D
	regTXB0CTRL  = 0x30
	regRXB0CTRL  = 0x60
	regRXB1CTRL  = 0x70
	modeNormal   = 0
	modeLoopback = 2
	modeConfig   = 4
	txreq        = 0x08
	abtf         = 0x40
	abat         = 0x10
	rx1ovr       = 0x80
	recordLength = 13
)

var (
	ErrClosed      = errors.New("virtual chip is closed")
	ErrNotSelected = errors.New("chip select is not asserted")
	ErrSelected    = errors.New("chip select already asserted")
)

// Transaction is one select / deselect cycle as seen by the chip
type Transaction struct {
	Op   byte
	Addr byte   // only for READ, WRITE and BIT MODIFY
	Data []byte // bytes following the instruction (and address)
	Read int    // number of bytes clocked out by the chip
}

type Chip struct {
	mu           sync.Mutex
	regs         [128]byte
	selected     bool
	closed       bool
	cmd          []byte
	readPos      int
	release      int // receive buffer released at deselect, -1 for none
	log          []Transaction
	failure      error
	modeLatency  int
	modeStuck    bool
	modePending  bool
	modePolls    int
	holdTransmit bool
	sent         []canspi.Frame
	onTransmit   func(frame canspi.Frame)
}

// Create a chip in its power-on state (configuration mode)
func NewChip() *Chip {
	c := &Chip{release: -1}
	c.reset()
	return c
}

func (c *Chip) reset() {
	c.regs = [128]byte{}
	c.regs[regCANCTRL] = 0x87
	c.regs[regCANSTAT] = modeConfig << 5
	c.modePending = false
}

// "Select" implementation of spi.Transport
func (c *Chip) Select() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.selected {
		return ErrSelected
	}
	c.selected = true
	c.cmd = c.cmd[:0]
	c.readPos = 0
	c.release = -1
	return nil
}

// "Write" implementation of spi.Transport
func (c *Chip) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return ErrNotSelected
	}
	if c.failure != nil {
		return c.failure
	}
	c.cmd = append(c.cmd, data...)
	return nil
}

// "Read" implementation of spi.Transport
func (c *Chip) Read(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return ErrNotSelected
	}
	if c.failure != nil {
		return c.failure
	}
	if len(c.cmd) == 0 {
		clear(buf)
		return nil
	}
	for i := range buf {
		buf[i] = c.output(c.readPos)
		c.readPos++
	}
	return nil
}

// "Deselect" implementation of spi.Transport. Write type instructions
// are executed when chip select is released.
func (c *Chip) Deselect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return ErrNotSelected
	}
	c.selected = false
	if len(c.cmd) == 0 {
		return nil
	}
	c.execute()
	if c.release >= 0 {
		c.regs[regCANINTF] &^= 1 << c.release
	}
	return nil
}

// "Close" implementation of spi.Transport
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Byte clocked out at position pos of the read phase
func (c *Chip) output(pos int) byte {
	op := c.cmd[0]
	switch {
	case op == opRead && len(c.cmd) >= 2:
		return c.readRegister(c.cmd[1] + byte(pos))
	case op == opReadStatus:
		return c.status()
	case op == opRxStatus:
		return c.rxStatus()
	case op&0xF9 == 0x90:
		// READ RX BUFFER 1001 0nm0
		n := int(op>>2) & 1
		start := byte(0x61 + 0x10*n)
		if op&0x02 != 0 {
			start += 5
		}
		c.release = n
		return c.regs[(start+byte(pos))&0x7F]
	}
	return 0
}

func (c *Chip) execute() {
	op := c.cmd[0]
	tr := Transaction{Op: op, Read: c.readPos}
	switch {
	case op == opReset:
		c.reset()
	case op == opRead && len(c.cmd) >= 2:
		tr.Addr = c.cmd[1]
	case op == opWrite && len(c.cmd) >= 2:
		tr.Addr = c.cmd[1]
		tr.Data = append([]byte(nil), c.cmd[2:]...)
		for i, b := range tr.Data {
			c.writeRegister(tr.Addr+byte(i), b, 0xFF)
		}
	case op == opBitModify && len(c.cmd) >= 4:
		tr.Addr = c.cmd[1]
		tr.Data = append([]byte(nil), c.cmd[2:4]...)
		mask := c.cmd[2]
		if !bitModifiable(tr.Addr) {
			mask = 0xFF
		}
		c.writeRegister(tr.Addr, c.cmd[3], mask)
	case op&0xF8 == 0x40 && op&0x07 < 6:
		// LOAD TX BUFFER 0100 0abc
		tr.Data = append([]byte(nil), c.cmd[1:]...)
		n := byte(op&0x07) >> 1
		start := regTXB0CTRL + 0x10*n + 1
		if op&0x01 != 0 {
			start += 5
		}
		for i, b := range tr.Data {
			addr := start + byte(i)
			if addr >= regTXB0CTRL+0x10*n+0x0E {
				break
			}
			c.regs[addr] = b
		}
	case op&0xF8 == 0x80:
		// REQUEST TO SEND 1000 0nnn
		for n := 0; n < 3; n++ {
			if op&(1<<n) != 0 {
				c.requestToSend(n)
			}
		}
	}
	c.log = append(c.log, tr)
}

func (c *Chip) readRegister(addr byte) byte {
	addr &= 0x7F
	if addr&0x0F == regCANSTAT {
		c.observeMode()
		return c.canstat()
	}
	if addr&0x0F == regCANCTRL {
		return c.regs[regCANCTRL]
	}
	return c.regs[addr]
}

func (c *Chip) writeRegister(addr byte, value byte, mask byte) {
	addr &= 0x7F
	switch {
	case addr&0x0F == regCANSTAT:
		return
	case addr&0x0F == regCANCTRL:
		previous := c.regs[regCANCTRL]
		c.regs[regCANCTRL] = previous&^mask | value&mask
		requested := c.regs[regCANCTRL] & 0xE0
		// A repeated request does not restart the latency countdown
		if requested != previous&0xE0 || (!c.modePending && requested != c.regs[regCANSTAT]&0xE0) {
			c.modePending = true
			c.modePolls = c.modeLatency
		}
		if c.regs[regCANCTRL]&abat != 0 {
			c.abort()
		}
		return
	case configOnly(addr) && c.regs[regCANSTAT]>>5 != modeConfig:
		return
	}
	c.regs[addr] = c.regs[addr]&^mask | value&mask
}

// Mode requests are applied after modeLatency reads of CANSTAT
func (c *Chip) observeMode() {
	if !c.modePending || c.modeStuck {
		return
	}
	if c.modePolls > 0 {
		c.modePolls--
		return
	}
	c.regs[regCANSTAT] = c.regs[regCANSTAT]&0x1F | c.regs[regCANCTRL]&0xE0
	c.modePending = false
}

func (c *Chip) canstat() byte {
	return c.regs[regCANSTAT]&0xF1 | c.icod()<<1
}

// Highest priority enabled and flagged interrupt
func (c *Chip) icod() byte {
	active := c.regs[regCANINTE] & c.regs[regCANINTF]
	for _, p := range []struct{ flag, code byte }{
		{0x20, 1}, {0x40, 2}, {0x04, 3}, {0x08, 4}, {0x10, 5}, {0x01, 6}, {0x02, 7},
	} {
		if active&p.flag != 0 {
			return p.code
		}
	}
	return 0
}

func (c *Chip) status() byte {
	intf := c.regs[regCANINTF]
	var s byte
	s |= intf & 0x03
	for n := 0; n < 3; n++ {
		if c.regs[regTXB0CTRL+0x10*n]&txreq != 0 {
			s |= 0x04 << (2 * n)
		}
		if intf&(0x04<<n) != 0 {
			s |= 0x08 << (2 * n)
		}
	}
	return s
}

func (c *Chip) rxStatus() byte {
	intf := c.regs[regCANINTF]
	var s byte
	if intf&0x01 != 0 {
		s |= 0x40
	}
	if intf&0x02 != 0 {
		s |= 0x80
	}
	base := -1
	if intf&0x01 != 0 {
		base = 0x61
	} else if intf&0x02 != 0 {
		base = 0x71
	}
	if base >= 0 {
		sidl, dlc := c.regs[base+1], c.regs[base+4]
		extended := sidl&0x08 != 0
		if extended {
			s |= 0x10
		}
		if (extended && dlc&0x40 != 0) || (!extended && sidl&0x10 != 0) {
			s |= 0x08
		}
	}
	return s
}

func (c *Chip) requestToSend(n int) {
	ctrl := regTXB0CTRL + 0x10*n
	c.regs[ctrl] |= txreq
	mode := c.regs[regCANSTAT] >> 5
	// Only normal and loopback modes transmit
	if c.holdTransmit || (mode != modeNormal && mode != modeLoopback) {
		return
	}
	var record [recordLength]byte
	copy(record[:], c.regs[ctrl+1:ctrl+1+recordLength])
	frame := decodeRecord(record, record[4]&0x40 != 0)
	c.regs[ctrl] &^= txreq
	c.regs[regCANINTF] |= 0x04 << n

	if mode == modeLoopback {
		// Loopback, standard RTR moves to the SRR bit of SIDL on reception
		if record[1]&0x08 == 0 {
			if record[4]&0x40 != 0 {
				record[1] |= 0x10
			}
			record[4] &^= 0x40
		}
		c.receive(record)
		return
	}
	c.sent = append(c.sent, frame)
	if c.onTransmit != nil {
		c.onTransmit(frame)
	}
}

// Store a record in the first free receive buffer, RXB0 rolls over to RXB1
func (c *Chip) receive(record [recordLength]byte) bool {
	intf := c.regs[regCANINTF]
	switch {
	case intf&0x01 == 0:
		copy(c.regs[0x61:0x6E], record[:])
		c.regs[regCANINTF] |= 0x01
	case intf&0x02 == 0:
		copy(c.regs[0x71:0x7E], record[:])
		c.regs[regCANINTF] |= 0x02
	default:
		c.regs[regEFLG] |= rx1ovr
		c.regs[regCANINTF] |= 0x80
		return false
	}
	return true
}

func (c *Chip) abort() {
	for n := 0; n < 3; n++ {
		ctrl := regTXB0CTRL + 0x10*n
		if c.regs[ctrl]&txreq != 0 {
			c.regs[ctrl] = c.regs[ctrl]&^txreq | abtf
		}
	}
	c.regs[regCANCTRL] &^= abat
}

func configOnly(addr byte) bool {
	return addr <= 0x0B || (addr >= 0x10 && addr <= 0x1B) || (addr >= 0x20 && addr <= regCNF1)
}

func bitModifiable(addr byte) bool {
	switch addr {
	case regBFPCTRL, regTXRTSCTRL, regCNF3, regCNF2, regCNF1, regCANINTE, regCANINTF, regEFLG,
		regTXB0CTRL, regTXB0CTRL + 0x10, regTXB0CTRL + 0x20, regRXB0CTRL, regRXB1CTRL:
		return true
	}
	return addr&0x0F == regCANCTRL
}
