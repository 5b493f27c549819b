package mcp2515

import "github.com/samsamfire/canspi/pkg/spi"

// Every function in this file issues exactly one framed transaction.

// ReadRegister returns the value of a single register
func (d *Device) ReadRegister(addr byte) (byte, error) {
	d.cmd[0], d.cmd[1] = OpRead, addr
	err := d.transact(OpRead, func() error {
		if err := d.bus.Write(d.cmd[:2]); err != nil {
			return err
		}
		return d.bus.Read(d.reg[:])
	})
	return d.reg[0], err
}

// WriteRegister writes data starting at addr, the address auto increments
func (d *Device) WriteRegister(addr byte, data ...byte) error {
	d.cmd[0], d.cmd[1] = OpWrite, addr
	return d.transact(OpWrite, func() error {
		if err := d.bus.Write(d.cmd[:2]); err != nil {
			return err
		}
		return d.bus.Write(data)
	})
}

// BitModify updates the bits selected by mask to the corresponding bits of value.
// Only control, configuration and interrupt registers support it, buffer
// memory does not.
func (d *Device) BitModify(addr, mask, value byte) error {
	d.cmd = [4]byte{OpBitModify, addr, mask, value}
	return d.transact(OpBitModify, func() error {
		return d.bus.Write(d.cmd[:4])
	})
}

// Single byte instruction without answer (RESET, RTS)
func (d *Device) command(op byte) error {
	d.cmd[0] = op
	return d.transact(op, func() error {
		return d.bus.Write(d.cmd[:1])
	})
}

// Single byte instruction answered by one byte (READ STATUS, RX STATUS)
func (d *Device) readInstruction(op byte) (byte, error) {
	d.cmd[0] = op
	err := d.transact(op, func() error {
		if err := d.bus.Write(d.cmd[:1]); err != nil {
			return err
		}
		return d.bus.Read(d.reg[:])
	})
	return d.reg[0], err
}

// Write the first n bytes of the record scratch with a LOAD TX BUFFER instruction
func (d *Device) loadRecord(op byte, n int) error {
	d.cmd[0] = op
	return d.transact(op, func() error {
		if err := d.bus.Write(d.cmd[:1]); err != nil {
			return err
		}
		return d.bus.Write(d.record[:n])
	})
}

// Fill the record scratch with a READ RX BUFFER instruction
func (d *Device) fetchRecord(op byte) error {
	d.cmd[0] = op
	return d.transact(op, func() error {
		if err := d.bus.Write(d.cmd[:1]); err != nil {
			return err
		}
		return d.bus.Read(d.record[:])
	})
}

func (d *Device) transact(op byte, fn func() error) error {
	err := spi.Transact(d.bus, fn)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}
