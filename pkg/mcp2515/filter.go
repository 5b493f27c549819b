package mcp2515

import (
	log "github.com/sirupsen/logrus"
)

// SetFilter programs acceptance filter index (RXF0 to RXF5) with id, and the
// mask of the receive buffer it belongs to (RXF0-1 -> RXB0, RXF2-5 -> RXB1).
// When clearAll is set both receive buffers go back to accepting any frame.
// Filtering has not been validated on hardware, treat this as best effort.
// The controller is switched to configuration mode and back to its previous mode.
func (d *Device) SetFilter(id uint32, index int, extended bool, clearAll bool) error {
	if index < 0 || index >= len(filterAddresses) {
		return ErrFilterIndex
	}
	previous, err := d.Mode()
	if err != nil {
		return err
	}
	d.logger.WithFields(log.Fields{"id": id, "filter": index, "extended": extended, "clear": clearAll}).Debug("setting acceptance filter")
	if err := d.SetMode(ModeConfiguration); err != nil {
		return err
	}

	mask, ctrl := RegRXM0, RegRXB0CTRL
	if index > 1 {
		mask, ctrl = RegRXM1, RegRXB1CTRL
	}
	encoded := EncodeID(id, extended)
	if err := d.WriteRegister(filterAddresses[index], encoded[:]...); err != nil {
		return err
	}
	if err := d.WriteRegister(mask, 0xFF, 0xFF, 0x00, 0x00); err != nil {
		return err
	}
	if err := d.BitModify(ctrl, rxModeMask, 0x00); err != nil {
		return err
	}
	if clearAll {
		if err := d.BitModify(RegRXB0CTRL, rxModeMask, 0xFF); err != nil {
			return err
		}
		if err := d.BitModify(RegRXB1CTRL, rxModeMask, 0xFF); err != nil {
			return err
		}
	}
	return d.SetMode(previous)
}
