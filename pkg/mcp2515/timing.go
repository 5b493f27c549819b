package mcp2515

// BitTimingConfig describes the segmentation of one bit.
// Segment lengths are written to the CNF registers as given.
type BitTimingConfig struct {
	BitRate        uint32 // bus bit rate in bit/s
	OscillatorFreq uint32 // controller oscillator in Hz
	SJW            uint8  // synchronization jump width, 1 to 4
	BTLMode        uint8  // phase segment 2 length taken from CNF3 when 1
	SAM            uint8  // sample three times when 1
	PropSeg        uint8  // 0 to 7
	PhaseSeg1      uint8  // 0 to 7
	PhaseSeg2      uint8  // 0 to 7
}

// Values of CNF1, CNF2 and CNF3 derived from a [BitTimingConfig]
type TimingRegisters struct {
	BRP  uint8
	CNF1 uint8
	CNF2 uint8
	CNF3 uint8
}

// 500 kbit/s with an 8 MHz oscillator
func DefaultBitTiming() BitTimingConfig {
	return BitTimingConfig{
		BitRate:        500000,
		OscillatorFreq: 8000000,
		SJW:            1,
		BTLMode:        1,
		SAM:            0,
		PropSeg:        0,
		PhaseSeg1:      2,
		PhaseSeg2:      2,
	}
}

// Prescaler computes BRP = trunc(Tq * Fosc / 2 - 1) with Tq = 1 / (16 * bitrate).
// The computation is done on integers : Tq * Fosc / 2 = Fosc / (32 * bitrate).
func (c BitTimingConfig) Prescaler() (int64, error) {
	if c.BitRate == 0 {
		return 0, &ConfigError{Field: FieldBitRate, Value: 0, Min: 1, Max: 1<<32 - 1}
	}
	if c.OscillatorFreq == 0 {
		return 0, &ConfigError{Field: FieldOscillator, Value: 0, Min: 1, Max: 1<<32 - 1}
	}
	den := 32 * int64(c.BitRate)
	return (int64(c.OscillatorFreq) - den) / den, nil
}

// Registers validates every field against its register width and
// returns the encoded CNF values. Nothing is clamped.
func (c BitTimingConfig) Registers() (TimingRegisters, error) {
	brp, err := c.Prescaler()
	if err != nil {
		return TimingRegisters{}, err
	}
	sjw := int64(c.SJW) - 1
	checks := []struct {
		field   Field
		encoded int64
		raw     int64
		offset  int64
		bits    uint
	}{
		{FieldSJW, sjw, int64(c.SJW), 1, 2},
		{FieldBRP, brp, brp, 0, 5},
		{FieldBTLMode, int64(c.BTLMode), int64(c.BTLMode), 0, 1},
		{FieldSAM, int64(c.SAM), int64(c.SAM), 0, 1},
		{FieldPhaseSeg1, int64(c.PhaseSeg1), int64(c.PhaseSeg1), 0, 3},
		{FieldPropSeg, int64(c.PropSeg), int64(c.PropSeg), 0, 3},
		{FieldPhaseSeg2, int64(c.PhaseSeg2), int64(c.PhaseSeg2), 0, 3},
	}
	for _, check := range checks {
		limit := int64(1)<<check.bits - 1
		if check.encoded < 0 || check.encoded > limit {
			return TimingRegisters{}, &ConfigError{
				Field: check.field,
				Value: check.raw,
				Min:   check.offset,
				Max:   limit + check.offset,
			}
		}
	}
	return TimingRegisters{
		BRP:  uint8(brp),
		CNF1: uint8(sjw)<<6 | uint8(brp),
		CNF2: c.BTLMode<<7 | c.SAM<<6 | c.PhaseSeg1<<3 | c.PropSeg,
		CNF3: c.PhaseSeg2,
	}, nil
}

// SetBitTiming programs CNF1, CNF2 and CNF3.
// The controller must already be in configuration mode, the registers
// are read only in every other mode and this is not checked here.
func (d *Device) SetBitTiming(cfg BitTimingConfig) error {
	regs, err := cfg.Registers()
	if err != nil {
		return err
	}
	return d.writeTiming(regs)
}

func (d *Device) writeTiming(regs TimingRegisters) error {
	if err := d.BitModify(RegCNF1, cnf1Mask, regs.CNF1); err != nil {
		return err
	}
	if err := d.BitModify(RegCNF2, cnf2Mask, regs.CNF2); err != nil {
		return err
	}
	return d.BitModify(RegCNF3, cnf3Mask, regs.CNF3)
}
