package mcp2515

// SPI instructions
const (
	OpReset      byte = 0xC0
	OpRead       byte = 0x03
	OpReadRxBuf0 byte = 0x90
	OpReadRxBuf1 byte = 0x94
	OpWrite      byte = 0x02
	OpLoadTxBuf0 byte = 0x40
	OpLoadTxBuf1 byte = 0x42
	OpLoadTxBuf2 byte = 0x44
	OpReadStatus byte = 0xA0
	OpRxStatus   byte = 0xB0
	OpBitModify  byte = 0x05
	OpRequestTx0 byte = 0x81
	OpRequestTx1 byte = 0x82
	OpRequestTx2 byte = 0x84
)

// Register addresses
const (
	RegCANSTAT  byte = 0x0E
	RegCANCTRL  byte = 0x0F
	RegCNF3     byte = 0x28
	RegCNF2     byte = 0x29
	RegCNF1     byte = 0x2A
	RegCANINTE  byte = 0x2B
	RegCANINTF  byte = 0x2C
	RegRXM0     byte = 0x20
	RegRXM1     byte = 0x24
	RegRXB0CTRL byte = 0x60
	RegRXB1CTRL byte = 0x70
)

// Acceptance filter base addresses RXF0..RXF5
var filterAddresses = [6]byte{0x00, 0x04, 0x08, 0x10, 0x14, 0x18}

// CANCTRL / CANSTAT fields
const (
	modeMask    byte = 0xE0
	modeShift        = 5
	abortAll    byte = 0x10
	icodMask    byte = 0x0E
	icodShift        = 1
	rxModeMask  byte = 0x60
	extendedBit byte = 0x08 // EXIDE, in the SIDL header byte
	rtrDLCBit   byte = 0x40
	dlcMask     byte = 0x0F
)

// CNF register masks
const (
	cnf1Mask byte = 0xFF
	cnf2Mask byte = 0xFF
	cnf3Mask byte = 0x07
)

// Header + payload of a transmit / receive buffer
const (
	headerSize = 5
	recordSize = headerSize + 8
)
