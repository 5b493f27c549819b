package mcp2515

// Identifier layout in the 4 header bytes SIDH, SIDL, EID8, EID0 :
//
//	standard : SIDH = ID[10:3], SIDL[7:5] = ID[2:0]
//	extended : SIDH = ID[28:21], SIDL[7:5] = ID[20:18], SIDL[3] = EXIDE,
//	           SIDL[1:0] = ID[17:16], EID8 = ID[15:8], EID0 = ID[7:0]

// EncodeID packs an identifier in the controller header layout.
// Bits above the declared width are discarded.
func EncodeID(id uint32, extended bool) [4]byte {
	var b [4]byte
	if !extended {
		id &= 0x7FF
		b[0] = byte(id >> 3)
		b[1] = byte(id&0x7) << 5
		return b
	}
	id &= 0x1FFFFFFF
	b[3] = byte(id)
	b[2] = byte(id >> 8)
	rem := id >> 16
	b[1] = byte(rem&0x3) | byte(rem&0x1C)<<3 | extendedBit
	b[0] = byte(rem >> 5)
	return b
}

// DecodeID is the inverse of [EncodeID]
func DecodeID(b [4]byte, extended bool) uint32 {
	id := uint32(b[0])<<3 | uint32(b[1])>>5
	if !extended {
		return id
	}
	id = id<<2 | uint32(b[1]&0x3)
	return id<<16 | uint32(b[2])<<8 | uint32(b[3])
}
