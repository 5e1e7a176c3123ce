package scsi

import "encoding/binary"

// IsRead reports whether the opcode is one of the read variants this core
// translates into block I/O.
func IsRead(op byte) bool {
	return op == Read6 || op == Read10 || op == Read16
}

// IsWrite reports whether the opcode is one of the write variants.
func IsWrite(op byte) bool {
	return op == Write6 || op == Write10 || op == Write16
}

// DecodeRW extracts the logical block address and transfer length from a
// read/write CDB. ok is false when the opcode is not a supported read/write
// or the CDB is short.
func DecodeRW(cdb []byte) (lba uint64, blocks uint32, ok bool) {
	if len(cdb) == 0 {
		return 0, 0, false
	}
	switch cdb[0] {
	case Read6, Write6:
		if len(cdb) < 6 {
			return 0, 0, false
		}
		lba = uint64(cdb[1]&0x1f)<<16 | uint64(cdb[2])<<8 | uint64(cdb[3])
		blocks = uint32(cdb[4])
		// a transfer length of 0 means 256 blocks for the 6-byte variants
		if blocks == 0 {
			blocks = 256
		}
		return lba, blocks, true
	case Read10, Write10:
		if len(cdb) < 10 {
			return 0, 0, false
		}
		lba = uint64(binary.BigEndian.Uint32(cdb[2:6]))
		blocks = uint32(binary.BigEndian.Uint16(cdb[7:9]))
		return lba, blocks, true
	case Read16, Write16:
		if len(cdb) < 16 {
			return 0, 0, false
		}
		lba = binary.BigEndian.Uint64(cdb[2:10])
		blocks = binary.BigEndian.Uint32(cdb[10:14])
		return lba, blocks, true
	}
	return 0, 0, false
}

// TestUnitReadyCDB returns a TEST UNIT READY command block.
func TestUnitReadyCDB() []byte {
	return make([]byte, 6)
}

// StartUnitCDB returns a START STOP UNIT command block with the START bit set.
func StartUnitCDB() []byte {
	cdb := make([]byte, 6)
	cdb[0] = StartStop
	cdb[4] = 0x1
	return cdb
}

// ReadCapacity16CDB returns a SERVICE ACTION IN(16) / READ CAPACITY(16) block.
func ReadCapacity16CDB(allocLen uint32) []byte {
	cdb := make([]byte, 16)
	cdb[0] = ServiceActionIn16
	cdb[1] = SAIReadCapacity16
	binary.BigEndian.PutUint32(cdb[10:14], allocLen)
	return cdb
}
