package valuestore

import (
	"encoding/binary"
	"hash/crc32"
)

// Wire constants from §6's file format.
const (
	storeMagic    uint32 = 0xFDB20024
	storeVersion  uint32 = 2
	recordMagic   uint32 = 0xFDB20024
	headerSize           = 64 // one cache line
	slotSize             = 8  // offset:u32 + hash:u32
	recordHdrSize        = 16 // magic:u32 + keyLen:u32 + valueLen:u32 + pad:u32

	emptySlot     uint32 = 0
	tombstoneSlot uint32 = 0xFFFFFFFF
)

// header mirrors §6's persisted Header record. All integers
// little-endian; crc32 covers every header byte that precedes it.
type header struct {
	magic           uint32
	version         uint32
	fileSize        uint64
	arenaEnd        uint64
	nEntries        uint64
	nSlots          uint64
	slotArrayOffset uint64
	crc32           uint32
}

func (h header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.version)
	binary.LittleEndian.PutUint64(buf[8:16], h.fileSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.arenaEnd)
	binary.LittleEndian.PutUint64(buf[24:32], h.nEntries)
	binary.LittleEndian.PutUint64(buf[32:40], h.nSlots)
	binary.LittleEndian.PutUint64(buf[40:48], h.slotArrayOffset)
	crc := crc32.ChecksumIEEE(buf[:48])
	binary.LittleEndian.PutUint32(buf[48:52], crc)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < headerSize {
		return h, ErrCorruption
	}
	h.magic = binary.LittleEndian.Uint32(buf[0:4])
	h.version = binary.LittleEndian.Uint32(buf[4:8])
	h.fileSize = binary.LittleEndian.Uint64(buf[8:16])
	h.arenaEnd = binary.LittleEndian.Uint64(buf[16:24])
	h.nEntries = binary.LittleEndian.Uint64(buf[24:32])
	h.nSlots = binary.LittleEndian.Uint64(buf[32:40])
	h.slotArrayOffset = binary.LittleEndian.Uint64(buf[40:48])
	h.crc32 = binary.LittleEndian.Uint32(buf[48:52])

	if crc32.ChecksumIEEE(buf[:48]) != h.crc32 {
		return h, ErrCorruption
	}
	if h.magic != storeMagic || h.version != storeVersion {
		return h, ErrCorruption
	}
	return h, nil
}
