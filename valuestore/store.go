// Package valuestore implements §4.6's append-only, mmap-backed
// key→bytes store: a single local file laid out as
// Header | HashTable | RecordArena, used to spill Change Event payloads
// too large to carry inline and, longer term, to persist the event
// stream itself. Grounded on the teacher's fs/hashmap.go (an
// open-addressed, hash-mod registry file) for the probing strategy and
// on fs/direct_io.go for the O_DIRECT header durability path, adapted
// from a page-cache file registry into a pure mmap value store per
// spec.md §4.6's explicit "memory-mapped file" requirement.
package valuestore

import (
	"bytes"
	"os"
	"sync"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// Hasher is the minimal hashing surface the store needs. Declared
// locally rather than imported from the root package so this package
// has zero dependency on memwatch — the root package's xxHasher
// satisfies this interface structurally.
type Hasher interface {
	Hash(b []byte) uint64
}

const (
	// DefaultInitialSlots is the starting hash-table size, a power of
	// two so probing can use a mask instead of a modulo.
	DefaultInitialSlots = 1024
	// DefaultArenaSize is the initial record-arena capacity.
	DefaultArenaSize = 64 * 1024
	// MaxKeyLen is §3's "keys ≤ 256 bytes" cap.
	MaxKeyLen = 256
	// DefaultMaxValueLen is §4.6's "values ≤ a configured per-record cap
	// (default 100 KiB)".
	DefaultMaxValueLen = 100 * 1024
	// maxLoadFactorNum/Den bounds the table at a 0.75 load factor.
	maxLoadFactorNum = 3
	maxLoadFactorDen = 4
)

// Options configures a new or reopened Store.
type Options struct {
	Hasher       Hasher
	InitialSlots uint64
	ArenaSize    uint64
	MaxValueLen  int
	// DurableHeader enables the header's secondary O_DIRECT flush path
	// on Flush, independent of msync on the mmap. Requires a filesystem
	// that supports O_DIRECT; disable for tmpfs-backed stores in tests.
	DurableHeader bool
}

func (o Options) withDefaults() Options {
	if o.InitialSlots == 0 {
		o.InitialSlots = DefaultInitialSlots
	}
	if o.ArenaSize == 0 {
		o.ArenaSize = DefaultArenaSize
	}
	if o.MaxValueLen == 0 {
		o.MaxValueLen = DefaultMaxValueLen
	}
	return o
}

// Store is one open Value Store file.
type Store struct {
	mu sync.RWMutex

	f    *os.File
	data []byte

	header header
	hasher Hasher

	maxValueLen int

	durable  bool
	headerIO *os.File
}

// Open opens path, creating it with opts if it does not yet exist. An
// existing file that fails header validation (magic/version/CRC) is
// rejected with ErrCorruption — per §4.10, the caller may then proceed
// without persistence-backed spill.
func Open(path string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if opts.Hasher == nil {
		panic("valuestore: Options.Hasher is required")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &Store{f: f, hasher: opts.Hasher, maxValueLen: opts.MaxValueLen, durable: opts.DurableHeader}

	if info.Size() == 0 {
		if err := s.create(opts); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := s.reopen(info.Size()); err != nil {
			f.Close()
			return nil, err
		}
	}

	if opts.DurableHeader {
		hio, err := directio.OpenFile(path, os.O_WRONLY, 0o644)
		if err == nil {
			s.headerIO = hio
		}
		// A platform or filesystem that rejects O_DIRECT degrades to
		// msync-only durability; Flush still succeeds.
	}

	return s, nil
}

func (s *Store) create(opts Options) error {
	slotArrayOffset := uint64(headerSize)
	fileSize := slotArrayOffset + opts.InitialSlots*slotSize + opts.ArenaSize

	if err := s.f.Truncate(int64(fileSize)); err != nil {
		return err
	}
	data, err := unix.Mmap(int(s.f.Fd()), 0, int(fileSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	s.data = data
	s.header = header{
		magic:           storeMagic,
		version:         storeVersion,
		fileSize:        fileSize,
		arenaEnd:        slotArrayOffset + opts.InitialSlots*slotSize,
		nEntries:        0,
		nSlots:          opts.InitialSlots,
		slotArrayOffset: slotArrayOffset,
	}
	for i := uint64(0); i < s.header.nSlots; i++ {
		s.setSlotAt(i, emptySlot, 0)
	}
	return s.writeHeaderMapped()
}

func (s *Store) reopen(size int64) error {
	data, err := unix.Mmap(int(s.f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	h, err := decodeHeader(data[:headerSize])
	if err != nil {
		unix.Munmap(data)
		return err
	}
	s.data = data
	s.header = h
	return nil
}

// Close unmaps and closes the underlying file without flushing; callers
// that need durability must call Flush first.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerIO != nil {
		s.headerIO.Close()
	}
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	return s.f.Close()
}

// Put inserts or updates key→value. Updates append a new record and
// repoint the slot at it; the previous record's bytes become dead
// arena space, per §3's "delete is a tombstone ... arena keeps the
// bytes" model extended to updates.
func (s *Store) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if len(key) > MaxKeyLen {
		return ErrKeyTooLong
	}
	if len(value) > s.maxValueLen {
		return ErrValueTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if (s.header.nEntries+1)*maxLoadFactorDen > s.header.nSlots*maxLoadFactorNum {
		if err := s.growTable(); err != nil {
			return err
		}
	}

	h := uint32(s.hasher.Hash(key))
	slotIdx, reused, err := s.findSlotForInsert(h, key)
	if err != nil {
		return err
	}

	if err := s.ensureArenaRoom(uint64(recordHdrSize + len(key) + len(value))); err != nil {
		return err
	}
	offset := s.appendRecord(key, value)

	s.setSlotAt(slotIdx, offset, h)
	if !reused {
		s.header.nEntries++
	}
	return s.writeHeaderMapped()
}

// findSlotForInsert linear-probes starting at key's home slot until it
// finds an existing slot whose stored key matches (update in place) or
// an empty slot; a new key then goes into the first tombstone passed on
// the way, or else into that empty slot. reused reports whether an
// existing live entry was found (so Put must not double-count it).
func (s *Store) findSlotForInsert(h uint32, key []byte) (idx uint64, reused bool, err error) {
	home := uint64(h) & (s.header.nSlots - 1)
	firstTombstone := int64(-1)

	for i := uint64(0); i < s.header.nSlots; i++ {
		probe := (home + i) & (s.header.nSlots - 1)
		offset, slotHash := s.slotAt(probe)

		switch offset {
		case emptySlot:
			if firstTombstone >= 0 {
				return uint64(firstTombstone), false, nil
			}
			return probe, false, nil
		case tombstoneSlot:
			if firstTombstone < 0 {
				firstTombstone = int64(probe)
			}
		default:
			if slotHash == h {
				if k, _, ok := s.readRecord(uint64(offset)); ok && bytes.Equal(k, key) {
					return probe, true, nil
				}
			}
		}
	}
	if firstTombstone >= 0 {
		return uint64(firstTombstone), false, nil
	}
	return 0, false, ErrTableFull
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offset, found := s.lookup(key)
	if !found {
		return nil, ErrNotFound
	}
	_, v, ok := s.readRecord(offset)
	if !ok {
		return nil, ErrCorruption
	}
	return v, nil
}

// Exists reports whether key has a live entry.
func (s *Store) Exists(key []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, found := s.lookup(key)
	return found
}

// Delete tombstones key's slot. The arena bytes are not reclaimed
// (compaction is a non-goal, §4.6).
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := uint32(s.hasher.Hash(key))
	home := uint64(h) & (s.header.nSlots - 1)
	for i := uint64(0); i < s.header.nSlots; i++ {
		probe := (home + i) & (s.header.nSlots - 1)
		offset, slotHash := s.slotAt(probe)
		if offset == emptySlot {
			return ErrNotFound
		}
		if offset == tombstoneSlot {
			continue
		}
		if slotHash == h {
			if k, _, ok := s.readRecord(uint64(offset)); ok && bytes.Equal(k, key) {
				s.setSlotAt(probe, tombstoneSlot, 0)
				s.header.nEntries--
				return s.writeHeaderMapped()
			}
		}
	}
	return ErrNotFound
}

func (s *Store) lookup(key []byte) (offset uint64, found bool) {
	h := uint32(s.hasher.Hash(key))
	home := uint64(h) & (s.header.nSlots - 1)
	for i := uint64(0); i < s.header.nSlots; i++ {
		probe := (home + i) & (s.header.nSlots - 1)
		off, slotHash := s.slotAt(probe)
		if off == emptySlot {
			return 0, false
		}
		if off == tombstoneSlot {
			continue
		}
		if slotHash == h {
			if k, _, ok := s.readRecord(uint64(off)); ok && bytes.Equal(k, key) {
				return uint64(off), true
			}
		}
	}
	return 0, false
}

// Flush issues msync(MS_ASYNC) over the mapping and, when configured,
// rewrites the header through a separate O_DIRECT file handle so a
// crash between the two writes cannot tear the header: the mmap write
// lands in the page cache immediately, the direct write forces the
// header's disk image to match it without waiting on writeback.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeHeaderMapped(); err != nil {
		return err
	}
	if err := unix.Msync(s.data, unix.MS_ASYNC); err != nil {
		return err
	}
	if s.headerIO == nil {
		return nil
	}
	// The direct write covers a whole block, so it carries the mapped
	// bytes that follow the header (the start of the slot table) as well.
	block := directio.AlignedBlock(directio.BlockSize)
	copy(block, s.data)
	_, err := s.headerIO.WriteAt(block, 0)
	return err
}

func (s *Store) Count() uint64     { s.mu.RLock(); defer s.mu.RUnlock(); return s.header.nEntries }
func (s *Store) BytesUsed() uint64 { s.mu.RLock(); defer s.mu.RUnlock(); return s.header.arenaEnd }
func (s *Store) Capacity() uint64  { s.mu.RLock(); defer s.mu.RUnlock(); return s.header.fileSize }
func (s *Store) SlotCount() uint64 { s.mu.RLock(); defer s.mu.RUnlock(); return s.header.nSlots }

func (s *Store) writeHeaderMapped() error {
	copy(s.data[:headerSize], s.header.encode())
	return nil
}

func (s *Store) slotAt(i uint64) (offset, hash uint32) {
	base := s.header.slotArrayOffset + i*slotSize
	offset = leUint32(s.data[base : base+4])
	hash = leUint32(s.data[base+4 : base+8])
	return
}

func (s *Store) setSlotAt(i uint64, offset, hash uint32) {
	base := s.header.slotArrayOffset + i*slotSize
	putLeUint32(s.data[base:base+4], offset)
	putLeUint32(s.data[base+4:base+8], hash)
}

func (s *Store) readRecord(offset uint64) (key, value []byte, ok bool) {
	if offset+recordHdrSize > uint64(len(s.data)) {
		return nil, nil, false
	}
	if leUint32(s.data[offset:offset+4]) != recordMagic {
		return nil, nil, false
	}
	keyLen := uint64(leUint32(s.data[offset+4 : offset+8]))
	valueLen := uint64(leUint32(s.data[offset+8 : offset+12]))
	start := offset + recordHdrSize
	if start+keyLen+valueLen > uint64(len(s.data)) {
		return nil, nil, false
	}
	key = append([]byte(nil), s.data[start:start+keyLen]...)
	value = append([]byte(nil), s.data[start+keyLen:start+keyLen+valueLen]...)
	return key, value, true
}

func (s *Store) appendRecord(key, value []byte) uint32 {
	offset := s.header.arenaEnd
	putLeUint32(s.data[offset:offset+4], recordMagic)
	putLeUint32(s.data[offset+4:offset+8], uint32(len(key)))
	putLeUint32(s.data[offset+8:offset+12], uint32(len(value)))
	putLeUint32(s.data[offset+12:offset+16], 0)
	start := offset + recordHdrSize
	copy(s.data[start:], key)
	copy(s.data[start+uint64(len(key)):], value)
	s.header.arenaEnd += uint64(recordHdrSize + len(key) + len(value))
	return uint32(offset)
}

// ensureArenaRoom grows the file geometrically (doubling) until the
// arena has room for size more bytes, without touching the hash table.
func (s *Store) ensureArenaRoom(size uint64) error {
	if s.header.arenaEnd+size <= s.header.fileSize {
		return nil
	}
	newSize := s.header.fileSize
	for newSize < s.header.arenaEnd+size {
		newSize *= 2
	}
	return s.ensureFileSize(newSize)
}

func (s *Store) ensureFileSize(newSize uint64) error {
	if err := s.f.Truncate(int64(newSize)); err != nil {
		return err
	}
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	data, err := unix.Mmap(int(s.f.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	s.data = data
	s.header.fileSize = newSize
	return nil
}

// growTable doubles the slot count and rehashes every live entry, per
// §4.6's "the file is grown geometrically and the table re-hashed in
// place". The arena is shifted right to make room for the larger slot
// array; every surviving record's offset shifts by the same amount, so
// only the rehash needs to touch the table, never the arena bytes
// themselves.
func (s *Store) growTable() error {
	type live struct{ offset, hash uint32 }
	entries := make([]live, 0, s.header.nEntries)
	for i := uint64(0); i < s.header.nSlots; i++ {
		off, h := s.slotAt(i)
		if off != emptySlot && off != tombstoneSlot {
			entries = append(entries, live{off, h})
		}
	}

	newNSlots := s.header.nSlots * 2
	addBytes := (newNSlots - s.header.nSlots) * slotSize

	if err := s.ensureFileSize(s.header.fileSize + addBytes); err != nil {
		return err
	}

	arenaStart := s.header.slotArrayOffset + s.header.nSlots*slotSize
	arenaLen := s.header.arenaEnd - arenaStart
	copy(s.data[arenaStart+addBytes:arenaStart+addBytes+arenaLen], s.data[arenaStart:arenaStart+arenaLen])

	s.header.nSlots = newNSlots
	s.header.arenaEnd += addBytes

	for i := uint64(0); i < newNSlots; i++ {
		s.setSlotAt(i, emptySlot, 0)
	}
	for _, e := range entries {
		newOffset := e.offset + uint32(addBytes)
		home := uint64(e.hash) & (newNSlots - 1)
		for i := uint64(0); i < newNSlots; i++ {
			probe := (home + i) & (newNSlots - 1)
			if off, _ := s.slotAt(probe); off == emptySlot {
				s.setSlotAt(probe, newOffset, e.hash)
				break
			}
		}
	}
	return s.writeHeaderMapped()
}
