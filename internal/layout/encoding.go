package layout

import "encoding/binary"

// Binary encoding utilities for the structures that live inside managed
// pages. Everything is little-endian; encoding/binary is already
// inlined and optimized well by the compiler, so no unsafe tricks.

// PutU32 writes a uint32 to the buffer at the given offset.
func PutU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// PutU64 writes a uint64 to the buffer at the given offset.
func PutU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// ReadU32 reads a uint32 from the buffer at the given offset.
func ReadU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// ReadU64 reads a uint64 from the buffer at the given offset.
func ReadU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// LargeHeader is the decoded form of a large-allocation header.
type LargeHeader struct {
	Size  uint64
	Magic uint32
	Flags uint32
}

// PutLargeHeader encodes h into b, which must be LargeHeaderSize bytes.
func PutLargeHeader(b []byte, h LargeHeader) {
	PutU64(b, largeHeaderOffSize, h.Size)
	PutU32(b, largeHeaderOffMagic, h.Magic)
	PutU32(b, largeHeaderOffFlags, h.Flags)
}

// ReadLargeHeader decodes a large-allocation header from b.
func ReadLargeHeader(b []byte) LargeHeader {
	return LargeHeader{
		Size:  ReadU64(b, largeHeaderOffSize),
		Magic: ReadU32(b, largeHeaderOffMagic),
		Flags: ReadU32(b, largeHeaderOffFlags),
	}
}

// InvalidateLargeHeader stamps the freed magic over a live header.
func InvalidateLargeHeader(b []byte) {
	PutU32(b, largeHeaderOffMagic, LargeMagicFreed)
}

// LookupRecord is the decoded form of one lookup-table record.
type LookupRecord struct {
	Page     uint64
	Start    uint64
	End      uint64
	CacheID  uint64
	SlabBase uint64
	Next     uint64
}

// PutLookupRecord encodes r into b, which must be LookupRecordSize bytes.
func PutLookupRecord(b []byte, r LookupRecord) {
	PutU64(b, lookupOffPage, r.Page)
	PutU64(b, lookupOffStart, r.Start)
	PutU64(b, lookupOffEnd, r.End)
	PutU64(b, lookupOffCache, r.CacheID)
	PutU64(b, lookupOffSlab, r.SlabBase)
	PutU64(b, lookupOffNext, r.Next)
}

// ReadLookupRecord decodes a lookup-table record from b.
func ReadLookupRecord(b []byte) LookupRecord {
	return LookupRecord{
		Page:     ReadU64(b, lookupOffPage),
		Start:    ReadU64(b, lookupOffStart),
		End:      ReadU64(b, lookupOffEnd),
		CacheID:  ReadU64(b, lookupOffCache),
		SlabBase: ReadU64(b, lookupOffSlab),
		Next:     ReadU64(b, lookupOffNext),
	}
}

// PutLookupNext rewrites only the chain field of a record in place.
func PutLookupNext(b []byte, next uint64) {
	PutU64(b, lookupOffNext, next)
}
