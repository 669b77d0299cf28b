// Package format defines the on-disk layout of a .ouli recording: a
// 128-byte cache-line-aligned header, a fixed-size index region, and a
// variable-length data region holding serialized requests and responses.
//
// Layout mirrors a memory-mapped, crash-detectable cache file: a staged
// header with magic/version/CRCs, a generation-free single-writer model
// (the Writer is exclusive for the file's whole lifetime, unlike a
// concurrent-writer seqlock), and fixed-offset index entries so a reader
// can slice the mapping without heap allocation.
package format

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// Magic is the 8-byte file signature at offset 0.
	Magic = "OULIRECR"

	// Version is the only recording format version this package writes
	// and the only one its Reader accepts.
	Version = uint32(1)

	// HeaderSize is the size in bytes of the fixed file header.
	HeaderSize = 128

	// IndexEntrySize is the size in bytes of one index entry.
	IndexEntrySize = 128

	// InitialFileSize is the size of the first mmap mapping a Writer
	// creates for a new recording.
	InitialFileSize = 1 << 20 // 1 MiB

	// MaxFileSize is the hard ceiling a recording file may grow to.
	MaxFileSize = 16 << 30 // 16 GiB

	// MaxInteractionsPerFile bounds the index's entry count.
	MaxInteractionsPerFile = 65536
)

// Hash32 is a 32-byte digest as stored in the index (a request_hash or
// prev_request_hash). Defined here, rather than imported from the
// fingerprint package, so format has no dependency on how the hash is
// produced.
type Hash32 [32]byte

// Flag bits for Interaction.Flags. Bits 5-15 are reserved and must be zero.
const (
	FlagWebSocket uint16 = 1 << 0
	FlagStreaming uint16 = 1 << 1
	FlagCompressed uint16 = 1 << 2
	FlagRedacted  uint16 = 1 << 3
	FlagEncrypted uint16 = 1 << 4

	reservedFlagMask uint16 = 0xFFE0
)

// ValidFlags reports whether f uses only the defined bits.
func ValidFlags(f uint16) bool {
	return f&reservedFlagMask == 0
}

// FileHeader is the decoded form of the 128-byte file header.
type FileHeader struct {
	Magic            [8]byte
	Version          uint32
	InteractionCount uint32
	FileSize         uint64
	HeaderCRC        uint32
	IndexCRC         uint32
	CreatedAtNs      uint64
	ModifiedAtNs     uint64
	RecordingID      [32]byte
	// Reserved 40 bytes are implicit zero padding on encode.
}

// Offsets within the 128-byte header, per the fixed layout.
const (
	offMagic            = 0  // 8 bytes
	offVersion          = 8  // 4 bytes
	offInteractionCount = 12 // 4 bytes
	offFileSize         = 16 // 8 bytes
	offHeaderCRC        = 24 // 4 bytes
	offIndexCRC         = 28 // 4 bytes
	offCreatedAtNs      = 32 // 8 bytes
	offModifiedAtNs     = 40 // 8 bytes
	offRecordingID      = 48 // 32 bytes
	// offReserved = 80, 40 bytes, zero
)

// headerCRCStart/End bound the region CRC-32'd for HeaderCRC: bytes [32,128).
const (
	headerCRCStart = 32
	headerCRCEnd   = HeaderSize
)

// EncodeHeader writes h into a fresh 128-byte buffer. HeaderCRC must
// already be computed by the caller via ComputeHeaderCRC and set on h.
func EncodeHeader(h *FileHeader) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[offMagic:offMagic+8], []byte(Magic))
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offInteractionCount:], h.InteractionCount)
	binary.LittleEndian.PutUint64(buf[offFileSize:], h.FileSize)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC:], h.HeaderCRC)
	binary.LittleEndian.PutUint32(buf[offIndexCRC:], h.IndexCRC)
	binary.LittleEndian.PutUint64(buf[offCreatedAtNs:], h.CreatedAtNs)
	binary.LittleEndian.PutUint64(buf[offModifiedAtNs:], h.ModifiedAtNs)
	copy(buf[offRecordingID:offRecordingID+32], h.RecordingID[:])
	return buf
}

// DecodeHeader parses the first HeaderSize bytes of buf. Caller validates
// magic/version/CRC separately.
func DecodeHeader(buf []byte) FileHeader {
	var h FileHeader
	copy(h.Magic[:], buf[offMagic:offMagic+8])
	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	h.InteractionCount = binary.LittleEndian.Uint32(buf[offInteractionCount:])
	h.FileSize = binary.LittleEndian.Uint64(buf[offFileSize:])
	h.HeaderCRC = binary.LittleEndian.Uint32(buf[offHeaderCRC:])
	h.IndexCRC = binary.LittleEndian.Uint32(buf[offIndexCRC:])
	h.CreatedAtNs = binary.LittleEndian.Uint64(buf[offCreatedAtNs:])
	h.ModifiedAtNs = binary.LittleEndian.Uint64(buf[offModifiedAtNs:])
	copy(h.RecordingID[:], buf[offRecordingID:offRecordingID+32])
	return h
}

// ComputeHeaderCRC computes the CRC-32 of the header bytes [32, 128). Both
// header_crc and index_crc live at offsets 24 and 28 — before this range —
// so the checksum is stable regardless of their values.
func ComputeHeaderCRC(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf[headerCRCStart:headerCRCEnd])
}

// IndexEntry is the decoded form of one 128-byte index entry.
type IndexEntry struct {
	RequestHash     Hash32
	PrevRequestHash Hash32
	RequestOffset   uint64
	RequestSize     uint32
	ResponseOffset  uint64
	ResponseSize    uint32
	ResponseStatus  uint16
	Flags           uint16
	TimestampNs     uint64
	// Reserved 20 bytes, zero.
}

const (
	ieOffRequestHash     = 0  // 32
	ieOffPrevRequestHash = 32 // 32
	ieOffRequestOffset   = 64 // 8
	ieOffRequestSize     = 72 // 4
	ieOffResponseOffset  = 76 // 8
	ieOffResponseSize    = 84 // 4
	ieOffResponseStatus  = 88 // 2
	ieOffFlags           = 90 // 2
	ieOffTimestampNs     = 92 // 8
	// ieOffReserved = 100, 20 bytes, zero
)

// EncodeIndexEntry writes e into a fresh 128-byte buffer.
func EncodeIndexEntry(e *IndexEntry) []byte {
	buf := make([]byte, IndexEntrySize)
	copy(buf[ieOffRequestHash:ieOffRequestHash+32], e.RequestHash[:])
	copy(buf[ieOffPrevRequestHash:ieOffPrevRequestHash+32], e.PrevRequestHash[:])
	binary.LittleEndian.PutUint64(buf[ieOffRequestOffset:], e.RequestOffset)
	binary.LittleEndian.PutUint32(buf[ieOffRequestSize:], e.RequestSize)
	binary.LittleEndian.PutUint64(buf[ieOffResponseOffset:], e.ResponseOffset)
	binary.LittleEndian.PutUint32(buf[ieOffResponseSize:], e.ResponseSize)
	binary.LittleEndian.PutUint16(buf[ieOffResponseStatus:], e.ResponseStatus)
	binary.LittleEndian.PutUint16(buf[ieOffFlags:], e.Flags)
	binary.LittleEndian.PutUint64(buf[ieOffTimestampNs:], e.TimestampNs)
	return buf
}

// DecodeIndexEntry parses one IndexEntrySize-byte buffer.
func DecodeIndexEntry(buf []byte) IndexEntry {
	var e IndexEntry
	copy(e.RequestHash[:], buf[ieOffRequestHash:ieOffRequestHash+32])
	copy(e.PrevRequestHash[:], buf[ieOffPrevRequestHash:ieOffPrevRequestHash+32])
	e.RequestOffset = binary.LittleEndian.Uint64(buf[ieOffRequestOffset:])
	e.RequestSize = binary.LittleEndian.Uint32(buf[ieOffRequestSize:])
	e.ResponseOffset = binary.LittleEndian.Uint64(buf[ieOffResponseOffset:])
	e.ResponseSize = binary.LittleEndian.Uint32(buf[ieOffResponseSize:])
	e.ResponseStatus = binary.LittleEndian.Uint16(buf[ieOffResponseStatus:])
	e.Flags = binary.LittleEndian.Uint16(buf[ieOffFlags:])
	e.TimestampNs = binary.LittleEndian.Uint64(buf[ieOffTimestampNs:])
	return e
}

// IndexRegionCRC computes the CRC-32 of the full encoded index region
// (N * IndexEntrySize bytes, starting at offset HeaderSize).
func IndexRegionCRC(indexBytes []byte) uint32 {
	return crc32.ChecksumIEEE(indexBytes)
}

// The chain head constant (SHA-256 of the empty byte string) is defined as
// fingerprint.ChainHeadHash; format only handles it as an opaque Hash32 in
// index entries.
