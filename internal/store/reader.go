package store

import (
	"fmt"
	"os"
	"sync/atomic"

	"ouli/internal/format"
	"ouli/internal/ouerr"
)

// Reader is the immutable, shared, memory-mapped face of a finalized
// recording. Many Readers/goroutines may use one Reader concurrently;
// responses are handed out as reference-counted handles so an in-flight
// response body keeps the mapping alive even if the Reader itself is
// asked to Close concurrently.
type Reader struct {
	path string
	file *os.File
	data []byte

	header format.FileHeader
	byHash map[format.Hash32]format.IndexEntry
	order  []format.IndexEntry

	refCount int32 // outstanding Handles, plus 1 for the Reader's own hold
	closed   int32
}

// OpenReader opens path read-only, validates the header and index, and
// builds the in-memory hash index.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat recording: %w", err)
	}
	if info.Size() < format.HeaderSize {
		f.Close()
		return nil, ouerr.ErrTruncated
	}

	data, err := mmapFileReadOnly(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	hdr := format.DecodeHeader(data[:format.HeaderSize])
	if err := validateHeader(hdr, data[:format.HeaderSize]); err != nil {
		munmap(data)
		f.Close()
		return nil, err
	}
	if uint64(hdr.InteractionCount)*format.IndexEntrySize+format.HeaderSize > hdr.FileSize || hdr.FileSize > uint64(info.Size()) {
		munmap(data)
		f.Close()
		return nil, ouerr.ErrTruncated
	}

	indexStart := uint64(format.HeaderSize)
	indexEnd := indexStart + uint64(hdr.InteractionCount)*format.IndexEntrySize
	if indexEnd > uint64(len(data)) {
		munmap(data)
		f.Close()
		return nil, ouerr.ErrTruncated
	}
	indexBytes := data[indexStart:indexEnd]
	if format.IndexRegionCRC(indexBytes) != hdr.IndexCRC {
		munmap(data)
		f.Close()
		return nil, ouerr.ErrIndexCrcMismatch
	}

	r := &Reader{
		path:     path,
		file:     f,
		data:     data,
		header:   hdr,
		byHash:   make(map[format.Hash32]format.IndexEntry, hdr.InteractionCount),
		order:    make([]format.IndexEntry, 0, hdr.InteractionCount),
		refCount: 1,
	}

	// Each entry's offsets are bounds-checked here; the prev_request_hash
	// chain between entries is not validated on open.
	for i := uint32(0); i < hdr.InteractionCount; i++ {
		entry := format.DecodeIndexEntry(indexBytes[uint64(i)*format.IndexEntrySize:])
		if entry.RequestOffset+uint64(entry.RequestSize) > entry.ResponseOffset ||
			entry.ResponseOffset+uint64(entry.ResponseSize) > hdr.FileSize {
			munmap(data)
			f.Close()
			return nil, ouerr.ErrTruncated
		}
		r.byHash[entry.RequestHash] = entry
		r.order = append(r.order, entry)
	}

	return r, nil
}

// Lookup returns the index entry for hash, if present.
func (r *Reader) Lookup(hash format.Hash32) (format.IndexEntry, bool) {
	e, ok := r.byHash[hash]
	return e, ok
}

// AllInteractions returns every entry in insertion order.
func (r *Reader) AllInteractions() []format.IndexEntry {
	return r.order
}

// InteractionCount returns the number of interactions in the recording.
func (r *Reader) InteractionCount() int {
	return len(r.order)
}

// Handle is a reference-counted view into the Reader's mapping. Release
// must be called exactly once when the caller is done with the bytes.
type Handle struct {
	reader *Reader
	Bytes  []byte
}

// Release decrements the Reader's outstanding-handle count, unmapping the
// file once the Reader has been closed and no handles remain.
func (h *Handle) Release() {
	h.reader.release()
}

func (r *Reader) acquire() {
	atomic.AddInt32(&r.refCount, 1)
}

func (r *Reader) release() {
	if atomic.AddInt32(&r.refCount, -1) == 0 {
		munmap(r.data)
		r.file.Close()
	}
}

// ReadRequest slices and decodes the request region for entry.
func (r *Reader) ReadRequest(entry format.IndexEntry) (*format.Request, error) {
	if entry.RequestOffset+uint64(entry.RequestSize) > uint64(len(r.data)) {
		return nil, ouerr.ErrTruncated
	}
	buf := r.data[entry.RequestOffset : entry.RequestOffset+uint64(entry.RequestSize)]
	return format.DecodeRequest(buf)
}

// ReadResponse slices and decodes the response region for entry, returning
// a reference-counted Handle that pins the mapping for as long as the
// caller holds it.
func (r *Reader) ReadResponse(entry format.IndexEntry) (*format.Response, *Handle, error) {
	if entry.ResponseOffset+uint64(entry.ResponseSize) > uint64(len(r.data)) {
		return nil, nil, ouerr.ErrTruncated
	}
	buf := r.data[entry.ResponseOffset : entry.ResponseOffset+uint64(entry.ResponseSize)]
	resp, err := format.DecodeResponse(buf)
	if err != nil {
		return nil, nil, err
	}
	r.acquire()
	return resp, &Handle{reader: r, Bytes: buf}, nil
}

// Close releases the Reader's own hold on the mapping. The underlying
// mapping is only actually unmapped once every outstanding Handle has also
// been released.
func (r *Reader) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	r.release()
	return nil
}
