package store

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"ouli/internal/fingerprint"
	"ouli/internal/format"
	"ouli/internal/ouerr"
)

// Writer is the exclusive, append-only face of a recording file. It is
// single-owner for the file's whole lifetime: no Reader observes a
// growing file because Writers and Readers are distinct lifecycle phases.
type Writer struct {
	mu sync.Mutex

	path string
	file *os.File
	data []byte // current mmap

	mapSize    uint64
	dataOffset uint64 // next free byte in the data region, relative to file start

	index       []format.IndexEntry
	byHash      map[format.Hash32]int // request_hash -> index into index, for collision detection
	recordingID [32]byte
	createdAtNs uint64

	clock     Clock
	checkpoint *Checkpoint // optional sidecar, nil if disabled

	finalized bool
	aborted   bool
}

// NewWriter exclusively creates path (os.O_EXCL) and stages an
// InitialFileSize mapping for append_interaction calls to grow as needed.
func NewWriter(path string, recordingID [32]byte, clock Clock, checkpoint *Checkpoint) (*Writer, error) {
	if clock == nil {
		clock = SystemClock{}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	if err := f.Truncate(format.InitialFileSize); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("truncate recording: %w", err)
	}

	data, err := mmapFile(f, format.InitialFileSize)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	now := clock.NowNs()
	w := &Writer{
		path:        path,
		file:        f,
		data:        data,
		mapSize:     format.InitialFileSize,
		dataOffset:  format.HeaderSize, // index region placed here at finalize; data region grows past a provisional index bound updated at finalize
		byHash:      make(map[format.Hash32]int),
		recordingID: recordingID,
		createdAtNs: now,
		clock:       clock,
		checkpoint:  checkpoint,
	}
	// The data region's actual start is unknown until finalize (it depends
	// on interaction_count * 128), so interactions are appended starting
	// right after the header and the index is prepended at finalize time by
	// shifting already-written bytes. Index entries accumulate in memory
	// until finalization, and data bytes already written at [128, ...) are
	// moved to make room for the index. Since finalize happens once per
	// recording and recordings are bounded by MaxInteractionsPerFile, the
	// shift is a single bounded memmove.
	return w, nil
}

// grow doubles the mapping until it can hold additional bytes beyond the
// current data offset, up to MAX_FILE_SIZE.
func (w *Writer) grow(additional uint64) error {
	needed := w.mapSize
	for needed < w.dataOffset+additional {
		needed *= 2
		if needed > format.MaxFileSize {
			return ouerr.ErrRecordingTooLarge
		}
	}
	if needed == w.mapSize {
		return nil
	}
	if err := munmap(w.data); err != nil {
		return fmt.Errorf("unmap for growth: %w", err)
	}
	if err := w.file.Truncate(int64(needed)); err != nil {
		return fmt.Errorf("grow file: %w", err)
	}
	data, err := mmapFile(w.file, int64(needed))
	if err != nil {
		return err
	}
	w.data = data
	w.mapSize = needed
	return nil
}

// AppendInteraction persists one request/response pair. The caller
// supplies already-canonicalized/fingerprinted hashes; Writer only
// serializes and persists.
func (w *Writer) AppendInteraction(requestHash, prevHash format.Hash32, req *format.Request, resp *format.Response, status uint16, flags uint16, timestampNs uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized || w.aborted {
		return fmt.Errorf("append interaction: %w", os.ErrClosed)
	}
	if !format.ValidFlags(flags) {
		return fmt.Errorf("append interaction: %w", ouerr.ErrInvalidHeader)
	}
	if len(w.index) >= format.MaxInteractionsPerFile {
		return ouerr.ErrRecordingTooLarge
	}

	reqBytes, err := format.EncodeRequest(req)
	if err != nil {
		return err
	}
	respBytes, err := format.EncodeResponse(resp)
	if err != nil {
		return err
	}

	// request_hash values must be unique within a file. If the candidate
	// hash already belongs to an entry whose stored request bytes differ,
	// re-derive via SHA-256(hash || counter_le_u32), incrementing counter
	// until an unused hash is found or the bound is hit. An identical
	// collision (same hash, same request bytes) is left alone: that can
	// only happen if the same canonicalized request recurs at the same
	// chain position, which the chain's prev_hash already disambiguates in
	// the common case.
	finalHash := requestHash
	base := fingerprint.FromFormat(requestHash)
	for counter := uint32(1); ; counter++ {
		existingIdx, collides := w.byHash[finalHash]
		if !collides {
			break
		}
		existing := w.index[existingIdx]
		if bytes.Equal(w.data[existing.RequestOffset:existing.RequestOffset+uint64(existing.RequestSize)], reqBytes) {
			break
		}
		if counter > fingerprint.MaxCollisionCounter {
			return ouerr.ErrHashCollisionExhausted
		}
		finalHash = fingerprint.NextCollisionHash(base, counter).ToFormat()
	}

	total := uint64(len(reqBytes) + len(respBytes))
	if err := w.grow(total); err != nil {
		return err
	}

	reqOff := w.dataOffset
	copy(w.data[reqOff:], reqBytes)
	respOff := reqOff + uint64(len(reqBytes))
	copy(w.data[respOff:], respBytes)
	w.dataOffset = respOff + uint64(len(respBytes))

	w.index = append(w.index, format.IndexEntry{
		RequestHash:     finalHash,
		PrevRequestHash: prevHash,
		RequestOffset:   reqOff,
		RequestSize:     uint32(len(reqBytes)),
		ResponseOffset:  respOff,
		ResponseSize:    uint32(len(respBytes)),
		ResponseStatus:  status,
		Flags:           flags,
		TimestampNs:     timestampNs,
	})
	w.byHash[finalHash] = len(w.index) - 1

	return nil
}

// InteractionCount returns the number of interactions appended so far.
func (w *Writer) InteractionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// Finalize shifts the data region to make room for the index, writes the
// index, patches and writes the header, flushes, and truncates to the
// exact tail. After Finalize the Writer is consumed.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return nil
	}
	if w.aborted {
		return fmt.Errorf("finalize: %w", os.ErrClosed)
	}

	indexSize := uint64(len(w.index) * format.IndexEntrySize)
	dataRegionSize := w.dataOffset - format.HeaderSize
	finalFileSize := format.HeaderSize + indexSize + dataRegionSize

	if err := w.grow(finalFileSize - w.dataOffset + indexSize); err != nil {
		return err
	}

	// Shift the data region right by indexSize to make room for the index.
	dataStart := format.HeaderSize
	dataEnd := w.dataOffset
	newDataStart := format.HeaderSize + indexSize
	copy(w.data[newDataStart:newDataStart+(dataEnd-uint64(dataStart))], w.data[dataStart:dataEnd])

	// Adjust index entry offsets for the shift.
	indexBytes := make([]byte, 0, indexSize)
	for i := range w.index {
		w.index[i].RequestOffset += indexSize
		w.index[i].ResponseOffset += indexSize
		entry := w.index[i]
		indexBytes = append(indexBytes, format.EncodeIndexEntry(&entry)...)
	}
	copy(w.data[format.HeaderSize:format.HeaderSize+indexSize], indexBytes)

	indexCRC := format.IndexRegionCRC(indexBytes)

	now := w.clock.NowNs()
	hdr := format.FileHeader{
		Version:          format.Version,
		InteractionCount: uint32(len(w.index)),
		FileSize:         finalFileSize,
		IndexCRC:         indexCRC,
		CreatedAtNs:      w.createdAtNs,
		ModifiedAtNs:     now,
		RecordingID:      w.recordingID,
	}
	headerBytes := format.EncodeHeader(&hdr)
	hdr.HeaderCRC = format.ComputeHeaderCRC(headerBytes)
	headerBytes = format.EncodeHeader(&hdr)
	copy(w.data[0:format.HeaderSize], headerBytes)

	if err := msync(w.data); err != nil {
		return fmt.Errorf("finalize: flush: %w", err)
	}

	if err := munmap(w.data); err != nil {
		return fmt.Errorf("finalize: unmap: %w", err)
	}
	w.data = nil

	if err := w.file.Truncate(int64(finalFileSize)); err != nil {
		return fmt.Errorf("finalize: truncate tail: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("finalize: close: %w", err)
	}

	if w.checkpoint != nil {
		w.checkpoint.Clear(w.path)
	}

	w.finalized = true
	return nil
}

// Abort discards the in-progress recording: if finalize fails (or the
// session is torn down without ever finalizing), no interactions are
// persisted — the file is deleted.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized || w.aborted {
		return nil
	}
	w.aborted = true

	if w.data != nil {
		munmap(w.data)
		w.data = nil
	}
	w.file.Close()
	if w.checkpoint != nil {
		w.checkpoint.Clear(w.path)
	}
	return os.Remove(w.path)
}

// Checkpoint writes the current interaction count and data offset to the
// sidecar store, without finalizing the file itself. No header bytes or
// CRCs are written to the sidecar.
func (w *Writer) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.checkpoint == nil || w.finalized || w.aborted {
		return nil
	}
	return w.checkpoint.Save(w.path, CheckpointState{
		InteractionCount: uint32(len(w.index)),
		DataOffset:       w.dataOffset,
	})
}
