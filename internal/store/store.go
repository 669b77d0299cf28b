// Package store implements the Writer and Reader faces of the binary
// recording format (internal/format): an exclusive, append-only, memory-
// mapped file during record, and a shared, immutable, memory-mapped file
// during replay.
//
// The mmap mechanics (raw syscall mapping, staged header patched and
// fsynced at finalize time, rejecting a file wholesale on any structural
// or CRC mismatch) are grounded on the pack's mmap-based binary cache
// package; this package narrows that general-purpose fixed-slot cache
// design down to an append-only interaction log.
package store

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"ouli/internal/format"
	"ouli/internal/ouerr"
)

// Clock abstracts the time source so writer timestamps are reproducible
// in tests.
type Clock interface {
	NowNs() uint64
}

// SystemClock uses the real wall clock.
type SystemClock struct{}

func (SystemClock) NowNs() uint64 { return uint64(time.Now().UnixNano()) }

func mmapFile(f *os.File, size int64) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return data, nil
}

func mmapFileReadOnly(f *os.File, size int64) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap readonly: %w", err)
	}
	return data, nil
}

func munmap(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

func msync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}

// validateHeader checks magic, version, and header_crc; it does not check
// index_crc (the caller checks that once the index region is mapped).
func validateHeader(h format.FileHeader, raw []byte) error {
	if string(h.Magic[:]) != format.Magic {
		return ouerr.ErrBadMagic
	}
	if h.Version != format.Version {
		return ouerr.ErrUnsupportedVersion
	}
	if format.ComputeHeaderCRC(raw) != h.HeaderCRC {
		return ouerr.ErrHeaderCrcMismatch
	}
	return nil
}
