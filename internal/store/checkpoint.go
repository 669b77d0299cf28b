package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// checkpointBucket is the bbolt bucket holding per-recording checkpoint
// state, keyed by recording path. It exists purely for crash recovery:
// an open-one-db-file/one-bucket shape holding the writer's
// last-known-good tail.
var checkpointBucket = []byte("recording_checkpoints")

// CheckpointState is the recoverable subset of Writer state persisted to
// the sidecar between append_interaction calls.
type CheckpointState struct {
	InteractionCount uint32
	DataOffset       uint64
}

// Checkpoint wraps a bbolt database used as the recovery sidecar: per
// recording it holds the interaction count and data offset (no header
// copy or CRCs). Load reads that state back; no code in this repository
// truncates a recording file from it.
type Checkpoint struct {
	db *bbolt.DB
}

// OpenCheckpoint opens (creating if absent) the sidecar database at path.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint sidecar: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint sidecar: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

// Save persists the current staged-write progress for the recording at
// recordingPath.
func (c *Checkpoint) Save(recordingPath string, state CheckpointState) error {
	var buf bytes.Buffer
	var tmp [12]byte
	binary.LittleEndian.PutUint32(tmp[0:4], state.InteractionCount)
	binary.LittleEndian.PutUint64(tmp[4:12], state.DataOffset)
	buf.Write(tmp[:])

	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		return b.Put([]byte(recordingPath), buf.Bytes())
	})
}

// Load returns the last saved checkpoint for recordingPath, if any.
func (c *Checkpoint) Load(recordingPath string) (CheckpointState, bool, error) {
	var state CheckpointState
	var found bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		v := b.Get([]byte(recordingPath))
		if v == nil || len(v) < 12 {
			return nil
		}
		found = true
		state.InteractionCount = binary.LittleEndian.Uint32(v[0:4])
		state.DataOffset = binary.LittleEndian.Uint64(v[4:12])
		return nil
	})
	return state, found, err
}

// Clear removes the checkpoint for recordingPath, called once the
// recording finalizes or aborts cleanly.
func (c *Checkpoint) Clear(recordingPath string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		return b.Delete([]byte(recordingPath))
	})
}

// Close closes the underlying bbolt database.
func (c *Checkpoint) Close() error {
	return c.db.Close()
}
