// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint saves and restores conversation sessions so a
// multi-turn session can resume after the process exits.
//
// A checkpoint holds the session ID, the canonical history, the token
// high-water mark and the sub-agent count. The run plan is turn state
// and is not saved: a resumed session starts without one.
//
// File layout:
//
//	magic "AWCP" | version (1 byte) | compression (1 byte) |
//	payload size (uint32, big-endian) | BLAKE3 digest (32 bytes) |
//	compressed payload
//
// The payload is the snapshot in CBOR core deterministic encoding, so
// identical sessions produce identical bytes. The digest is a keyed
// BLAKE3 hash of the uncompressed payload and is verified on load.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/agentwire/lib/agentloop"
	"github.com/bureau-foundation/agentwire/lib/clock"
	"github.com/bureau-foundation/agentwire/lib/llm"
)

// FormatVersion is the current checkpoint format.
const FormatVersion = 1

var magic = [4]byte{'A', 'W', 'C', 'P'}

const headerSize = 4 + 1 + 1 + 4 + 32

// digestKey separates checkpoint digests from any other BLAKE3 use.
var digestKey = [32]byte{
	'a', 'g', 'e', 'n', 't', 'w', 'i', 'r', 'e', '.', 'c', 'h', 'e', 'c', 'k', 'p',
	'o', 'i', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("checkpoint: CBOR encoder initialization failed: " + err.Error())
	}
	// Tool-call arguments are map[string]any; decode nested maps with
	// string keys so they behave like their JSON-decoded originals.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("checkpoint: CBOR decoder initialization failed: " + err.Error())
	}
}

// Snapshot is the persisted form of a session.
type Snapshot struct {
	SessionID string        `cbor:"session_id"`
	History   []llm.Message `cbor:"history"`
	HighWater int64         `cbor:"high_water"`
	Subagents int           `cbor:"subagents"`
	SavedAt   time.Time     `cbor:"saved_at"`
}

// Capture snapshots a session, stamped with clk's current time. The
// history is deep-copied.
func Capture(session *agentloop.Session, clk clock.Clock) Snapshot {
	return Snapshot{
		SessionID: session.ID,
		History:   llm.CloneHistory(session.History),
		HighWater: session.HighWater,
		Subagents: session.Subagents,
		SavedAt:   clk.Now().UTC(),
	}
}

// Session rebuilds a session from the snapshot, with no plan.
func (snapshot Snapshot) Session() *agentloop.Session {
	return &agentloop.Session{
		ID:        snapshot.SessionID,
		History:   llm.CloneHistory(snapshot.History),
		HighWater: snapshot.HighWater,
		Subagents: snapshot.Subagents,
	}
}

// Encode serializes a snapshot. If compression would not shrink the
// payload it is stored uncompressed and the header says so.
func Encode(snapshot Snapshot, compression Compression) ([]byte, error) {
	payload, err := encMode.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encoding snapshot: %w", err)
	}
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("checkpoint: snapshot of %d bytes exceeds the format limit", len(payload))
	}

	body, err := compress(payload, compression)
	if errors.Is(err, errIncompressible) {
		body, compression = payload, CompressionNone
	} else if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	digest := digestOf(payload)
	var buffer bytes.Buffer
	buffer.Grow(headerSize + len(body))
	buffer.Write(magic[:])
	buffer.WriteByte(FormatVersion)
	buffer.WriteByte(byte(compression))
	binary.Write(&buffer, binary.BigEndian, uint32(len(payload)))
	buffer.Write(digest[:])
	buffer.Write(body)
	return buffer.Bytes(), nil
}

// Decode parses and verifies a checkpoint.
func Decode(data []byte) (*Snapshot, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("checkpoint: %d bytes is shorter than the header", len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("checkpoint: not a checkpoint file (bad magic %q)", data[:4])
	}
	if version := data[4]; version != FormatVersion {
		return nil, fmt.Errorf("checkpoint: unsupported format version %d", version)
	}
	compression := Compression(data[5])
	size := binary.BigEndian.Uint32(data[6:10])
	var want [32]byte
	copy(want[:], data[10:headerSize])

	payload, err := decompress(data[headerSize:], compression, int(size))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	if digestOf(payload) != want {
		return nil, fmt.Errorf("checkpoint: digest mismatch (file is corrupt)")
	}

	var snapshot Snapshot
	if err := decMode.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("checkpoint: decoding snapshot: %w", err)
	}
	return &snapshot, nil
}

// Save writes a snapshot to path atomically: a temporary file in the
// same directory is written, synced and renamed over the target.
func Save(path string, snapshot Snapshot, compression Compression) error {
	data, err := Encode(snapshot, compression)
	if err != nil {
		return err
	}

	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", directory, err)
	}
	temporary, err := os.CreateTemp(directory, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("checkpoint: creating temporary file: %w", err)
	}
	temporaryPath := temporary.Name()
	defer os.Remove(temporaryPath)

	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("checkpoint: writing %s: %w", temporaryPath, err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return fmt.Errorf("checkpoint: syncing %s: %w", temporaryPath, err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("checkpoint: closing %s: %w", temporaryPath, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		return fmt.Errorf("checkpoint: replacing %s: %w", path, err)
	}
	return nil
}

// Load reads and verifies the checkpoint at path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	snapshot, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return snapshot, nil
}

func digestOf(payload []byte) [32]byte {
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("checkpoint: blake3 keyed hasher: " + err.Error())
	}
	hasher.Write(payload)
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}
