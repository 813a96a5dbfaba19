// Package snapshot encodes captured browser state and stores it where a target
// region can read it.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrNotFound  = errors.New("snapshot not found")
	ErrCorrupted = errors.New("snapshot corrupted")
)

// frame layout: magic | uint32 header length | JSON header | zstd body
var magic = [4]byte{'B', 'B', 'S', 'N'}

const maxHeaderSize = 64 << 10

// Snapshot is the captured state of one session
type Snapshot struct {
	SessionID    string    `json:"sessionId"`
	SourceRegion string    `json:"sourceRegion"`
	TargetRegion string    `json:"targetRegion"`
	CapturedAt   time.Time `json:"capturedAt"`
	Size         int       `json:"size"`
	Data         []byte    `json:"-"`
}

// Key returns a fresh storage key for a snapshot bound for target
func Key(target, sessionID string) string {
	return fmt.Sprintf("snapshots/%s/%s/%s.snap", target, sessionID, uuid.New().String())
}

// Encode frames s with a JSON header and a zstd-compressed body
func Encode(s *Snapshot) ([]byte, error) {
	hdr := *s
	hdr.Size = len(s.Data)
	header, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot header: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(header))); err != nil {
		return nil, err
	}
	buf.Write(header)

	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := enc.Write(s.Data); err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a frame produced by Encode
func Decode(frame []byte) (*Snapshot, error) {
	if len(frame) < len(magic)+4 || !bytes.Equal(frame[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	n := binary.BigEndian.Uint32(frame[4:8])
	if n > maxHeaderSize || int(n) > len(frame)-8 {
		return nil, fmt.Errorf("%w: header length %d", ErrCorrupted, n)
	}

	var s Snapshot
	if err := json.Unmarshal(frame[8:8+n], &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	dec, err := zstd.NewReader(bytes.NewReader(frame[8+n:]))
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if len(data) != s.Size {
		return nil, fmt.Errorf("%w: size %d, header says %d", ErrCorrupted, len(data), s.Size)
	}
	s.Data = data
	return &s, nil
}
