package msgx

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// MaxFrameSize bounds a single envelope on the wire.
const MaxFrameSize = 16 << 20

// writeFrame marshals the envelope and writes it with a 4-byte big-endian
// length prefix.
func writeFrame(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("msgx: marshal frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("msgx: frame of %d bytes exceeds limit", len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("msgx: write frame: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("msgx: write frame: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed envelope.
func readFrame(r io.Reader) (*Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("msgx: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("msgx: unmarshal frame: %w", err)
	}
	return &env, nil
}
