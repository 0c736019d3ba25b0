package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Codec serializes records for the spool. Snapshots must round-trip every
// key and value, so the encoding is plain JSON (byte blobs become base64
// strings that Bytes() accepts back) with optional zstd framing.
type Codec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// NewCodec builds a spool codec. With compress enabled, snapshots are
// zstd-compressed; decoding sniffs the frame magic so a spool written with
// either setting reads back correctly.
func NewCodec(compress bool) *Codec {
	c := &Codec{compress: compress}
	if compress {
		// Option-free construction cannot fail.
		c.enc, _ = zstd.NewWriter(nil)
	}
	c.dec, _ = zstd.NewReader(nil)
	return c
}

// Encode serializes a record snapshot.
func (c *Codec) Encode(r Record) ([]byte, error) {
	raw, err := json.Marshal(map[string]any(r))
	if err != nil {
		return nil, fmt.Errorf("codec: marshaling record: %w", err)
	}
	if !c.compress {
		return raw, nil
	}
	return c.enc.EncodeAll(raw, nil), nil
}

// Decode restores a record snapshot.
func (c *Codec) Decode(payload []byte) (Record, error) {
	raw := payload
	if bytes.HasPrefix(payload, zstdMagic) {
		var err error
		raw, err = c.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: decompressing record: %w", err)
		}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("codec: unmarshaling record: %w", err)
	}
	return Record(m), nil
}

// DecodeFrom restores a snapshot from a reader (used by tests and tools).
func (c *Codec) DecodeFrom(r io.Reader) (Record, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: reading payload: %w", err)
	}
	return c.Decode(payload)
}
