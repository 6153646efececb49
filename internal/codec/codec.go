// Package codec implements the length-delimited framing used on every
// committer stream: a big-endian length prefix of configurable width
// followed by exactly that many payload bytes.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrShortRead is returned by Recv when the peer closes the connection
// mid-frame (after the length prefix, before the full payload arrives, or
// mid-prefix). Callers must tear the connection down rather than retry in
// place.
var ErrShortRead = errors.New("codec: short read, peer closed mid-frame")

// Codec frames messages on a duplex byte stream with a fixed-width,
// big-endian length prefix. The committer's replica streams use an
// 8-byte prefix; Legacy (4-byte) exists for compatibility with the
// narrower framing used by older, socket-level test clients.
type Codec struct {
	prefixWidth int
}

// New returns a Codec using the given prefix width in bytes (1-8).
func New(prefixWidth int) *Codec {
	if prefixWidth < 1 || prefixWidth > 8 {
		panic(fmt.Sprintf("codec: invalid prefix width %d", prefixWidth))
	}
	return &Codec{prefixWidth: prefixWidth}
}

// Replica is the 8-byte-prefix codec used on the consensus and observer
// streams.
var Replica = New(8)

// Legacy is the 4-byte-prefix codec used by legacy/test clients.
var Legacy = New(4)

// Send writes one length-prefixed frame of data to w. It returns only
// after every byte has been handed to the writer; callers needing an
// explicit flush should pass a writer whose Write already flushes (e.g.
// net.Conn) or flush it themselves afterward.
func (c *Codec) Send(w io.Writer, data []byte) error {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))

	if _, err := w.Write(prefix[8-c.prefixWidth:]); err != nil {
		return fmt.Errorf("codec: write length prefix: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("codec: write payload: %w", err)
	}
	return nil
}

// Recv reads one complete length-prefixed frame from r. Zero-length
// frames are legal and return a non-nil, zero-length slice. A peer that
// closes the connection before a complete frame arrives yields
// ErrShortRead.
func (c *Codec) Recv(r io.Reader) ([]byte, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[8-c.prefixWidth:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, ErrShortRead
		}
		return nil, fmt.Errorf("codec: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint64(prefix[:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return nil, ErrShortRead
			}
			return nil, fmt.Errorf("codec: read payload: %w", err)
		}
	}
	return payload, nil
}
