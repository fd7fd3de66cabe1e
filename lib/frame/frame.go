// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// HeaderLength is the size of the length prefix in bytes.
const HeaderLength = 4

// DefaultMaxPayload bounds the payload size accepted by a zero-value
// Codec. 16 MB matches the observation protocol's limit and is far
// above any request a handler should receive.
const DefaultMaxPayload uint32 = 16 * 1024 * 1024

var (
	// ErrTruncatedFrame is returned when the stream closes after the
	// first byte of a frame but before the frame is complete. This is
	// a protocol violation, not a clean disconnect.
	ErrTruncatedFrame = errors.New("frame: truncated frame")

	// ErrFrameTooLarge is returned when a declared or supplied payload
	// length exceeds the codec's MaxPayload.
	ErrFrameTooLarge = errors.New("frame: payload too large")
)

// Codec reads and writes frames with a fixed length byte order. The
// zero value is usable: big-endian with DefaultMaxPayload.
type Codec struct {
	// Order is the byte order of the length prefix. Nil means
	// binary.BigEndian.
	Order binary.ByteOrder

	// MaxPayload is the largest payload accepted in either direction.
	// Zero means DefaultMaxPayload.
	MaxPayload uint32
}

// BigEndian is the default deployment dialect.
var BigEndian = Codec{Order: binary.BigEndian}

// LittleEndian frames lengths least-significant byte first. Cells in
// a little-endian deployment must all use this codec.
var LittleEndian = Codec{Order: binary.LittleEndian}

func (c Codec) order() binary.ByteOrder {
	if c.Order == nil {
		return binary.BigEndian
	}
	return c.Order
}

func (c Codec) limit() uint32 {
	if c.MaxPayload == 0 {
		return DefaultMaxPayload
	}
	return c.MaxPayload
}

// PutLength writes n into the first HeaderLength bytes of b using the
// codec's byte order. The broker handshake shares this encoding for
// its target-name prefix.
func (c Codec) PutLength(b []byte, n uint32) {
	c.order().PutUint32(b[:HeaderLength], n)
}

// Length decodes a length prefix from the first HeaderLength bytes of b.
func (c Codec) Length(b []byte) uint32 {
	return c.order().Uint32(b[:HeaderLength])
}

// Encode returns the length prefix followed by payload.
func (c Codec) Encode(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 || uint32(len(payload)) > c.limit() {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrFrameTooLarge, len(payload), c.limit())
	}
	buffer := make([]byte, HeaderLength+len(payload))
	c.PutLength(buffer, uint32(len(payload)))
	copy(buffer[HeaderLength:], payload)
	return buffer, nil
}

// Write encodes payload as one frame and writes it to w in a single
// Write call.
func (c Codec) Write(w io.Writer, payload []byte) error {
	buffer, err := c.Encode(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buffer); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Read reads exactly one frame from r and returns its payload.
//
// Returns io.EOF (unwrapped) when r is closed before the first length
// byte arrives. Returns an error wrapping ErrTruncatedFrame when r is
// closed partway through the length prefix or the payload. Other read
// errors (deadlines, resets) are returned wrapped.
func (c Codec) Read(r io.Reader) ([]byte, error) {
	var header [HeaderLength]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: got %d of %d length bytes", ErrTruncatedFrame, n, HeaderLength)
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := c.Length(header[:])
	if length > c.limit() {
		return nil, fmt.Errorf("%w: declared %d bytes exceeds maximum %d", ErrFrameTooLarge, length, c.limit())
	}

	payload := make([]byte, length)
	if length == 0 {
		return payload, nil
	}
	n, err = io.ReadFull(r, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: got %d of %d payload bytes", ErrTruncatedFrame, n, length)
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ParseByteOrder maps a configuration value to a byte order. Accepts
// "big", "big-endian", "be", "little", "little-endian", and "le",
// case-insensitively. The empty string selects big-endian.
func ParseByteOrder(name string) (binary.ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "big", "big-endian", "bigendian", "be":
		return binary.BigEndian, nil
	case "little", "little-endian", "littleendian", "le":
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order %q (want big or little)", name)
	}
}

// ByteOrderName returns the configuration name of the codec's byte
// order: "big" or "little".
func (c Codec) ByteOrderName() string {
	if c.order() == binary.LittleEndian {
		return "little"
	}
	return "big"
}
