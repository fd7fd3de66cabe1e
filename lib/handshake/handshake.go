// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshake implements the broker routing handshake.
//
// A caller connected to a broker names the cell it wants before any
// frame is exchanged:
//
//	caller -> broker:  [0x01][u32 length][length bytes target identity]
//	broker -> caller:  [0x00]              accepted
//	                   [any other byte]    rejected, connection closes
//
// The length uses the same byte order as the deployment's frame codec.
// After an accepting ack the broker splices the connection to the
// target and the caller proceeds with ordinary framed traffic. Every
// function here reads exactly the bytes it needs, so nothing after the
// ack is consumed.
package handshake

import (
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/cell/lib/frame"
)

const (
	// OpConnect is the only defined opcode: route this connection to
	// the named target.
	OpConnect byte = 0x01

	// AckAccepted tells the caller the route is established.
	AckAccepted byte = 0x00

	// AckRejected is what this broker sends when it cannot route.
	// Callers treat any non-zero byte as a rejection.
	AckRejected byte = 0xFF

	// MaxTargetLength bounds the identity a broker will read.
	MaxTargetLength = 4096
)

var (
	// ErrRoutingRejected is returned by ReadAck when the broker
	// declines the route.
	ErrRoutingRejected = errors.New("handshake: routing rejected by broker")

	// ErrUnknownOpcode is returned by ReadRequest when the first byte
	// is not OpConnect.
	ErrUnknownOpcode = errors.New("handshake: unknown opcode")

	// ErrTargetNameTooLong is returned when a target identity exceeds
	// MaxTargetLength.
	ErrTargetNameTooLong = errors.New("handshake: target name too long")

	// ErrEmptyTarget is returned for a zero-length target identity.
	ErrEmptyTarget = errors.New("handshake: empty target name")
)

// WriteRequest writes a connect request for target in a single Write.
func WriteRequest(w io.Writer, codec frame.Codec, target string) error {
	if target == "" {
		return ErrEmptyTarget
	}
	if len(target) > MaxTargetLength {
		return fmt.Errorf("%w: %d bytes (maximum %d)", ErrTargetNameTooLong, len(target), MaxTargetLength)
	}
	buffer := make([]byte, 1+frame.HeaderLength+len(target))
	buffer[0] = OpConnect
	codec.PutLength(buffer[1:], uint32(len(target)))
	copy(buffer[1+frame.HeaderLength:], target)
	if _, err := w.Write(buffer); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	return nil
}

// ReadRequest reads a connect request and returns the target identity.
// A stream that closes before the opcode returns io.EOF unwrapped.
func ReadRequest(r io.Reader, codec frame.Codec) (string, error) {
	var header [1 + frame.HeaderLength]byte
	n, err := io.ReadFull(r, header[:1])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", fmt.Errorf("reading handshake opcode: %w", err)
	}
	if header[0] != OpConnect {
		return "", fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, header[0])
	}

	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return "", fmt.Errorf("reading handshake length: %w", truncated(err))
	}
	length := codec.Length(header[1:])
	if length == 0 {
		return "", ErrEmptyTarget
	}
	if length > MaxTargetLength {
		return "", fmt.Errorf("%w: declared %d bytes (maximum %d)", ErrTargetNameTooLong, length, MaxTargetLength)
	}

	target := make([]byte, length)
	if _, err := io.ReadFull(r, target); err != nil {
		return "", fmt.Errorf("reading handshake target: %w", truncated(err))
	}
	return string(target), nil
}

// WriteAck writes the single-byte routing decision.
func WriteAck(w io.Writer, accepted bool) error {
	ack := AckRejected
	if accepted {
		ack = AckAccepted
	}
	if _, err := w.Write([]byte{ack}); err != nil {
		return fmt.Errorf("writing handshake ack: %w", err)
	}
	return nil
}

// ReadAck reads the broker's routing decision. Returns nil when
// accepted and ErrRoutingRejected for any non-zero byte. A stream that
// closes before the ack is reported as frame.ErrTruncatedFrame.
func ReadAck(r io.Reader) error {
	var ack [1]byte
	if _, err := io.ReadFull(r, ack[:]); err != nil {
		return fmt.Errorf("reading handshake ack: %w", truncated(err))
	}
	if ack[0] != AckAccepted {
		return fmt.Errorf("%w (ack 0x%02x)", ErrRoutingRejected, ack[0])
	}
	return nil
}

// truncated maps an end-of-stream inside the handshake to
// frame.ErrTruncatedFrame and passes other errors through.
func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", frame.ErrTruncatedFrame, err)
	}
	return err
}
