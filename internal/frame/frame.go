// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package frame implements the length-prefixed TCP framing shared by the
// JSON envelope and binary sub-protocols: uint32 big-endian length
// followed by that many payload bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxPayload is the largest accepted framed payload, per the hybrid
// protocol's upper bound (a 10 MiB chunk plus header/CRC overhead).
const MaxPayload = 11 * 1024 * 1024

// ErrOversizeFrame is returned when a declared frame length exceeds MaxPayload.
var ErrOversizeFrame = errors.New("frame: declared length exceeds maximum payload size")

// ErrClosed is returned by Read when the peer cleanly closed the
// connection before a complete length prefix of a new frame arrived.
var ErrClosed = errors.New("frame: connection closed")

// Write frames payload as length || payload and issues it as a single
// Write call on w. Callers are responsible for serializing concurrent
// writers on the same w (see internal/peer).
func Write(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// Read reads one length-prefixed frame from r. It returns ErrClosed if
// the peer closed the connection cleanly before the full 4-byte length
// prefix arrived. A zero-length frame is returned as a nil,
// nil-error payload; callers should skip it and read the next frame.
func Read(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if err := readExact(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizeFrame, n)
	}
	if n == 0 {
		return nil, nil
	}

	payload := make([]byte, n)
	if err := readExact(r, payload); err != nil {
		if errors.Is(err, ErrClosed) {
			// A clean EOF mid-payload is a truncated frame, not a clean
			// disconnect between frames; report it as a read error.
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// readExact loops until buf is fully populated or the peer closes.
func readExact(r io.Reader, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			if err == io.EOF {
				return ErrClosed
			}
			return err
		}
		if n == 0 {
			return ErrClosed
		}
	}
	return nil
}
