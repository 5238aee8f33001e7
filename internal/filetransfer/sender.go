// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package filetransfer implements the binary-protocol file sender and
// receiver: a lazy, one-chunk-at-a-time outbound sequence and a
// streaming, order-preserving inbound writer.
package filetransfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lanline/core/internal/binproto"
)

// ChunkSize is the outbound chunk size; the sender never materializes
// more than one chunk of a file in memory at a time.
const ChunkSize = 512 * 1024

// Frame is one framed message a Sender yields: either the file_meta
// frame or a file_chunk frame, pre-encoded and ready for
// internal/frame.Write.
type Frame struct {
	Payload []byte
}

// Sender lazily produces the frame sequence for one outbound file: one
// meta frame, then chunks of up to ChunkSize bytes with monotonically
// increasing indices starting at 0. It never retries or waits for
// acknowledgment (spec §4.4).
type Sender struct {
	path   string
	fileID binproto.FileID
}

// NewSender prepares to send the file at path, generating a fresh
// 16-byte file_id.
func NewSender(path string) *Sender {
	var id binproto.FileID
	u := uuid.New()
	copy(id[:], u[:])
	return &Sender{path: path, fileID: id}
}

// FileID returns the generated wire identifier for this transfer.
func (s *Sender) FileID() binproto.FileID {
	return s.fileID
}

// Send opens the file and invokes yield once per frame: first the meta
// frame, then each chunk frame in order. yield is called synchronously
// so the caller can write each frame to the wire before the next chunk
// is read into memory.
func (s *Sender) Send(yield func(Frame) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("filetransfer: open %q: %w", s.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("filetransfer: stat %q: %w", s.path, err)
	}

	metaFrame, err := binproto.EncodeMeta(s.fileID, filepath.Base(s.path), uint64(info.Size()), binproto.CompressionNone)
	if err != nil {
		return fmt.Errorf("filetransfer: encode meta: %w", err)
	}
	if err := yield(Frame{Payload: metaFrame}); err != nil {
		return err
	}

	buf := make([]byte, ChunkSize)
	var index uint32
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			// A short final read (n < ChunkSize, readErr is ErrUnexpectedEOF
			// or io.EOF) is the terminal chunk; see binproto's "final" param.
			final := readErr == io.ErrUnexpectedEOF || readErr == io.EOF
			chunkFrame, err := binproto.EncodeChunk(s.fileID, index, buf[:n], final)
			if err != nil {
				return fmt.Errorf("filetransfer: encode chunk %d: %w", index, err)
			}
			if err := yield(Frame{Payload: chunkFrame}); err != nil {
				return err
			}
			index++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("filetransfer: read %q: %w", s.path, readErr)
		}
	}
}
