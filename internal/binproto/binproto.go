// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package binproto implements the binary sub-protocol for file transfer:
// length-prefixed meta and chunk frames multiplexed with the JSON
// envelope on the same TCP stream, demultiplexed by magic byte (see
// internal/frame and internal/peer).
//
// Wire layout (all integers big-endian, see spec §4.3):
//
//	meta:  magic(3) type=0x01(1) file_id(16) size(u64) compression(1)
//	       filename_len(u16) filename(N) crc32(4)
//	chunk: magic(3) type=0x02(1) file_id(16) chunk_index(u32)
//	       chunk_size(u32) chunk_data(N) crc32(4)
package binproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	lz4 "github.com/pierrec/lz4/v4"
)

// FrameType identifies the binary sub-protocol frame kind.
type FrameType byte

const (
	FrameTypeFileMeta  FrameType = 0x01
	FrameTypeFileChunk FrameType = 0x02
	FrameTypeFileAck   FrameType = 0x03 // reserved, unused
)

// Compression identifies how a meta frame's subsequent chunk data is
// compressed. The encoder here only ever produces CompressionNone; the
// other two values are accepted on decode (see Decompress).
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionGzip Compression = 2
)

var magic = [3]byte{'B', 'I', 'N'}

const (
	// MaxFileSize prevents uint64 overflow / absurd allocations.
	MaxFileSize = 5 * 1024 * 1024 * 1024 // 5 GiB
	// MaxFilename is the largest accepted UTF-8 filename, in bytes.
	MaxFilename = 1024
	// MaxChunk is the largest accepted chunk payload.
	MaxChunk = 10 * 1024 * 1024
	// MinChunk is the smallest accepted chunk payload for a non-final
	// chunk. The final chunk of a file may be shorter (see Open
	// Questions in spec §9 — a terminal short chunk is not a bug).
	MinChunk = 1024
)

var (
	ErrBadMagic      = errors.New("binproto: bad magic")
	ErrWrongType     = errors.New("binproto: wrong frame type")
	ErrTooShort      = errors.New("binproto: frame too short")
	ErrLengthMismatch = errors.New("binproto: declared length does not match frame")
	ErrCRCMismatch   = errors.New("binproto: CRC32 mismatch")
	ErrFileTooLarge  = errors.New("binproto: file size exceeds limit")
	ErrFilenameTooLong = errors.New("binproto: filename exceeds limit")
	ErrChunkSize     = errors.New("binproto: chunk size out of range")
	ErrInvalidUTF8   = errors.New("binproto: filename is not valid UTF-8")
	ErrBadFileID     = errors.New("binproto: file_id must be 16 bytes")
	ErrUnsupportedCompression = errors.New("binproto: unsupported compression flag")
)

// FileID is the 16-byte wire identifier for an in-flight file transfer.
type FileID [16]byte

// MetaFrame is the decoded form of a 0x01 frame.
type MetaFrame struct {
	FileID      FileID
	Size        uint64
	Compression Compression
	Filename    string
}

// ChunkFrame is the decoded form of a 0x02 frame.
type ChunkFrame struct {
	FileID     FileID
	ChunkIndex uint32
	Data       []byte
}

// EncodeMeta builds the payload (without the outer frame-length prefix;
// see internal/frame.Write) for a file_meta frame.
func EncodeMeta(id FileID, filename string, size uint64, compression Compression) ([]byte, error) {
	if size > MaxFileSize {
		return nil, fmt.Errorf("%w: %d", ErrFileTooLarge, size)
	}
	nameBytes := []byte(filename)
	if len(nameBytes) > MaxFilename {
		return nil, fmt.Errorf("%w: %d bytes", ErrFilenameTooLong, len(nameBytes))
	}

	body := make([]byte, 0, 1+16+8+1+2+len(nameBytes))
	body = append(body, byte(FrameTypeFileMeta))
	body = append(body, id[:]...)
	body = binary.BigEndian.AppendUint64(body, size)
	body = append(body, byte(compression))
	body = binary.BigEndian.AppendUint16(body, uint16(len(nameBytes)))
	body = append(body, nameBytes...)

	crc := crc32.ChecksumIEEE(body)
	frame := make([]byte, 0, 3+len(body)+4)
	frame = append(frame, magic[:]...)
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint32(frame, crc)
	return frame, nil
}

// DecodeMeta parses and validates a file_meta frame payload (the bytes
// between the outer length prefix and the next frame boundary).
func DecodeMeta(data []byte) (MetaFrame, error) {
	// magic(3) type(1) file_id(16) size(8) compression(1) filename_len(2) crc(4) = 35
	const headerLen = 3 + 1 + 16 + 8 + 1 + 2
	if len(data) < headerLen+4 {
		return MetaFrame{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(data))
	}
	if !bytes.Equal(data[:3], magic[:]) {
		return MetaFrame{}, fmt.Errorf("%w: %x", ErrBadMagic, data[:3])
	}
	if FrameType(data[3]) != FrameTypeFileMeta {
		return MetaFrame{}, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrWrongType, data[3], FrameTypeFileMeta)
	}

	var id FileID
	copy(id[:], data[4:20])
	size := binary.BigEndian.Uint64(data[20:28])
	compression := Compression(data[28])
	filenameLen := int(binary.BigEndian.Uint16(data[29:31]))

	if size > MaxFileSize {
		return MetaFrame{}, fmt.Errorf("%w: %d", ErrFileTooLarge, size)
	}
	if filenameLen > MaxFilename {
		return MetaFrame{}, fmt.Errorf("%w: %d bytes", ErrFilenameTooLong, filenameLen)
	}

	expected := headerLen + filenameLen + 4
	if len(data) != expected {
		return MetaFrame{}, fmt.Errorf("%w: got %d bytes, want %d", ErrLengthMismatch, len(data), expected)
	}

	nameBytes := data[headerLen : headerLen+filenameLen]
	gotCRC := binary.BigEndian.Uint32(data[headerLen+filenameLen:])
	wantCRC := crc32.ChecksumIEEE(data[3 : headerLen+filenameLen])
	if gotCRC != wantCRC {
		return MetaFrame{}, fmt.Errorf("%w: got %08x, want %08x", ErrCRCMismatch, gotCRC, wantCRC)
	}

	if !utf8.Valid(nameBytes) {
		return MetaFrame{}, ErrInvalidUTF8
	}

	return MetaFrame{
		FileID:      id,
		Size:        size,
		Compression: compression,
		Filename:    string(nameBytes),
	}, nil
}

// EncodeChunk builds the payload for a file_chunk frame. final must be
// true only for the last chunk of a file, which relaxes the MinChunk
// floor (see spec §9 Open Questions: the sender's final read() from a
// file whose size is not a multiple of the chunk size is legitimately
// shorter than MinChunk, and rejecting it would be a bug).
func EncodeChunk(id FileID, index uint32, data []byte, final bool) ([]byte, error) {
	if len(data) > MaxChunk || (!final && len(data) < MinChunk) {
		return nil, fmt.Errorf("%w: %d bytes (final=%v)", ErrChunkSize, len(data), final)
	}

	body := make([]byte, 0, 1+16+4+4+len(data))
	body = append(body, byte(FrameTypeFileChunk))
	body = append(body, id[:]...)
	body = binary.BigEndian.AppendUint32(body, index)
	body = binary.BigEndian.AppendUint32(body, uint32(len(data)))
	body = append(body, data...)

	crc := crc32.ChecksumIEEE(data)
	frame := make([]byte, 0, 3+len(body)+4)
	frame = append(frame, magic[:]...)
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint32(frame, crc)
	return frame, nil
}

// DecodeChunk parses and validates a file_chunk frame payload.
func DecodeChunk(data []byte) (ChunkFrame, error) {
	// magic(3) type(1) file_id(16) index(4) size(4) crc(4) = 32
	const headerLen = 3 + 1 + 16 + 4 + 4
	if len(data) < headerLen+4 {
		return ChunkFrame{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(data))
	}
	if !bytes.Equal(data[:3], magic[:]) {
		return ChunkFrame{}, fmt.Errorf("%w: %x", ErrBadMagic, data[:3])
	}
	if FrameType(data[3]) != FrameTypeFileChunk {
		return ChunkFrame{}, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrWrongType, data[3], FrameTypeFileChunk)
	}

	var id FileID
	copy(id[:], data[4:20])
	index := binary.BigEndian.Uint32(data[20:24])
	size := binary.BigEndian.Uint32(data[24:28])

	if size > MaxChunk {
		return ChunkFrame{}, fmt.Errorf("%w: %d", ErrChunkSize, size)
	}

	expected := headerLen + int(size) + 4
	if len(data) != expected {
		return ChunkFrame{}, fmt.Errorf("%w: got %d bytes, want %d", ErrLengthMismatch, len(data), expected)
	}

	chunkData := data[headerLen : headerLen+int(size)]
	gotCRC := binary.BigEndian.Uint32(data[headerLen+int(size):])
	wantCRC := crc32.ChecksumIEEE(chunkData)
	if gotCRC != wantCRC {
		return ChunkFrame{}, fmt.Errorf("%w: got %08x, want %08x", ErrCRCMismatch, gotCRC, wantCRC)
	}

	// Copy out of the shared read buffer; callers may reuse it.
	out := make([]byte, len(chunkData))
	copy(out, chunkData)

	return ChunkFrame{FileID: id, ChunkIndex: index, Data: out}, nil
}

// Decompress reverses whatever compression a meta frame declared on a
// chunk's data. The encoder in this package never produces anything but
// CompressionNone, but a receiver interoperating with a peer that does
// compress (flag 1 or 2) unwraps it here rather than rejecting it
// outright, which "MAY reject" in spec §4.3 permits but does not require.
func Decompress(compression Compression, data []byte) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		var buf bytes.Buffer
		zr := lz4.NewReader(bytes.NewReader(data))
		if _, err := io.Copy(&buf, zr); err != nil {
			return nil, fmt.Errorf("binproto: lz4 decompress: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("binproto: gzip decompress: %w", err)
		}
		defer zr.Close()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, zr); err != nil {
			return nil, fmt.Errorf("binproto: gzip decompress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCompression, compression)
	}
}
