// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package filetransfer

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanline/core/internal/binproto"
)

func idFor(t *testing.T) binproto.FileID {
	t.Helper()
	var id binproto.FileID
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

// TestSendSmallFile covers spec §8 scenario 2: a short file padded so its
// one chunk clears MinChunk, sent as a single meta + single final chunk.
func TestSendSmallFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.bin")
	payload := append([]byte("HELLO"), make([]byte, binproto.MinChunk-5)...)
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	s := NewSender(path)
	var frames [][]byte
	require.NoError(t, s.Send(func(f Frame) error {
		frames = append(frames, f.Payload)
		return nil
	}))
	require.Len(t, frames, 2)

	meta, err := binproto.DecodeMeta(frames[0])
	require.NoError(t, err)
	assert.Equal(t, s.FileID(), meta.FileID)
	assert.EqualValues(t, len(payload), meta.Size)

	chunk, err := binproto.DecodeChunk(frames[1])
	require.NoError(t, err)
	assert.EqualValues(t, 0, chunk.ChunkIndex)
	assert.Equal(t, payload, chunk.Data)
}

// TestSendChunkedFile covers spec §8 scenario 3: a 1,500,000-byte file at
// 512 KiB chunks produces one meta frame and three chunks of
// 524288/524288/451424 bytes, the last marked final.
func TestSendChunkedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	payload := make([]byte, 1_500_000)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	s := NewSender(path)
	var chunks []binproto.ChunkFrame
	require.NoError(t, s.Send(func(f Frame) error {
		if f.Payload[3] == byte(binproto.FrameTypeFileChunk) {
			c, err := binproto.DecodeChunk(f.Payload)
			require.NoError(t, err)
			chunks = append(chunks, c)
		}
		return nil
	}))

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Data, ChunkSize)
	assert.Len(t, chunks[1].Data, ChunkSize)
	assert.Len(t, chunks[2].Data, 1_500_000-2*ChunkSize)
	assert.EqualValues(t, 0, chunks[0].ChunkIndex)
	assert.EqualValues(t, 1, chunks[1].ChunkIndex)
	assert.EqualValues(t, 2, chunks[2].ChunkIndex)
}

func TestReceiverWritesInOrderAndDetectsCompletion(t *testing.T) {
	dir := t.TempDir()
	id := idFor(t)
	r, err := NewReceiver(dir, id, "greeting.txt", 10, binproto.CompressionNone)
	require.NoError(t, err)

	done, err := r.WriteChunk([]byte("hello"))
	require.NoError(t, err)
	assert.False(t, done)

	done, err = r.WriteChunk([]byte("world"))
	require.NoError(t, err)
	assert.True(t, done)

	path, err := r.Close()
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(got))
}

func TestSanitizeFilenameNoSeparators(t *testing.T) {
	got := SanitizeFilename("../../etc/passwd")
	assert.NotContains(t, got, "/")
	assert.NotContains(t, got, "..")
}

func TestSanitizeFilenameEmptyBecomesFallback(t *testing.T) {
	assert.Equal(t, fallbackFilename, SanitizeFilename(""))
	assert.Equal(t, fallbackFilename, SanitizeFilename("."))
	assert.Equal(t, fallbackFilename, SanitizeFilename(".."))
}

func TestSanitizeFilenameStripsControlChars(t *testing.T) {
	got := SanitizeFilename("bad\x00name\x01.txt")
	assert.Equal(t, "badname.txt", got)
}

func TestSanitizeFilenameClampsPreservingExtension(t *testing.T) {
	long := ""
	for i := 0; i < 300; i++ {
		long += "a"
	}
	got := SanitizeFilename(long + ".txt")
	assert.LessOrEqual(t, len(got), maxSanitizedLen)
	assert.Equal(t, ".txt", got[len(got)-4:])
}

// TestReceiverDecompressesGzipChunks covers an interoperating peer that
// declares gzip compression on its meta frame (this core's own Sender
// never does; see binproto.Decompress).
func TestReceiverDecompressesGzipChunks(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("hello compressed world"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	dir := t.TempDir()
	id := idFor(t)
	r, err := NewReceiver(dir, id, "compressed.txt", 22, binproto.CompressionGzip)
	require.NoError(t, err)

	done, err := r.WriteChunk(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, done)

	path, err := r.Close()
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello compressed world", string(got))
}

func TestReceiverUnknownFileIDIsCallerResponsibility(t *testing.T) {
	// The connection manager, not Receiver, owns the file_id -> Receiver
	// table and is responsible for dropping chunks with no matching
	// session; Receiver itself has no notion of "unknown".
	dir := t.TempDir()
	id := idFor(t)
	r, err := NewReceiver(dir, id, "f.bin", 5, binproto.CompressionNone)
	require.NoError(t, err)
	_, err = r.Close()
	require.NoError(t, err)
}
