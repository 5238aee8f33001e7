// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []byte("hello")))
	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestReadZeroLengthFrameIsSkippable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil))
	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadOversizeFrameIsFatal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, make([]byte, 0)))
	// Overwrite the length prefix with a value over MaxPayload.
	b := buf.Bytes()
	b[0], b[1], b[2], b[3] = 0xFF, 0xFF, 0xFF, 0xFF
	_, err := Read(bytes.NewReader(b))
	require.ErrorIs(t, err, ErrOversizeFrame)
}

func TestReadCleanCloseBetweenFrames(t *testing.T) {
	_, err := Read(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrClosed)
}

func TestReadTruncatedMidPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []byte("hello world")))
	truncated := buf.Bytes()[:7] // length prefix + 3 bytes of payload
	_, err := Read(bytes.NewReader(truncated))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestExactReadNoMoreNoLess(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []byte("first")))
	require.NoError(t, Write(&buf, []byte("second")))
	first, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), first)
	second, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), second)
}
