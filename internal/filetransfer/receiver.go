// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package filetransfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/lanline/core/internal/binproto"
)

// ReceivedDir is the directory completed transfers are written under,
// relative to the configured storage root.
const ReceivedDir = "received"

// fallbackFilename is substituted when sanitization leaves nothing usable.
const fallbackFilename = "unnamed_file"

// maxSanitizedLen clamps the sanitized filename to 255 bytes, preserving
// the extension where possible.
const maxSanitizedLen = 255

// Receiver accumulates one in-flight file transfer, keyed by file_id on
// the connection manager's receiver-session table. Chunks are written to
// disk in arrival order; there is no reordering (spec §4.5).
type Receiver struct {
	FileID      binproto.FileID
	TotalSize   uint64
	Written     uint64
	Compression binproto.Compression
	path        string
	file        *os.File
}

// NewReceiver sanitizes filename, ensures the output directory exists,
// and opens the destination file for writing, overwriting any existing
// file at that path (spec §4.5's unspecified collision policy: this
// core does not uniquify). compression is the scheme the meta frame
// declared for every subsequent chunk's data (see WriteChunk).
func NewReceiver(storageDir string, id binproto.FileID, filename string, totalSize uint64, compression binproto.Compression) (*Receiver, error) {
	safe := SanitizeFilename(filename)
	dir := filepath.Join(storageDir, ReceivedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filetransfer: create %q: %w", dir, err)
	}
	path := filepath.Join(dir, safe)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("filetransfer: open %q: %w", path, err)
	}
	return &Receiver{FileID: id, TotalSize: totalSize, Compression: compression, path: path, file: f}, nil
}

// WriteChunk decompresses data per the meta frame's declared compression
// (a no-op for CompressionNone, which is all this core's own Sender ever
// produces) and appends the result to the output file in arrival order,
// reporting whether the transfer is now complete.
func (r *Receiver) WriteChunk(data []byte) (done bool, err error) {
	data, err = binproto.Decompress(r.Compression, data)
	if err != nil {
		return false, fmt.Errorf("filetransfer: decompress chunk: %w", err)
	}
	n, err := r.file.Write(data)
	r.Written += uint64(n)
	if err != nil {
		return false, fmt.Errorf("filetransfer: write %q: %w", r.path, err)
	}
	return r.Written >= r.TotalSize, nil
}

// Close releases the output file handle and returns the final path.
func (r *Receiver) Close() (string, error) {
	if err := r.file.Close(); err != nil {
		return r.path, fmt.Errorf("filetransfer: close %q: %w", r.path, err)
	}
	return r.path, nil
}

// Abort closes (and does not delete) a receiver session left incomplete
// by a mid-transfer disconnect (spec §4.7 Failure semantics: the file is
// truncated on disk, not cleaned up).
func (r *Receiver) Abort() {
	r.file.Close()
}

// SanitizeFilename strips directory components and control characters,
// NFC-normalizes the remainder (a supplement over the Python original's
// bare os.path.basename, see SPEC_FULL.md §4.6), clamps to
// maxSanitizedLen bytes while preserving the extension, and substitutes
// fallbackFilename if nothing usable remains.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	name = filepath.Base(name)
	if name == "/" || name == "\\" {
		name = ""
	}

	var b strings.Builder
	for _, r := range name {
		if r == 0 {
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	name = b.String()

	if name == "" || name == "." || name == ".." {
		return fallbackFilename
	}

	if len(name) > maxSanitizedLen {
		ext := filepath.Ext(name)
		if len(ext) < maxSanitizedLen {
			base := name[:len(name)-len(ext)]
			keep := maxSanitizedLen - len(ext)
			if keep > len(base) {
				keep = len(base)
			}
			name = base[:keep] + ext
		} else {
			name = name[:maxSanitizedLen]
		}
	}

	if name == "" || name == "." || name == ".." {
		return fallbackFilename
	}
	return name
}
