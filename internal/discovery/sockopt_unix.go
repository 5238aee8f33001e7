// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build unix

package discovery

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setReusePort sets SO_REUSEADDR (not SO_REUSEPORT) on
// the discovery listen socket so a second lancored instance started on
// the same host during development, or a quick restart, doesn't fail to
// bind with "address already in use".
func setReusePort(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
