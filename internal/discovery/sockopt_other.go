// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build !unix

package discovery

import "syscall"

// setReusePort is a no-op on non-Unix platforms; golang.org/x/sys/unix
// has no Windows equivalent worth the build complexity here.
func setReusePort(network, address string, c syscall.RawConn) error {
	return nil
}
