// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package identity manages this device's persistent identity: a randomly
// generated device_id, its human-readable name, and a detected platform
// string, all loaded once at startup and reused on every outbound
// envelope (spec §3, §6).
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

// stateFile is the name of the persisted identity file under the
// configured state directory.
const stateFile = "identity.json"

// Identity is this device's self-description, attached to every
// outbound envelope's device_id/device_name/platform fields.
type Identity struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
}

// Load reads the persisted identity from stateDir, generating and
// persisting a new one on first run. A gofrs/flock file lock guards the
// read-modify-write against a second process starting against the same
// state directory concurrently.
func Load(stateDir string) (Identity, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return Identity{}, fmt.Errorf("identity: create state dir %q: %w", stateDir, err)
	}

	path := filepath.Join(stateDir, stateFile)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return Identity{}, fmt.Errorf("identity: lock %q: %w", path, err)
	}
	defer lock.Unlock()

	if data, err := os.ReadFile(path); err == nil {
		var id Identity
		if jsonErr := json.Unmarshal(data, &id); jsonErr != nil {
			return Identity{}, fmt.Errorf("identity: parse %q: %w", path, jsonErr)
		}
		return id, nil
	} else if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("identity: read %q: %w", path, err)
	}

	id := Identity{
		DeviceID:   uuid.NewString(),
		DeviceName: detectHostname(),
		Platform:   detectPlatform(),
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return Identity{}, fmt.Errorf("identity: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Identity{}, fmt.Errorf("identity: write %q: %w", path, err)
	}
	return id, nil
}

// detectHostname asks gopsutil for the machine's host name, falling back
// to os.Hostname and finally a fixed placeholder if both fail (a bare
// device should still be usable without a name).
func detectHostname() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "unknown-device"
}

// detectPlatform returns a short OS/arch descriptor, e.g. "linux/amd64",
// using gopsutil's host info for the OS and kernel arch fields where
// available.
func detectPlatform() string {
	info, err := host.Info()
	if err != nil || info.OS == "" {
		return "unknown"
	}
	if info.KernelArch != "" {
		return info.OS + "/" + info.KernelArch
	}
	return info.OS
}

// NowUnix returns the current time as a Unix timestamp, the format
// spec §6 uses for every envelope's "timestamp" field.
func NowUnix() int64 {
	return time.Now().Unix()
}
