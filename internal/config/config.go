// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config loads lancored's on-disk YAML configuration and merges
// it with CLI overrides supplied by cmd/lancored's kong flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// Config is the full set of tunables for one lancored instance.
type Config struct {
	// StateDir holds identity.json and the data store; defaults to
	// ~/.config/lancored if unset.
	StateDir string `json:"state_dir"`
	// TCPPort is the port the connection manager listens on for peer
	// connections (spec §4.1).
	TCPPort int `json:"tcp_port"`
	// DiscoveryPort is loaded, saved and overridable like the other
	// fields and defaults to discovery.Port, but internal/discovery does
	// not read it: broadcasts and the listener always use discovery.Port.
	DiscoveryPort int `json:"discovery_port"`
	// DiscoveryInterface restricts broadcast to a single network
	// interface name; empty means "broadcast on every interface".
	DiscoveryInterface string `json:"discovery_interface"`
	// MetricsAddr, if non-empty, serves Prometheus metrics at /metrics
	// on this address.
	MetricsAddr string `json:"metrics_addr"`
}

// Default returns the zero-config starting point before a file or CLI
// flags are applied.
func Default() Config {
	return Config{
		TCPPort:       60000,
		DiscoveryPort: 50000,
	}
}

// Load reads and parses a YAML config file at path. A missing file is
// not an error: Default() is returned unchanged so a first run works
// without any configuration present.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as
// needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir for %q: %w", path, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}

// ApplyOverrides merges non-zero CLI-supplied fields onto cfg, giving
// flags priority over the file (the conventional precedence order for
// a kong-driven binary: defaults < file < flags).
func ApplyOverrides(cfg Config, stateDir string, tcpPort, discoveryPort int, discoveryIface, metricsAddr string) Config {
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if tcpPort != 0 {
		cfg.TCPPort = tcpPort
	}
	if discoveryPort != 0 {
		cfg.DiscoveryPort = discoveryPort
	}
	if discoveryIface != "" {
		cfg.DiscoveryInterface = discoveryIface
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	return cfg
}
