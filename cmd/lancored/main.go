// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command lancored is the serverless LAN messaging and file-transfer
// daemon: it wires together discovery, the connection manager, and
// on-disk state into one long-running process (spec §1, §3).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"
	_ "go.uber.org/automaxprocs"

	"github.com/lanline/core/internal/config"
	"github.com/lanline/core/internal/discovery"
	"github.com/lanline/core/internal/identity"
	"github.com/lanline/core/internal/logutil"
	"github.com/lanline/core/internal/manager"
	"github.com/lanline/core/internal/store"
)

var log = logutil.New("main")

type cli struct {
	Config             string `help:"Path to a YAML config file." default:"${defaultConfig}"`
	StateDir           string `help:"Directory for identity, group, and message state."`
	TCPPort            int    `help:"TCP port the connection manager listens on."`
	DiscoveryPort      int    `help:"UDP discovery port recorded in the config; discovery itself always uses port 50000."`
	DiscoveryInterface string `help:"Restrict discovery broadcasts to this network interface."`
	MetricsAddr        string `help:"Address to serve Prometheus metrics on, e.g. :9100. Empty disables it."`
}

func main() {
	defaultConfigPath := defaultConfigPath()

	var params cli
	kong.Parse(&params, kong.Vars{"defaultConfig": defaultConfigPath})

	cfg, err := config.Load(params.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lancored:", err)
		os.Exit(1)
	}
	cfg = config.ApplyOverrides(cfg, params.StateDir, params.TCPPort, params.DiscoveryPort, params.DiscoveryInterface, params.MetricsAddr)
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "lancored:", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	self, err := identity.Load(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.Infof("device_id=%s device_name=%s platform=%s", self.DeviceID, self.DeviceName, self.Platform)

	dataDir := filepath.Join(cfg.StateDir, "data")
	st, err := store.NewFileStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	cb := logCallbacks{}
	mgr, err := manager.New(self, st, cb, dataDir)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	sup := suture.NewSimple("lancored")
	sup.Add(managerService{mgr: mgr, addr: fmt.Sprintf(":%d", cfg.TCPPort)})
	sup.Add(discoveryService{cb: cb, self: self, cfg: cfg})
	if cfg.MetricsAddr != "" {
		sup.Add(metricsService{addr: cfg.MetricsAddr})
	}

	return sup.Serve(context.Background())
}

// managerService adapts Manager.Serve to suture's Service interface
// (Serve(ctx) error), the teacher's convention for long-running
// components in a supervision tree.
type managerService struct {
	mgr  *manager.Manager
	addr string
}

func (s managerService) Serve(ctx context.Context) error {
	return s.mgr.Serve(ctx, s.addr)
}

// discoveryService surfaces each UDP sighting to Callbacks.OnDeviceDiscovered
// rather than dialing it itself: per spec §2's data flow, discovery only
// reports device tuples, and dialing is the caller's decision.
type discoveryService struct {
	cb   manager.Callbacks
	self identity.Identity
	cfg  config.Config
}

func (s discoveryService) Serve(ctx context.Context) error {
	svc := &discovery.Service{
		BroadcastIface: s.cfg.DiscoveryInterface,
		Announce: func() discovery.Announcement {
			return discovery.Announcement{
				DeviceID:   s.self.DeviceID,
				DeviceName: s.self.DeviceName,
				Platform:   s.self.Platform,
				ListenPort: s.cfg.TCPPort,
				Timestamp:  identity.NowUnix(),
			}
		},
		OnSighting: func(sighting discovery.Sighting) {
			if sighting.Announcement.DeviceID == s.self.DeviceID {
				return
			}
			addr := fmt.Sprintf("%s:%d", sighting.Addr.IP.String(), sighting.Announcement.ListenPort)
			s.cb.OnDeviceDiscovered(sighting.Announcement.DeviceID, sighting.Announcement.DeviceName, addr)
		},
	}
	return svc.Run(ctx)
}

type metricsService struct {
	addr string
}

func (s metricsService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// logCallbacks is the default manager.Callbacks implementation: it just
// logs. A future interactive frontend can supply a richer one.
type logCallbacks struct{}

func (logCallbacks) OnText(peerID, text string) {
	log.Infof("message from %s: %s", peerID, text)
}

func (logCallbacks) OnFileReceived(peerID, path string) {
	log.Infof("file from %s saved to %s", peerID, path)
}

func (logCallbacks) OnGroupMessage(fromID, groupID, text string) {
	log.Infof("group %s message from %s: %s", groupID, fromID, text)
}

func (logCallbacks) OnGroupInvite(groupID, name, masterID, inviterID string) {
	log.Infof("invited to group %q (%s) by %s, master %s", name, groupID, inviterID, masterID)
}

func (logCallbacks) OnGroupNotice(notice string) {
	log.Infof("group notice: %s", notice)
}

func (logCallbacks) OnPeerConnected(peerID, deviceName string) {
	log.Infof("peer connected: %s (%s)", peerID, deviceName)
}

func (logCallbacks) OnPeerDisconnected(peerID string) {
	log.Infof("peer disconnected: %s", peerID)
}

func (logCallbacks) OnDeviceDiscovered(deviceID, deviceName, addr string) {
	log.Infof("device discovered: %s (%s) at %s", deviceID, deviceName, addr)
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lancored"
	}
	return filepath.Join(home, ".config", "lancored")
}

func defaultConfigPath() string {
	return filepath.Join(defaultStateDir(), "config.yaml")
}
