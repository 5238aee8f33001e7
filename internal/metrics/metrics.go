// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package metrics holds the process-wide Prometheus collectors shared by
// internal/discovery and internal/manager. Collecting
// them centrally avoids duplicate-registration panics when more than one
// package instantiates a counter with the same name.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DiscoveryBroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanline",
		Subsystem: "discovery",
		Name:      "broadcasts_sent_total",
	})

	DiscoveryAnnouncementsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanline",
		Subsystem: "discovery",
		Name:      "announcements_received_total",
	}, []string{"result"})

	PeerConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanline",
		Subsystem: "peer",
		Name:      "connections_total",
	}, []string{"direction", "result"})

	PeerConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanline",
		Subsystem: "peer",
		Name:      "connections_active",
	})

	EnvelopesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanline",
		Subsystem: "manager",
		Name:      "envelopes_received_total",
	}, []string{"type"})

	FileTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanline",
		Subsystem: "manager",
		Name:      "file_transfers_total",
	}, []string{"direction", "result"})

	GroupRelayDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanline",
		Subsystem: "manager",
		Name:      "group_relay_loop_dropped_total",
	})

	GroupMasterElectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanline",
		Subsystem: "manager",
		Name:      "group_master_elections_total",
	})
)

func init() {
	DiscoveryAnnouncementsReceived.WithLabelValues("accepted")
	DiscoveryAnnouncementsReceived.WithLabelValues("malformed")
	PeerConnectionsTotal.WithLabelValues("inbound", "ok")
	PeerConnectionsTotal.WithLabelValues("inbound", "error")
	PeerConnectionsTotal.WithLabelValues("outbound", "ok")
	PeerConnectionsTotal.WithLabelValues("outbound", "error")
	FileTransfersTotal.WithLabelValues("send", "ok")
	FileTransfersTotal.WithLabelValues("send", "error")
	FileTransfersTotal.WithLabelValues("receive", "ok")
	FileTransfersTotal.WithLabelValues("receive", "error")
}
