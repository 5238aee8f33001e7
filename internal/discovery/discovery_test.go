// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discovery

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnouncementRoundTrip(t *testing.T) {
	ann := Announcement{
		DeviceID:   "dev-a",
		DeviceName: "laptop",
		Platform:   "linux/amd64",
		ListenPort: 9000,
		Timestamp:  1234,
	}
	data, err := json.Marshal(ann)
	require.NoError(t, err)

	var got Announcement
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ann, got)
}

func TestDirectedBroadcastComputation(t *testing.T) {
	_, ipnet, err := net.ParseCIDR("192.168.1.42/24")
	require.NoError(t, err)
	bc := directedBroadcast(ipnet)
	assert.Equal(t, net.IPv4(192, 168, 1, 255).To4(), bc.To4())
}

func TestBroadcastAddrsFallsBackWhenNoInterfaceMatches(t *testing.T) {
	dsts := broadcastAddrs("no-such-interface-xyz")
	require.Len(t, dsts, 1)
	assert.Equal(t, net.IP{0xff, 0xff, 0xff, 0xff}, dsts[0])
}

// TestAnnouncementSurvivesUDPDatagram sends an encoded Announcement over
// a loopback UDP socket and decodes it the way the listener does; it does
// not start Service itself, whose listener binds the fixed Port.
func TestAnnouncementSurvivesUDPDatagram(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	addr := conn.LocalAddr().(*net.UDPAddr)

	received := make(chan Sighting, 1)
	go func() {
		buf := make([]byte, 65536)
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var ann Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			return
		}
		received <- Sighting{Announcement: ann, Addr: from}
	}()

	sender, err := net.DialUDP("udp4", nil, addr)
	require.NoError(t, err)
	defer sender.Close()

	ann := Announcement{DeviceID: "dev-b", DeviceName: "phone", Platform: "android", ListenPort: 9001, Timestamp: 42}
	data, err := json.Marshal(ann)
	require.NoError(t, err)
	_, err = sender.Write(data)
	require.NoError(t, err)

	sighting := <-received
	assert.Equal(t, ann, sighting.Announcement)
}
