// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanline/core/internal/identity"
	"github.com/lanline/core/internal/store"
)

type groupInvite struct {
	groupID, name, masterID, inviterID string
}

type recordingCallbacks struct {
	texts   chan [2]string
	peers   chan string
	invites chan groupInvite
	notices chan string
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{
		texts:   make(chan [2]string, 16),
		peers:   make(chan string, 16),
		invites: make(chan groupInvite, 16),
		notices: make(chan string, 16),
	}
}

func (c *recordingCallbacks) OnText(peerID, text string)                 { c.texts <- [2]string{peerID, text} }
func (c *recordingCallbacks) OnFileReceived(peerID, path string)         {}
func (c *recordingCallbacks) OnGroupMessage(fromID, groupID, text string) {}
func (c *recordingCallbacks) OnGroupInvite(groupID, name, masterID, inviterID string) {
	c.invites <- groupInvite{groupID, name, masterID, inviterID}
}
func (c *recordingCallbacks) OnGroupNotice(notice string)               { c.notices <- notice }
func (c *recordingCallbacks) OnPeerConnected(peerID, deviceName string) { c.peers <- peerID }
func (c *recordingCallbacks) OnPeerDisconnected(peerID string)          {}
func (c *recordingCallbacks) OnDeviceDiscovered(deviceID, deviceName, addr string) {}

func newTestManager(t *testing.T, deviceID string) (*Manager, *recordingCallbacks, string) {
	t.Helper()
	dataDir := t.TempDir()
	st, err := store.NewFileStore(filepath.Join(dataDir, "store"))
	require.NoError(t, err)
	cb := newRecordingCallbacks()
	m, err := New(identity.Identity{DeviceID: deviceID, DeviceName: deviceID, Platform: "linux"}, st, cb, filepath.Join(dataDir, "files"))
	require.NoError(t, err)
	return m, cb, dataDir
}

// serveEphemeral starts Manager.Serve on an OS-assigned loopback port in
// the background and returns the bound address once available.
func serveEphemeral(t *testing.T, ctx context.Context, m *Manager) string {
	t.Helper()
	go func() {
		_ = m.Serve(ctx, "127.0.0.1:0")
	}()
	require.Eventually(t, func() bool {
		return m.Addr() != ""
	}, 2*time.Second, 5*time.Millisecond)
	return m.Addr()
}

func TestHandshakeRegistersPeerAndCallsBack(t *testing.T) {
	server, serverCB, _ := newTestManager(t, "dev-server")
	client, _, _ := newTestManager(t, "dev-client")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := serveEphemeral(t, ctx, server)
	require.NoError(t, client.ConnectTo(addr))

	select {
	case peerID := <-serverCB.peers:
		assert.Equal(t, "dev-client", peerID)
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed inbound handshake")
	}

	_, ok := server.peers.Load("dev-client")
	assert.True(t, ok)
}

func TestSendTextDeliversAndPersists(t *testing.T) {
	server, serverCB, _ := newTestManager(t, "dev-server")
	client, _, _ := newTestManager(t, "dev-client")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr := serveEphemeral(t, ctx, server)
	require.NoError(t, client.ConnectTo(addr))
	<-serverCB.peers

	require.Eventually(t, func() bool {
		_, ok := client.peers.Load("dev-server")
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.SendText("dev-server", "hello there"))

	select {
	case got := <-serverCB.texts:
		assert.Equal(t, "dev-client", got[0])
		assert.Equal(t, "hello there", got[1])
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the text message")
	}

	msgs, err := client.store.ReadDirect("dev-server", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello there", msgs[0].Text)
}

// TestGroupInviteJoinAndRelay covers the full spec §4.7 group protocol:
// creation with only self as a member, single-hop invites to connected
// peers, invitee accept via RespondToInvite producing group_join, the
// master's add-member/group_join_ack/re-broadcast response, and finally
// master-relayed group_message delivery to every converged member.
func TestGroupInviteJoinAndRelay(t *testing.T) {
	a, _, _ := newTestManager(t, "dev-a")
	b, bCB, _ := newTestManager(t, "dev-b")
	c, cCB, _ := newTestManager(t, "dev-c")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrA := serveEphemeral(t, ctx, a)
	serveEphemeral(t, ctx, b)
	serveEphemeral(t, ctx, c)

	require.NoError(t, b.ConnectTo(addrA))
	require.NoError(t, c.ConnectTo(addrA))

	require.Eventually(t, func() bool {
		_, okB := a.peers.Load("dev-b")
		_, okC := a.peers.Load("dev-c")
		return okB && okC
	}, 2*time.Second, 10*time.Millisecond)

	groupID, err := a.CreateGroup("friends", []string{"dev-b", "dev-c"})
	require.NoError(t, err)

	// Group creation alone must not have added b/c as members yet.
	ga, ok := a.store.GetGroup(groupID)
	require.True(t, ok)
	assert.Equal(t, []string{"dev-a"}, ga.Members)

	var invB, invC groupInvite
	select {
	case invB = <-bCB.invites:
	case <-time.After(2 * time.Second):
		t.Fatal("dev-b never received group_invite")
	}
	select {
	case invC = <-cCB.invites:
	case <-time.After(2 * time.Second):
		t.Fatal("dev-c never received group_invite")
	}
	assert.Equal(t, groupID, invB.groupID)
	assert.Equal(t, "dev-a", invB.masterID)

	require.NoError(t, b.RespondToInvite(invB.groupID, invB.name, invB.masterID, true))
	require.NoError(t, c.RespondToInvite(invC.groupID, invC.name, invC.masterID, true))

	require.Eventually(t, func() bool {
		g, ok := a.store.GetGroup(groupID)
		return ok && len(g.Members) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		gb, okB := b.store.GetGroup(groupID)
		gc, okC := c.store.GetGroup(groupID)
		return okB && okC &&
			gb.MasterID == "dev-a" && gc.MasterID == "dev-a" &&
			len(gb.Members) == 3 && len(gc.Members) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.SendGroupMessage(groupID, "hi group"))

	require.Eventually(t, func() bool {
		msgsB, _ := b.store.ReadGroup(groupID, 0)
		msgsC, _ := c.store.ReadGroup(groupID, 0)
		return len(msgsB) == 1 && len(msgsC) == 1 &&
			msgsB[0].Text == "hi group" && msgsC[0].Text == "hi group"
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-bCB.texts:
		t.Fatal("group message must not be delivered through the direct-text callback")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestGroupInviteRejectSurfacesNotice covers the invite flow's rejection
// path: the invitee sends group_join_reject and the master surfaces it
// via OnGroupNotice rather than adding the invitee to members.
func TestGroupInviteRejectSurfacesNotice(t *testing.T) {
	a, aCB, _ := newTestManager(t, "dev-a")
	b, bCB, _ := newTestManager(t, "dev-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrA := serveEphemeral(t, ctx, a)
	serveEphemeral(t, ctx, b)
	require.NoError(t, b.ConnectTo(addrA))

	require.Eventually(t, func() bool {
		_, ok := a.peers.Load("dev-b")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	groupID, err := a.CreateGroup("friends", []string{"dev-b"})
	require.NoError(t, err)

	var inv groupInvite
	select {
	case inv = <-bCB.invites:
	case <-time.After(2 * time.Second):
		t.Fatal("dev-b never received group_invite")
	}

	require.NoError(t, b.RespondToInvite(inv.groupID, inv.name, inv.masterID, false))

	select {
	case notice := <-aCB.notices:
		assert.Contains(t, notice, "dev-b")
	case <-time.After(2 * time.Second):
		t.Fatal("dev-a never received the rejection notice")
	}

	g, ok := a.store.GetGroup(groupID)
	require.True(t, ok)
	assert.Equal(t, []string{"dev-a"}, g.Members)
}

func TestFileTransferEndToEnd(t *testing.T) {
	server, _, serverDataDir := newTestManager(t, "dev-server")
	client, _, _ := newTestManager(t, "dev-client")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr := serveEphemeral(t, ctx, server)
	require.NoError(t, client.ConnectTo(addr))

	require.Eventually(t, func() bool {
		_, ok := client.peers.Load("dev-server")
		return ok
	}, time.Second, 10*time.Millisecond)

	srcDir := t.TempDir()
	path := filepath.Join(srcDir, "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("a short file"), 0o644))

	require.NoError(t, client.SendFile("dev-server", path))

	var receivedPath string
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(serverDataDir, "files", "received"))
		if err != nil || len(entries) == 0 {
			return false
		}
		receivedPath = filepath.Join(serverDataDir, "files", "received", entries[0].Name())
		return true
	}, 2*time.Second, 10*time.Millisecond)

	got, err := os.ReadFile(receivedPath)
	require.NoError(t, err)
	assert.Equal(t, "a short file", string(got))
}
