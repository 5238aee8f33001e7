// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package manager implements the connection manager: the peer table,
// file-receiver session table, envelope dispatch, and group protocol
// that together form the center of the system (spec §4.1, §4.7, §4.8).
package manager

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/lanline/core/internal/binproto"
	"github.com/lanline/core/internal/envelope"
	"github.com/lanline/core/internal/filetransfer"
	"github.com/lanline/core/internal/group"
	"github.com/lanline/core/internal/identity"
	"github.com/lanline/core/internal/logutil"
	"github.com/lanline/core/internal/metrics"
	"github.com/lanline/core/internal/peer"
	"github.com/lanline/core/internal/store"
)

var log = logutil.New("manager")

// dialTimeout bounds how long an outbound connect attempt may take
// (spec §4.1).
const dialTimeout = 5 * time.Second

// relayCacheSize bounds the loop-prevention cache of (group_id,
// message_id) pairs a relaying master has already forwarded.
const relayCacheSize = 4096

// Callbacks is the capability object the manager reports application
// events through, kept separate from the manager's own API so a caller
// (e.g. cmd/lancored or a future UI) can observe traffic without
// reaching into manager internals (SPEC_FULL.md §9 design notes).
type Callbacks interface {
	OnText(peerID, text string)
	OnFileReceived(peerID, path string)
	OnGroupMessage(fromID, groupID, text string)
	OnGroupInvite(groupID, name, masterID, inviterID string)
	OnGroupNotice(notice string)
	OnPeerConnected(peerID, deviceName string)
	OnPeerDisconnected(peerID string)
	OnDeviceDiscovered(deviceID, deviceName, addr string)
}

// Manager owns every live peer connection and in-flight file-receiver
// session, dispatches inbound envelopes by type, and implements the
// group relay/master-election protocol (spec §8).
type Manager struct {
	self      identity.Identity
	store     store.Store
	callbacks Callbacks

	listenerMu sync.Mutex
	listener   net.Listener

	peers     *xsync.MapOf[string, *peer.Peer]
	receivers *xsync.MapOf[binproto.FileID, *filetransfer.Receiver]

	relaySeen *lru.Cache[string, struct{}]

	dataDir string
}

// New constructs a Manager. Call Serve to start accepting inbound
// connections.
func New(self identity.Identity, st store.Store, cb Callbacks, dataDir string) (*Manager, error) {
	relaySeen, err := lru.New[string, struct{}](relayCacheSize)
	if err != nil {
		return nil, fmt.Errorf("manager: create relay cache: %w", err)
	}
	return &Manager{
		self:      self,
		store:     st,
		callbacks: cb,
		peers:     xsync.NewMapOf[string, *peer.Peer](),
		receivers: xsync.NewMapOf[binproto.FileID, *filetransfer.Receiver](),
		relaySeen: relaySeen,
		dataDir:   dataDir,
	}, nil
}

// Serve listens on addr and accepts inbound peer connections until ctx
// is canceled.
func (m *Manager) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("manager: listen %s: %w", addr, err)
	}
	m.listenerMu.Lock()
	m.listener = ln
	m.listenerMu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("manager: accept: %w", err)
		}
		peer.Accept(conn, m)
	}
}

// Addr returns the bound listen address, or the empty string if Serve
// has not yet bound a socket.
func (m *Manager) Addr() string {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// ConnectTo dials addr and, on success, sends the handshake envelope
// that introduces us to the remote end.
func (m *Manager) ConnectTo(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	p, err := peer.Dial(ctx, addr, m)
	if err != nil {
		metrics.PeerConnectionsTotal.WithLabelValues("outbound", "error").Inc()
		return err
	}
	metrics.PeerConnectionsTotal.WithLabelValues("outbound", "ok").Inc()
	return m.sendHandshake(p)
}

func (m *Manager) sendHandshake(p *peer.Peer) error {
	return p.Send(envelope.Envelope{
		Type:       envelope.TypeHandshake,
		DeviceID:   m.self.DeviceID,
		DeviceName: m.self.DeviceName,
		Platform:   m.self.Platform,
		Timestamp:  identity.NowUnix(),
		Payload:    envelope.HandshakePayload{},
	})
}

func (m *Manager) newMessageID() string {
	return fmt.Sprintf("%s-%d", m.self.DeviceID, identity.NowUnix())
}

// SendText delivers text to peerID over its open connection and logs it
// to the direct-conversation store.
func (m *Manager) SendText(peerID, text string) error {
	p, ok := m.peers.Load(peerID)
	if !ok {
		return fmt.Errorf("manager: no connection to %s", peerID)
	}
	e := envelope.Envelope{
		Type:       envelope.TypeMessage,
		DeviceID:   m.self.DeviceID,
		DeviceName: m.self.DeviceName,
		Platform:   m.self.Platform,
		Timestamp:  identity.NowUnix(),
		Payload:    envelope.MessagePayload{MessageID: m.newMessageID(), Text: text},
	}
	if err := p.Send(e); err != nil {
		return err
	}
	return m.store.AppendDirect(peerID, store.Message{DeviceID: m.self.DeviceID, Text: text, Timestamp: e.Timestamp})
}

// SendFile streams the file at path to peerID using the lazy sender
// (spec §4.5): one meta frame, then chunks, each written straight to the
// wire as it is produced.
func (m *Manager) SendFile(peerID, path string) error {
	p, ok := m.peers.Load(peerID)
	if !ok {
		return fmt.Errorf("manager: no connection to %s", peerID)
	}
	s := filetransfer.NewSender(path)
	err := s.Send(func(f filetransfer.Frame) error {
		return p.SendBinary(f.Payload)
	})
	if err != nil {
		metrics.FileTransfersTotal.WithLabelValues("send", "error").Inc()
		return err
	}
	metrics.FileTransfersTotal.WithLabelValues("send", "ok").Inc()
	return nil
}

// CreateGroup allocates a new group with only self as a member and
// master (spec §4.7 "Group creation"), then invites each of the given
// candidate members over the wire invite/join handshake — it never adds
// them to the member set directly. A candidate not currently connected
// is logged and skipped; the caller may retry Invite once it reconnects.
func (m *Manager) CreateGroup(name string, candidateMembers []string) (string, error) {
	groupID, err := m.store.CreateGroup(name, []string{m.self.DeviceID}, m.self.DeviceID)
	if err != nil {
		return "", err
	}
	for _, inviteeID := range candidateMembers {
		if inviteeID == m.self.DeviceID {
			continue
		}
		if err := m.Invite(groupID, inviteeID); err != nil {
			log.Debugf("invite %s to group %s: %v", inviteeID, groupID, err)
		}
	}
	return groupID, nil
}

// Invite sends a single-hop group_invite to inviteeID, who must already
// be a connected peer (spec §4.7 "Invite flow"). Only the group's master
// may invite.
func (m *Manager) Invite(groupID, inviteeID string) error {
	g, ok := m.store.GetGroup(groupID)
	if !ok {
		return fmt.Errorf("manager: unknown group %s", groupID)
	}
	if g.MasterID != m.self.DeviceID {
		return fmt.Errorf("manager: only the master of group %s may invite", groupID)
	}
	p, ok := m.peers.Load(inviteeID)
	if !ok {
		return fmt.Errorf("manager: no connection to %s", inviteeID)
	}
	return p.Send(envelope.Envelope{
		Type:       envelope.TypeGroupInvite,
		DeviceID:   m.self.DeviceID,
		DeviceName: m.self.DeviceName,
		Platform:   m.self.Platform,
		Timestamp:  identity.NowUnix(),
		Payload: envelope.GroupInvitePayload{
			GroupID:   groupID,
			Name:      g.Name,
			MasterID:  g.MasterID,
			InviterID: m.self.DeviceID,
		},
	})
}

// RespondToInvite answers a group_invite previously surfaced via
// Callbacks.OnGroupInvite (spec §4.7 "Invite flow"). Accepting upserts
// local group state to {members: [self, master], master} and sends
// group_join to the master; rejecting sends group_join_reject.
func (m *Manager) RespondToInvite(groupID, name, masterID string, accept bool) error {
	p, ok := m.peers.Load(masterID)
	if !ok {
		return fmt.Errorf("manager: no connection to master %s", masterID)
	}

	if !accept {
		return p.Send(envelope.Envelope{
			Type:       envelope.TypeGroupJoinReject,
			DeviceID:   m.self.DeviceID,
			DeviceName: m.self.DeviceName,
			Platform:   m.self.Platform,
			Timestamp:  identity.NowUnix(),
			Payload:    envelope.GroupJoinRejectPayload{GroupID: groupID, FromID: m.self.DeviceID},
		})
	}

	g := group.Group{
		GroupID:  groupID,
		Name:     name,
		Members:  []string{m.self.DeviceID, masterID},
		MasterID: masterID,
	}
	if err := m.store.UpdateGroup(groupID, g); err != nil {
		return err
	}
	return p.Send(envelope.Envelope{
		Type:       envelope.TypeGroupJoin,
		DeviceID:   m.self.DeviceID,
		DeviceName: m.self.DeviceName,
		Platform:   m.self.Platform,
		Timestamp:  identity.NowUnix(),
		Payload:    envelope.GroupJoinPayload{GroupID: groupID, Name: name, FromID: m.self.DeviceID},
	})
}

// SendGroupMessage implements spec §8's send path: if the locally known
// master is unreachable, this device participates in lazy re-election
// before routing the message either to itself (it is master: store +
// relay) or to the current master (forward and let them fan out).
func (m *Manager) SendGroupMessage(groupID, text string) error {
	g, ok := m.store.GetGroup(groupID)
	if !ok {
		return fmt.Errorf("manager: unknown group %s", groupID)
	}

	connected := m.connectedPeerSet()
	active := group.ActiveSet(g, m.self.DeviceID, connected)

	if group.NeedsReElection(g, active) {
		g.MasterID = group.ElectMaster(active)
		g.Epoch = identity.NowUnix()
		if err := m.store.UpdateGroup(groupID, g); err != nil {
			return err
		}
		metrics.GroupMasterElectionsTotal.Inc()
		if g.MasterID == m.self.DeviceID {
			m.broadcastGroupMaster(groupID)
		}
	}

	msgID := m.newMessageID()
	e := envelope.Envelope{
		Type:       envelope.TypeGroupMessage,
		DeviceID:   m.self.DeviceID,
		DeviceName: m.self.DeviceName,
		Platform:   m.self.Platform,
		Timestamp:  identity.NowUnix(),
		Payload: envelope.GroupMessagePayload{
			GroupID:   groupID,
			MessageID: msgID,
			Text:      text,
			FromID:    m.self.DeviceID,
		},
	}

	if g.MasterID == m.self.DeviceID {
		m.storeAndEmitGroupMessage(groupID, e)
		m.relayGroupMessage(groupID, e, "")
		return nil
	}
	if p, ok := m.peers.Load(g.MasterID); ok {
		return p.Send(e)
	}
	return fmt.Errorf("manager: master %s for group %s is unreachable", g.MasterID, groupID)
}

func (m *Manager) connectedPeerSet() map[string]struct{} {
	out := map[string]struct{}{}
	m.peers.Range(func(id string, _ *peer.Peer) bool {
		out[id] = struct{}{}
		return true
	})
	return out
}

func (m *Manager) broadcastGroupMaster(groupID string) {
	g, ok := m.store.GetGroup(groupID)
	if !ok || g.MasterID != m.self.DeviceID {
		return
	}
	e := envelope.Envelope{
		Type:       envelope.TypeGroupMaster,
		DeviceID:   m.self.DeviceID,
		DeviceName: m.self.DeviceName,
		Platform:   m.self.Platform,
		Timestamp:  identity.NowUnix(),
		Payload: envelope.GroupMasterPayload{
			GroupID:  groupID,
			Name:     g.Name,
			Members:  g.Members,
			MasterID: g.MasterID,
			Epoch:    g.Epoch,
		},
	}
	members := memberSet(g.Members)
	m.peers.Range(func(id string, p *peer.Peer) bool {
		if _, ok := members[id]; ok {
			if err := p.Send(e); err != nil {
				log.Debugf("broadcast group_master to %s: %v", id, err)
			}
		}
		return true
	})
}

func (m *Manager) storeAndEmitGroupMessage(groupID string, e envelope.Envelope) {
	payload := e.Payload.(envelope.GroupMessagePayload)
	_ = m.store.AppendGroup(groupID, store.Message{
		DeviceID:  e.DeviceID,
		MessageID: payload.MessageID,
		Text:      payload.Text,
		Timestamp: e.Timestamp,
	})
	m.callbacks.OnGroupMessage(e.DeviceID, groupID, payload.Text)
}

// relayGroupMessage fans e out to every connected member of groupID
// except excludeID, using relaySeen to refuse to forward the same
// (group_id, message_id) a second time even if the dispatch table is
// ever reached from more than one code path (spec §8 loop-prevention).
func (m *Manager) relayGroupMessage(groupID string, e envelope.Envelope, excludeID string) {
	payload := e.Payload.(envelope.GroupMessagePayload)
	key := groupID + ":" + payload.MessageID
	if _, seen := m.relaySeen.Get(key); seen {
		metrics.GroupRelayDroppedTotal.Inc()
		return
	}
	m.relaySeen.Add(key, struct{}{})

	g, ok := m.store.GetGroup(groupID)
	if !ok {
		return
	}
	members := memberSet(g.Members)
	m.peers.Range(func(id string, p *peer.Peer) bool {
		if id == excludeID {
			return true
		}
		if _, ok := members[id]; !ok {
			return true
		}
		if err := p.Send(e); err != nil {
			log.Debugf("relay group_message to %s: %v", id, err)
		}
		return true
	})
}

func memberSet(members []string) map[string]struct{} {
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out
}

// HandleEnvelope implements peer.Handler: it is the dispatch table
// described in spec §9, routing by Type to the corresponding handler.
func (m *Manager) HandleEnvelope(p *peer.Peer, e envelope.Envelope) {
	metrics.EnvelopesReceivedTotal.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case envelope.TypeHandshake:
		m.handleHandshake(p, e)
	case envelope.TypeMessage:
		m.handleMessage(p, e)
	case envelope.TypeFileMeta:
		m.handleFileMeta(p, e)
	case envelope.TypeGroupMaster:
		m.handleGroupMaster(e)
	case envelope.TypeGroupMessage:
		m.handleGroupMessage(e)
	case envelope.TypeGroupInvite:
		m.handleGroupInvite(e)
	case envelope.TypeGroupJoin:
		m.handleGroupJoin(p, e)
	case envelope.TypeGroupJoinAck:
		m.handleGroupJoinAck(e)
	case envelope.TypeGroupJoinReject:
		m.handleGroupJoinReject(e)
	default:
		log.Warnf("unknown envelope type from %s: %s", p.RemoteAddr(), e.Type)
	}
}

// handleHandshake registers the remote device under its device_id. The
// first handshake seen on a connection is answered with our own, so an
// acceptor introduces itself to the dialer; the answer goes out before
// the peer is registered, so it precedes anything else sent to that peer.
// A repeated handshake on a connection already registered under that
// device_id is ignored, which ends the exchange after the dialer's answer.
func (m *Manager) handleHandshake(p *peer.Peer, e envelope.Envelope) {
	if prev, ok := m.peers.Load(e.DeviceID); ok && prev == p {
		return
	}
	if err := m.sendHandshake(p); err != nil {
		log.Debugf("answer handshake from %s: %v", p.RemoteAddr(), err)
	}
	p.DeviceID = e.DeviceID
	m.peers.Store(e.DeviceID, p)
	metrics.PeerConnectionsActive.Inc()
	m.callbacks.OnPeerConnected(e.DeviceID, e.DeviceName)
	m.sendGroupState(e.DeviceID)
}

func (m *Manager) handleMessage(p *peer.Peer, e envelope.Envelope) {
	payload, ok := e.Payload.(envelope.MessagePayload)
	if !ok {
		return
	}
	m.callbacks.OnText(e.DeviceID, payload.Text)
	_ = m.store.AppendDirect(e.DeviceID, store.Message{
		DeviceID:  e.DeviceID,
		MessageID: payload.MessageID,
		Text:      payload.Text,
		Timestamp: e.Timestamp,
	})
}

// handleFileMeta accepts the legacy JSON file_meta envelope (spec
// §4.3's JSON file transfer path) and opens a receiver for it; this
// core's own Sender only ever announces meta via the binary
// sub-protocol (see handleBinaryMeta). JSON file_chunk envelopes are not
// dispatched (HandleEnvelope logs them as an unknown type), so a receiver
// opened here only receives data from binary chunk frames.
func (m *Manager) handleFileMeta(p *peer.Peer, e envelope.Envelope) {
	payload, ok := e.Payload.(envelope.FileMetaPayload)
	if !ok {
		return
	}
	parsed, err := uuid.Parse(payload.FileID)
	if err != nil {
		// A non-UUID file_id is a malformed frame, not a recoverable
		// semantic error: fatal to this connection (spec §7).
		log.Warnf("file_meta has non-UUID file_id %q from %s: %v", payload.FileID, p.RemoteAddr(), err)
		p.Close(fmt.Errorf("manager: malformed file_meta: %w", err))
		return
	}
	var id binproto.FileID
	copy(id[:], parsed[:])
	r, err := filetransfer.NewReceiver(m.dataDir, id, payload.Filename, uint64(payload.Size), binproto.CompressionNone)
	if err != nil {
		log.Warnf("open receiver for %s: %v", payload.Filename, err)
		return
	}
	m.receivers.Store(id, r)
}

// HandleBinary implements peer.Handler for the binary sub-protocol:
// file_meta and file_chunk frames (this core's Sender announces meta
// with a binary frame) multiplexed onto the same TCP stream. A payload
// that does not start with the BIN magic is neither JSON nor binary and
// closes the connection.
func (m *Manager) HandleBinary(p *peer.Peer, payload []byte) {
	if len(payload) < 4 || string(payload[:3]) != "BIN" {
		log.Warnf("frame from %s is neither JSON nor binary", p.RemoteAddr())
		p.Close(fmt.Errorf("manager: frame is neither JSON nor binary"))
		return
	}
	switch binproto.FrameType(payload[3]) {
	case binproto.FrameTypeFileChunk:
		m.handleFileChunk(p, payload)
	case binproto.FrameTypeFileMeta:
		m.handleBinaryMeta(p, payload)
	default:
		log.Debugf("unknown binary frame type from %s", p.RemoteAddr())
	}
}

func (m *Manager) handleBinaryMeta(p *peer.Peer, payload []byte) {
	meta, err := binproto.DecodeMeta(payload)
	if err != nil {
		// Bad magic, bad CRC, wrong frame type, or an over-length field
		// is a framing error: fatal to this connection (spec §7, §8
		// scenario 5).
		log.Warnf("decode meta frame from %s: %v", p.RemoteAddr(), err)
		p.Close(fmt.Errorf("manager: malformed meta frame: %w", err))
		return
	}
	r, err := filetransfer.NewReceiver(m.dataDir, meta.FileID, meta.Filename, meta.Size, meta.Compression)
	if err != nil {
		log.Warnf("open receiver for %s: %v", meta.Filename, err)
		return
	}
	m.receivers.Store(meta.FileID, r)
}

func (m *Manager) handleFileChunk(p *peer.Peer, payload []byte) {
	chunk, err := binproto.DecodeChunk(payload)
	if err != nil {
		// Flipping one byte of a chunk frame's data before the CRC (or
		// any other framing violation) is fatal to this connection, not
		// a dropped-and-continue semantic error (spec §7, §8 scenario 5).
		log.Warnf("decode chunk frame from %s: %v", p.RemoteAddr(), err)
		p.Close(fmt.Errorf("manager: malformed chunk frame: %w", err))
		return
	}
	r, ok := m.receivers.Load(chunk.FileID)
	if !ok {
		// Unknown file_id: drop silently (spec §4.5).
		return
	}
	done, err := r.WriteChunk(chunk.Data)
	if err != nil {
		log.Warnf("write chunk: %v", err)
		return
	}
	if done {
		path, err := r.Close()
		m.receivers.Delete(chunk.FileID)
		if err != nil {
			log.Warnf("close receiver: %v", err)
			return
		}
		metrics.FileTransfersTotal.WithLabelValues("receive", "ok").Inc()
		m.callbacks.OnFileReceived(p.DeviceID, path)
	}
}

func (m *Manager) handleGroupMaster(e envelope.Envelope) {
	payload, ok := e.Payload.(envelope.GroupMasterPayload)
	if !ok {
		return
	}
	incoming := group.Group{
		GroupID:  payload.GroupID,
		Name:     payload.Name,
		Members:  payload.Members,
		MasterID: payload.MasterID,
		Epoch:    payload.Epoch,
	}
	local, _ := m.store.GetGroup(payload.GroupID)
	merged, changed := group.Converge(local, incoming)
	if changed {
		_ = m.store.UpdateGroup(payload.GroupID, merged)
	}
}

// handleGroupInvite surfaces an incoming invite to the caller, who
// decides whether to accept or reject via RespondToInvite (spec §4.7).
func (m *Manager) handleGroupInvite(e envelope.Envelope) {
	payload, ok := e.Payload.(envelope.GroupInvitePayload)
	if !ok {
		return
	}
	m.callbacks.OnGroupInvite(payload.GroupID, payload.Name, payload.MasterID, payload.InviterID)
}

// handleGroupJoin is the master side of the invite flow (spec §4.7):
// add the joiner to members, reply with the authoritative snapshot, then
// re-broadcast group_master so every member converges. A join from a
// non-master, or for a group this device doesn't master, is a semantic
// error and is silently ignored (spec §7).
func (m *Manager) handleGroupJoin(p *peer.Peer, e envelope.Envelope) {
	payload, ok := e.Payload.(envelope.GroupJoinPayload)
	if !ok {
		return
	}
	g, ok := m.store.GetGroup(payload.GroupID)
	if !ok || g.MasterID != m.self.DeviceID {
		return
	}

	g.Members = append(g.Members, payload.FromID)
	if err := m.store.UpdateGroup(payload.GroupID, g); err != nil {
		log.Warnf("add %s to group %s: %v", payload.FromID, payload.GroupID, err)
		return
	}
	g, _ = m.store.GetGroup(payload.GroupID)

	ack := envelope.Envelope{
		Type:       envelope.TypeGroupJoinAck,
		DeviceID:   m.self.DeviceID,
		DeviceName: m.self.DeviceName,
		Platform:   m.self.Platform,
		Timestamp:  identity.NowUnix(),
		Payload: envelope.GroupJoinAckPayload{
			GroupID:  g.GroupID,
			Name:     g.Name,
			Members:  g.Members,
			MasterID: g.MasterID,
			Epoch:    g.Epoch,
		},
	}
	if err := p.Send(ack); err != nil {
		log.Debugf("send group_join_ack to %s: %v", payload.FromID, err)
	}
	m.broadcastGroupMaster(payload.GroupID)
}

// handleGroupJoinAck upserts local group state to the ack's
// authoritative snapshot (spec §4.7).
func (m *Manager) handleGroupJoinAck(e envelope.Envelope) {
	payload, ok := e.Payload.(envelope.GroupJoinAckPayload)
	if !ok {
		return
	}
	g := group.Group{
		GroupID:  payload.GroupID,
		Name:     payload.Name,
		Members:  payload.Members,
		MasterID: payload.MasterID,
		Epoch:    payload.Epoch,
	}
	if err := m.store.UpdateGroup(payload.GroupID, g); err != nil {
		log.Warnf("update group %s from group_join_ack: %v", payload.GroupID, err)
	}
}

// handleGroupJoinReject surfaces a rejected invite as a notice (spec
// §4.7).
func (m *Manager) handleGroupJoinReject(e envelope.Envelope) {
	payload, ok := e.Payload.(envelope.GroupJoinRejectPayload)
	if !ok {
		return
	}
	m.callbacks.OnGroupNotice(fmt.Sprintf("group %s: join rejected by %s", payload.GroupID, payload.FromID))
}

func (m *Manager) handleGroupMessage(e envelope.Envelope) {
	payload, ok := e.Payload.(envelope.GroupMessagePayload)
	if !ok {
		return
	}
	m.storeAndEmitGroupMessage(payload.GroupID, e)

	g, ok := m.store.GetGroup(payload.GroupID)
	if ok && g.MasterID == m.self.DeviceID {
		m.relayGroupMessage(payload.GroupID, e, e.DeviceID)
	}
}

// sendGroupState pushes every group this device masters, and peerID is
// a member of, to the freshly handshaken peerID (spec §4.7, mirroring
// the original's post-handshake group-state sync).
func (m *Manager) sendGroupState(peerID string) {
	p, ok := m.peers.Load(peerID)
	if !ok {
		return
	}
	for _, g := range m.store.GetGroups() {
		if g.MasterID != m.self.DeviceID {
			continue
		}
		if _, isMember := memberSet(g.Members)[peerID]; !isMember {
			continue
		}
		_ = p.Send(envelope.Envelope{
			Type:       envelope.TypeGroupMaster,
			DeviceID:   m.self.DeviceID,
			DeviceName: m.self.DeviceName,
			Platform:   m.self.Platform,
			Timestamp:  identity.NowUnix(),
			Payload: envelope.GroupMasterPayload{
				GroupID:  g.GroupID,
				Name:     g.Name,
				Members:  g.Members,
				MasterID: g.MasterID,
				Epoch:    g.Epoch,
			},
		})
	}
}

// HandleClosed implements peer.Handler.
func (m *Manager) HandleClosed(p *peer.Peer, err error) {
	if p.DeviceID == "" {
		return
	}
	m.peers.Delete(p.DeviceID)
	metrics.PeerConnectionsActive.Dec()
	m.callbacks.OnPeerDisconnected(p.DeviceID)
}

// Close stops accepting new connections and closes every live peer.
func (m *Manager) Close() {
	m.listenerMu.Lock()
	if m.listener != nil {
		m.listener.Close()
	}
	m.listenerMu.Unlock()
	m.peers.Range(func(_ string, p *peer.Peer) bool {
		p.Close(nil)
		return true
	})
}
