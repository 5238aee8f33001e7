// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package peer wraps one TCP socket to another device: a dedicated
// reader goroutine demultiplexing JSON envelopes and binary frames, and
// a mutex-serialized writer so a single TCP Write call per frame stays
// atomic under concurrent senders (spec §4.1, §4.2).
package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/lanline/core/internal/envelope"
	"github.com/lanline/core/internal/frame"
	"github.com/lanline/core/internal/logutil"
)

var log = logutil.New("peer")

// ErrClosed is returned by Send once the peer connection has been
// closed, whether by us or by the remote end.
var ErrClosed = errors.New("peer: connection closed")

// magicJSON is the first byte of a framed JSON envelope; the reader uses
// it to demultiplex the JSON control channel from the binary
// file-transfer sub-protocol sharing the same socket, handing every
// other non-empty payload to Handler.HandleBinary (spec §4.2).
const (
	magicJSON = '{'
)

// Handler receives decoded inbound traffic from a Peer's reader
// goroutine. Each non-empty frame goes to exactly one of HandleEnvelope
// or HandleBinary.
type Handler interface {
	HandleEnvelope(p *Peer, e envelope.Envelope)
	HandleBinary(p *Peer, payload []byte)
	HandleClosed(p *Peer, err error)
}

// Peer is one live TCP connection to a remote device. All writes go
// through Send/SendBinary, which serialize under writeMu so interleaved
// callers never tear a frame.
type Peer struct {
	DeviceID string

	conn net.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Dial opens a TCP connection to addr, bounded by ctx (its deadline acts
// as the connect timeout), and starts its reader goroutine, dispatching
// decoded traffic to h.
func Dial(ctx context.Context, addr string, h Handler) (*Peer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}
	return newPeer(conn, h), nil
}

// Accept wraps an already-established inbound connection, e.g. from
// net.Listener.Accept, and starts its reader goroutine.
func Accept(conn net.Conn, h Handler) *Peer {
	return newPeer(conn, h)
}

func newPeer(conn net.Conn, h Handler) *Peer {
	p := &Peer{
		conn:   conn,
		closed: make(chan struct{}),
	}
	go p.readLoop(h)
	return p
}

// RemoteAddr returns the underlying connection's remote address string.
func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// Send frames and writes a JSON control envelope. Concurrent calls from
// multiple goroutines are serialized so no two frames interleave on the
// wire.
func (p *Peer) Send(e envelope.Envelope) error {
	data, err := envelope.Marshal(e)
	if err != nil {
		return fmt.Errorf("peer: marshal envelope: %w", err)
	}
	return p.write(data)
}

// SendBinary frames and writes a pre-encoded binproto frame (meta or
// chunk) produced by internal/binproto.
func (p *Peer) SendBinary(payload []byte) error {
	return p.write(payload)
}

func (p *Peer) write(payload []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := frame.Write(p.conn, payload); err != nil {
		return fmt.Errorf("peer: write: %w", err)
	}
	return nil
}

func (p *Peer) readLoop(h Handler) {
	r := bufio.NewReaderSize(p.conn, 64*1024)
	var err error
	for {
		var payload []byte
		payload, err = frame.Read(r)
		if err != nil {
			break
		}
		if len(payload) == 0 {
			continue
		}
		if payload[0] == magicJSON {
			e, decErr := envelope.Unmarshal(payload)
			if decErr != nil {
				log.Warnf("discarding malformed envelope from %s: %v", p.RemoteAddr(), decErr)
				continue
			}
			h.HandleEnvelope(p, e)
			continue
		}
		h.HandleBinary(p, payload)
	}
	p.Close(err)
	h.HandleClosed(p, err)
}

// Close shuts down the underlying socket. It is idempotent and safe to
// call from any goroutine, including the reader's own exit path; only
// the first call's err (if any) is retained.
func (p *Peer) Close(err error) error {
	p.closeOnce.Do(func() {
		p.closeErr = err
		close(p.closed)
		p.conn.Close()
	})
	return p.closeErr
}

// Done returns a channel closed once the peer connection has shut down.
func (p *Peer) Done() <-chan struct{} {
	return p.closed
}
