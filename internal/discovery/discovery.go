// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discovery implements LAN peer discovery: a periodic UDP
// broadcast announcing this device and a listener collecting
// announcements from others (spec §4.6). Deduplication and aging of
// discovered peers is the caller's responsibility, not this package's
// (spec §4.6, §9).
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/lanline/core/internal/logutil"
	"github.com/lanline/core/internal/metrics"
)

// announcementRateLimit caps how many inbound announcements per second
// the listener will process, so a misbehaving or malicious device
// flooding the discovery port cannot burn CPU decoding an unbounded
// stream of datagrams (SPEC_FULL.md §3, discovery throttling row).
const announcementRateLimit = 50

var log = logutil.New("discovery")

// Port is the well-known UDP port discovery broadcasts and listens on.
const Port = 50000

// BroadcastInterval is how often this device announces itself.
const BroadcastInterval = 3 * time.Second

// Announcement is the JSON datagram broadcast on the discovery port.
type Announcement struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
	ListenPort int    `json:"listen_port"`
	Timestamp  int64  `json:"timestamp"`
}

// Sighting is one received Announcement together with the source
// address it arrived from, which supplies the IP the caller dials back.
type Sighting struct {
	Announcement Announcement
	Addr         *net.UDPAddr
}

// Service runs the broadcast and listen loops for as long as its
// context stays alive. Announce is called to build each outgoing
// Announcement; sightings are delivered to OnSighting from the listener
// goroutine.
type Service struct {
	Announce    func() Announcement
	OnSighting  func(Sighting)
	BroadcastIface string // optional: restrict broadcast to this interface name
}

// Run blocks, running the broadcaster and listener concurrently, until
// ctx is canceled. Socket setup failures are retried with exponential
// backoff (github.com/cenkalti/backoff/v4) rather than terminating the
// service, since a transient "address in use" or an interface flapping
// up should not kill discovery permanently.
func (s *Service) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.runBroadcaster(ctx) }()
	go func() { errCh <- s.runListener(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Service) runBroadcaster(ctx context.Context) error {
	op := func() error {
		conn, err := net.ListenUDP("udp4", nil)
		if err != nil {
			log.Warnf("broadcaster socket setup: %v", err)
			return err
		}
		defer conn.Close()

		ticker := time.NewTicker(BroadcastInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.broadcastOnce(conn)
			}
		}
	}

	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(op, b)
}

func (s *Service) broadcastOnce(conn *net.UDPConn) {
	ann := s.Announce()
	data, err := json.Marshal(ann)
	if err != nil {
		log.Warnf("marshal announcement: %v", err)
		return
	}

	dsts := broadcastAddrs(s.BroadcastIface)
	for _, ip := range dsts {
		dst := &net.UDPAddr{IP: ip, Port: Port}
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := conn.WriteTo(data, dst); err != nil {
			log.Debugf("broadcast to %s failed: %v", dst, err)
			continue
		}
		metrics.DiscoveryBroadcastsSent.Inc()
	}
}

// broadcastAddrs enumerates the directed-broadcast address of every
// running, broadcast-capable IPv4 interface, falling back to the
// general 255.255.255.255 address when none can be enumerated (mirrors
// the interface-discovery caveat noted for Android in the teacher's
// beacon package).
func broadcastAddrs(onlyIface string) []net.IP {
	intfs, err := net.Interfaces()
	if err != nil {
		log.Debugf("list interfaces: %v", err)
		return []net.IP{{0xff, 0xff, 0xff, 0xff}}
	}

	var dsts []net.IP
	for _, intf := range intfs {
		if onlyIface != "" && intf.Name != onlyIface {
			continue
		}
		if intf.Flags&net.FlagRunning == 0 || intf.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := intf.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil || !ipnet.IP.IsGlobalUnicast() {
				continue
			}
			dsts = append(dsts, directedBroadcast(ipnet))
		}
	}
	if len(dsts) == 0 {
		dsts = append(dsts, net.IP{0xff, 0xff, 0xff, 0xff})
	}
	return dsts
}

func directedBroadcast(ipnet *net.IPNet) net.IP {
	bc := make(net.IP, len(ipnet.IP))
	copy(bc, ipnet.IP)
	offset := len(bc) - len(ipnet.Mask)
	for i := range bc {
		if i-offset >= 0 {
			bc[i] = ipnet.IP[i] | ^ipnet.Mask[i-offset]
		}
	}
	return bc
}

func (s *Service) runListener(ctx context.Context) error {
	op := func() error {
		lc := net.ListenConfig{Control: setReusePort}
		pconn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", Port))
		if err != nil {
			log.Warnf("listener socket setup: %v", err)
			return err
		}
		conn := pconn.(*net.UDPConn)
		defer conn.Close()

		// golang.org/x/net/ipv4 asks the kernel to attach the destination
		// address to each received datagram as a control message; the read
		// loop below uses ReadFromUDP and does not consume it.
		pc := ipv4.NewPacketConn(conn)
		_ = pc.SetControlMessage(ipv4.FlagDst, true)

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		limiter := rate.NewLimiter(rate.Limit(announcementRateLimit), announcementRateLimit)
		buf := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				return err
			}

			if !limiter.Allow() {
				log.Debugf("dropping announcement from %s: rate limit exceeded", addr)
				continue
			}

			var ann Announcement
			if err := json.Unmarshal(buf[:n], &ann); err != nil {
				metrics.DiscoveryAnnouncementsReceived.WithLabelValues("malformed").Inc()
				log.Debugf("malformed announcement from %s: %v", addr, err)
				continue
			}
			metrics.DiscoveryAnnouncementsReceived.WithLabelValues("accepted").Inc()
			if s.OnSighting != nil {
				s.OnSighting(Sighting{Announcement: ann, Addr: addr})
			}
		}
	}

	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(op, b)
}
