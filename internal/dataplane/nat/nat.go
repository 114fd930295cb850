// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nat implements IPv4 network address and port translation:
// endpoint-independent mapping allocation, header/checksum rewriting,
// restricted-cone filtering, static port-forward mappings, and a
// connection-tracking state machine with expiry timers.
package nat

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiss2u/landscape-go/internal/dataplane/checksum"
	"github.com/kiss2u/landscape-go/internal/dataplane/packet"
	"github.com/kiss2u/landscape-go/internal/dataplane/sharedmap"
	dperrors "github.com/kiss2u/landscape-go/internal/errors"
)

// Gress distinguishes the two halves of a paired mapping.
type Gress uint8

const (
	Egress Gress = iota
	Ingress
)

// Default port range probed when the client's own source port is taken.
const (
	DefaultPortRangeStart = 32768
	DefaultPortRangeEnd   = 65535
	portProbeAttempts     = 256
)

// Conntrack timer defaults, from the original design's timer_status table.
const (
	TCPSynTimeout   = 6 * time.Second
	TCPTransTimeout = 240 * time.Second
	TCPTimeout      = 600 * time.Second
	UDPTimeout      = 300 * time.Second
)

// State is a conntrack state machine state.
type State uint32

const (
	StateInit State = iota
	StateTCPSyn
	StateTCPSynAck
	StateTCPEst
	StateOtherEst
	StateTCPFin
)

// MappingKey identifies one half of a NAT mapping pair.
type MappingKey struct {
	Gress   Gress
	L4Proto uint8
	Port    uint16
	Addr    netip.Addr
}

// MappingValue is the translated address/port plus bookkeeping fields,
// shared by the egress and ingress halves of a mapping pair. Addr/Port is
// always the WAN-side address/port (the egress key's "mapped to" value);
// ClientAddr/ClientPort is always the LAN client's address/port (the
// ingress key's "mapped to" value), letting one pointer serve both
// directions without duplicating the bookkeeping fields.
type MappingValue struct {
	Addr           netip.Addr
	Port           uint16
	ClientAddr     netip.Addr
	ClientPort     uint16
	TriggerAddr    netip.Addr
	TriggerPort    uint16
	IsStatic       bool
	IsAllowReuse   bool
	lastActiveUnix atomic.Int64
}

func (v *MappingValue) touch() { v.lastActiveUnix.Store(time.Now().Unix()) }

func (v *MappingValue) idleFor() time.Duration {
	return time.Since(time.Unix(v.lastActiveUnix.Load(), 0))
}

// ConntrackKey identifies one conntrack entry: the client/NAT 4-tuple.
type ConntrackKey struct {
	L4Proto        uint8
	ClientAddr     netip.Addr
	ClientPort     uint16
	NatAddr        netip.Addr
	NatPort        uint16
}

// Conntrack is one tracked connection's state.
type Conntrack struct {
	state       atomic.Uint32
	TriggerAddr netip.Addr
	TriggerPort uint16
	timer       *time.Timer
}

func (c *Conntrack) State() State { return State(c.state.Load()) }

// Engine is the NAT engine for one WAN interface's IPv4 pool.
type Engine struct {
	WANAddr netip.Addr

	mappings   *sharedmap.Hash[MappingKey, *MappingValue]
	conntracks *sharedmap.Hash[ConntrackKey, *Conntrack]
	static     *sharedmap.LPM[StaticMapping]

	mu         sync.Mutex
	rangeStart uint16
	rangeEnd   uint16
	onExpire   func(ConntrackKey)
}

// StaticMapping is a configured port-forward / DMZ rule.
type StaticMapping struct {
	Gress   Gress
	L4Proto uint8
	Port    uint16
	Addr    netip.Addr // zero Addr means DMZ: deliver with dst replaced by packet's own dst
}

const defaultCapacity = 1024 * 64

// New builds an Engine bound to wanAddr, using the default port range.
func New(wanAddr netip.Addr, onExpire func(ConntrackKey)) *Engine {
	return &Engine{
		WANAddr:    wanAddr,
		mappings:   sharedmap.NewHash[MappingKey, *MappingValue](defaultCapacity),
		conntracks: sharedmap.NewHash[ConntrackKey, *Conntrack](defaultCapacity),
		static:     sharedmap.NewLPM[StaticMapping](65535),
		rangeStart: DefaultPortRangeStart,
		rangeEnd:   DefaultPortRangeEnd,
		onExpire:   onExpire,
	}
}

// transTimeoutFor returns the "trans" inactivity timeout used while
// probing for a free ingress port, per protocol.
func transTimeoutFor(l4proto uint8) time.Duration {
	if l4proto == packet.ProtoTCP {
		return TCPTransTimeout
	}
	return UDPTimeout
}

// AllocateOrRefresh implements egress mapping allocation: reuse an
// existing mapping for (srcAddr, srcPort), refreshing its activity time,
// or create a new paired mapping, probing the configured port range when
// the client's own source port is already taken by another client.
//
// dstAddr/dstPort name the remote this packet is headed to. On first
// allocation they become the mapping's trigger; on reuse they are
// checked against the stored trigger by the restricted-cone filter,
// bypassed when allowReuse is set (the packet's own mark bit) or when
// the mapping itself was configured with IsAllowReuse.
func (e *Engine) AllocateOrRefresh(l4proto uint8, srcAddr netip.Addr, srcPort uint16, dstAddr netip.Addr, dstPort uint16, allowReuse bool) (*MappingValue, error) {
	egressKey := MappingKey{Gress: Egress, L4Proto: l4proto, Port: srcPort, Addr: srcAddr}

	if v, ok := e.mappings.Lookup(egressKey); ok {
		if !allowReuse && !RestrictedConeAllows(v, l4proto, dstAddr, dstPort) {
			return nil, dperrors.Errorf(dperrors.KindStateMiss, "nat mapping port reuse rejected for %s:%d", dstAddr, dstPort)
		}
		v.touch()
		return v, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Re-check under the lock: another goroutine may have won the race.
	if v, ok := e.mappings.Lookup(egressKey); ok {
		if !allowReuse && !RestrictedConeAllows(v, l4proto, dstAddr, dstPort) {
			return nil, dperrors.Errorf(dperrors.KindStateMiss, "nat mapping port reuse rejected for %s:%d", dstAddr, dstPort)
		}
		v.touch()
		return v, nil
	}

	natPort, err := e.reservePort(l4proto, srcPort)
	if err != nil {
		return nil, err
	}

	value := &MappingValue{
		Addr:         e.WANAddr,
		Port:         natPort,
		ClientAddr:   srcAddr,
		ClientPort:   srcPort,
		TriggerAddr:  dstAddr,
		TriggerPort:  dstPort,
		IsAllowReuse: allowReuse,
	}
	value.touch()

	ingressKey := MappingKey{Gress: Ingress, L4Proto: l4proto, Port: natPort, Addr: e.WANAddr}

	if err := e.mappings.Insert(egressKey, value); err != nil {
		return nil, err
	}
	if err := e.mappings.Insert(ingressKey, value); err != nil {
		e.mappings.Delete(egressKey)
		return nil, err
	}
	return value, nil
}

// reservePort tries the client's own port first, then probes the
// configured range for a port whose ingress mapping is absent or has
// been idle longer than the protocol's trans timeout.
func (e *Engine) reservePort(l4proto uint8, preferred uint16) (uint16, error) {
	if preferred >= e.rangeStart && preferred <= e.rangeEnd {
		if e.portAvailable(l4proto, preferred) {
			return preferred, nil
		}
	} else if e.portAvailable(l4proto, preferred) {
		return preferred, nil
	}

	span := int(e.rangeEnd) - int(e.rangeStart) + 1
	attempts := portProbeAttempts
	if attempts > span {
		attempts = span
	}
	for i := 0; i < attempts; i++ {
		candidate := e.rangeStart + uint16(i)
		if e.portAvailable(l4proto, candidate) {
			return candidate, nil
		}
	}
	return 0, dperrors.Errorf(dperrors.KindResourceExhausted, "no free nat port in range %d-%d", e.rangeStart, e.rangeEnd)
}

func (e *Engine) portAvailable(l4proto uint8, port uint16) bool {
	key := MappingKey{Gress: Ingress, L4Proto: l4proto, Port: port, Addr: e.WANAddr}
	v, ok := e.mappings.Lookup(key)
	if !ok {
		return true
	}
	return v.idleFor() > transTimeoutFor(l4proto)
}

// Lookup finds the mapping for a given gress/protocol/port/addr.
func (e *Engine) Lookup(gress Gress, l4proto uint8, port uint16, addr netip.Addr) (*MappingValue, bool) {
	return e.mappings.Lookup(MappingKey{Gress: gress, L4Proto: l4proto, Port: port, Addr: addr})
}

// DeletePair removes both halves of a mapping.
func (e *Engine) DeletePair(l4proto uint8, clientAddr netip.Addr, clientPort uint16, natPort uint16) {
	e.mappings.Delete(MappingKey{Gress: Egress, L4Proto: l4proto, Port: clientPort, Addr: clientAddr})
	e.mappings.Delete(MappingKey{Gress: Ingress, L4Proto: l4proto, Port: natPort, Addr: e.WANAddr})
}

// TrackFlow creates or refreshes the conntrack entry for a NAT-translated
// packet crossing in either direction, and returns its current state.
// remoteAddr/remotePort name the non-client end of the flow as seen from
// this packet (the destination on egress, the source on ingress); on
// first creation they become the conntrack entry's trigger. The entry's
// timer expiring without a refresh deletes itself and the mapping pair it
// belongs to and invokes the Engine's onExpire callback, keeping "a
// conntrack entry exists iff a matching mapping pair exists" true.
func (e *Engine) TrackFlow(l4proto uint8, clientAddr netip.Addr, clientPort, natPort uint16, remoteAddr netip.Addr, remotePort uint16, pktClass packet.PktClass) State {
	key := ConntrackKey{L4Proto: l4proto, ClientAddr: clientAddr, ClientPort: clientPort, NatAddr: e.WANAddr, NatPort: natPort}

	if c, ok := e.conntracks.Lookup(key); ok {
		state, _ := c.TransitionConntrack(l4proto, pktClass)
		return state
	}

	e.mu.Lock()
	if c, ok := e.conntracks.Lookup(key); ok {
		e.mu.Unlock()
		state, _ := c.TransitionConntrack(l4proto, pktClass)
		return state
	}

	c := NewConntrack(remoteAddr, remotePort, transTimeoutFor(l4proto), func() {
		e.DeletePair(l4proto, clientAddr, clientPort, natPort)
		e.conntracks.Delete(key)
		if e.onExpire != nil {
			e.onExpire(key)
		}
	})
	e.conntracks.Insert(key, c)
	e.mu.Unlock()

	state, _ := c.TransitionConntrack(l4proto, pktClass)
	return state
}

// RestrictedConeAllows implements the return-path restricted-cone filter.
// ICMP is exempt, matching the path-MTU-discovery carve-out.
func RestrictedConeAllows(v *MappingValue, l4proto uint8, dstAddr netip.Addr, dstPort uint16) bool {
	if l4proto == packet.ProtoICMP || l4proto == packet.ProtoICMPv6 {
		return true
	}
	if v.IsAllowReuse {
		return true
	}
	return v.TriggerAddr == dstAddr && v.TriggerPort == dstPort
}

// ConfigureStatic installs a static port-forward or DMZ rule.
func (e *Engine) ConfigureStatic(prefix netip.Prefix, rule StaticMapping) error {
	return e.static.Insert(prefix, rule)
}

// LookupStatic finds a static mapping covering addr.
func (e *Engine) LookupStatic(addr netip.Addr) (StaticMapping, bool) {
	return e.static.Lookup(addr)
}

// RewriteSource rewrites an IPv4/TCP|UDP|ICMP packet's source address and
// port (or, for ICMP echo/timestamp query messages, its identifier) in
// place, updating the IPv4 and L4 checksums incrementally. buf must be
// the packet sliced to start at the IPv4 header, and l4Offset is relative
// to that start.
func RewriteSource(buf []byte, l4Offset int, l4proto uint8, oldAddr, newAddr netip.Addr, oldPort, newPort uint16) error {
	return rewriteAddrPort(buf, l4Offset, l4proto, oldAddr, newAddr, oldPort, newPort, 12, 0)
}

// RewriteDestination is RewriteSource's mirror image for the ingress
// direction: it rewrites the destination address/port (or ICMP echo id)
// instead of the source, the field a reply packet carries the NAT-side
// tuple in.
func RewriteDestination(buf []byte, l4Offset int, l4proto uint8, oldAddr, newAddr netip.Addr, oldPort, newPort uint16) error {
	return rewriteAddrPort(buf, l4Offset, l4proto, oldAddr, newAddr, oldPort, newPort, 16, 2)
}

// rewriteAddrPort implements both RewriteSource (ipFieldOffset=12,
// l4PortOffset=0) and RewriteDestination (ipFieldOffset=16,
// l4PortOffset=2) against whichever address/port field those offsets
// name within the IPv4 and TCP/UDP/ICMP headers.
func rewriteAddrPort(buf []byte, l4Offset int, l4proto uint8, oldAddr, newAddr netip.Addr, oldPort, newPort uint16, ipFieldOffset, l4PortOffset int) error {
	if !oldAddr.Is4() || !newAddr.Is4() {
		return dperrors.New(dperrors.KindNotSupported, "nat rewrite only supports IPv4 addresses")
	}
	old4 := oldAddr.As4()
	new4 := newAddr.As4()

	ipChecksum := binary.BigEndian.Uint16(buf[10:12])
	ipChecksum = checksum.Update32(ipChecksum, old4, new4)
	binary.BigEndian.PutUint16(buf[10:12], ipChecksum)
	copy(buf[ipFieldOffset:ipFieldOffset+4], new4[:])

	portOffset := l4Offset + l4PortOffset

	switch l4proto {
	case packet.ProtoTCP:
		l4c := binary.BigEndian.Uint16(buf[l4Offset+16 : l4Offset+18])
		l4c = checksum.Update32(l4c, old4, new4)
		l4c = checksum.Update16(l4c, oldPort, newPort)
		binary.BigEndian.PutUint16(buf[l4Offset+16:l4Offset+18], l4c)
		binary.BigEndian.PutUint16(buf[portOffset:portOffset+2], newPort)
	case packet.ProtoUDP:
		l4c := binary.BigEndian.Uint16(buf[l4Offset+6 : l4Offset+8])
		if l4c != 0 {
			oldHi := binary.BigEndian.Uint16(old4[0:2])
			oldLo := binary.BigEndian.Uint16(old4[2:4])
			newHi := binary.BigEndian.Uint16(new4[0:2])
			newLo := binary.BigEndian.Uint16(new4[2:4])
			l4c = checksum.UpdateZeroExempt(l4c, oldHi, newHi)
			l4c = checksum.UpdateZeroExempt(l4c, oldLo, newLo)
			l4c = checksum.UpdateZeroExempt(l4c, oldPort, newPort)
			binary.BigEndian.PutUint16(buf[l4Offset+6:l4Offset+8], l4c)
		}
		binary.BigEndian.PutUint16(buf[portOffset:portOffset+2], newPort)
	case packet.ProtoICMP:
		// ICMP query messages (echo, timestamp) carry no port; the 16-bit
		// identifier at the same header position stands in for it, and
		// the ICMP checksum covers only the ICMP message itself, not an
		// IPv4 pseudo header, so no address-derived delta applies here.
		l4c := binary.BigEndian.Uint16(buf[l4Offset+2 : l4Offset+4])
		l4c = checksum.Update16(l4c, oldPort, newPort)
		binary.BigEndian.PutUint16(buf[l4Offset+2:l4Offset+4], l4c)
		binary.BigEndian.PutUint16(buf[l4Offset+4:l4Offset+6], newPort)
	default:
		return dperrors.Errorf(dperrors.KindNotSupported, "nat rewrite unsupported l4 protocol %d", l4proto)
	}
	return nil
}

// TransitionConntrack applies the conntrack state machine transition for
// pktClass, returning the new state. It never narrows an established
// connection back to INIT except on an explicit SYN or RST, matching the
// original design's rule that any other TCP packet holds the entry at its
// current state.
func (c *Conntrack) TransitionConntrack(l4proto uint8, pktClass packet.PktClass) (State, time.Duration) {
	for {
		cur := State(c.state.Load())
		var next State
		var timeout time.Duration

		switch {
		case l4proto != packet.ProtoTCP:
			next, timeout = StateOtherEst, UDPTimeout
		case pktClass == packet.ClassTCPSyn:
			next, timeout = StateInit, TCPSynTimeout
		case pktClass == packet.ClassTCPRst:
			next, timeout = StateInit, TCPSynTimeout
		case pktClass == packet.ClassTCPFin:
			next, timeout = StateTCPFin, TCPTransTimeout
		default:
			next, timeout = cur, TCPTimeout
			if cur == StateInit || cur == StateTCPSynAck {
				timeout = TCPTransTimeout
			}
		}

		if c.state.CompareAndSwap(uint32(cur), uint32(next)) {
			if c.timer != nil {
				c.timer.Reset(timeout)
			}
			return next, timeout
		}
	}
}

// RewriteICMPError rewrites an ICMP error packet (dest-unreachable,
// time-exceeded, etc.) that is carrying a copy of the original offending
// packet's header in its payload. The outer IP source/destination is the
// responding router, not a NAT client, so only the embedded inner header
// is translated: the inner packet's address and port are rewritten the
// opposite direction from a normal mapping, and three incremental
// checksum updates are folded into the ICMP checksum in sequence, since
// the ICMP checksum covers the ICMP header plus the whole embedded copy:
//
//  1. the inner IP header's own checksum changes (address substitution)
//  2. the inner L4 checksum changes, if the embedded payload carries
//     enough of the L4 header to have one (TCP/UDP only)
//  3. the raw inner address/port bytes themselves change
//
// buf is the ICMP payload starting at the embedded IPv4 header, and
// innerL4Offset is relative to that start. icmpChecksum is the ICMP
// checksum's current value; the updated value is returned for the caller
// to store.
func RewriteICMPError(buf []byte, icmpChecksum uint16, innerL4Offset int, innerL4Proto uint8, oldAddr, newAddr netip.Addr, newPort uint16, rewriteSourceSide bool) (uint16, error) {
	if !oldAddr.Is4() || !newAddr.Is4() {
		return 0, dperrors.New(dperrors.KindNotSupported, "RewriteICMPError only supports IPv4 addresses")
	}
	old4 := oldAddr.As4()
	new4 := newAddr.As4()

	// Stage 1: the inner IP header checksum changes with the address.
	innerIPChecksum := binary.BigEndian.Uint16(buf[10:12])
	newInnerIPChecksum := checksum.Update32(innerIPChecksum, old4, new4)
	binary.BigEndian.PutUint16(buf[10:12], newInnerIPChecksum)
	icmpChecksum = checksum.Update16(icmpChecksum, innerIPChecksum, newInnerIPChecksum)

	// Stage 2: the inner L4 checksum changes, when present and long
	// enough to have been captured by the "original datagram" copy (the
	// ICMP payload usually only carries 8 bytes of L4 header, which is
	// enough to cover ports but not always the checksum field itself).
	switch innerL4Proto {
	case packet.ProtoTCP:
		if len(buf) >= innerL4Offset+18 {
			l4c := binary.BigEndian.Uint16(buf[innerL4Offset+16 : innerL4Offset+18])
			newL4c := checksum.Update32(l4c, old4, new4)
			binary.BigEndian.PutUint16(buf[innerL4Offset+16:innerL4Offset+18], newL4c)
			icmpChecksum = checksum.Update16(icmpChecksum, l4c, newL4c)
		}
	case packet.ProtoUDP:
		if len(buf) >= innerL4Offset+8 {
			l4c := binary.BigEndian.Uint16(buf[innerL4Offset+6 : innerL4Offset+8])
			if l4c != 0 {
				oldHi := binary.BigEndian.Uint16(old4[0:2])
				oldLo := binary.BigEndian.Uint16(old4[2:4])
				newHi := binary.BigEndian.Uint16(new4[0:2])
				newLo := binary.BigEndian.Uint16(new4[2:4])
				newL4c := checksum.UpdateZeroExempt(l4c, oldHi, newHi)
				newL4c = checksum.UpdateZeroExempt(newL4c, oldLo, newLo)
				binary.BigEndian.PutUint16(buf[innerL4Offset+6:innerL4Offset+8], newL4c)
				icmpChecksum = checksum.Update16(icmpChecksum, l4c, newL4c)
			}
		}
	}

	// Stage 3: the raw address bytes, and the port if the embedded copy
	// reaches far enough to include it.
	var oldAddrBytes []byte
	if rewriteSourceSide {
		oldAddrBytes = buf[12:16]
	} else {
		oldAddrBytes = buf[16:20]
	}
	oldWordHi := binary.BigEndian.Uint16(oldAddrBytes[0:2])
	oldWordLo := binary.BigEndian.Uint16(oldAddrBytes[2:4])
	newWordHi := binary.BigEndian.Uint16(new4[0:2])
	newWordLo := binary.BigEndian.Uint16(new4[2:4])
	icmpChecksum = checksum.Update16(icmpChecksum, oldWordHi, newWordHi)
	icmpChecksum = checksum.Update16(icmpChecksum, oldWordLo, newWordLo)
	if rewriteSourceSide {
		copy(buf[12:16], new4[:])
	} else {
		copy(buf[16:20], new4[:])
	}

	if len(buf) >= innerL4Offset+2 {
		var portOffset int
		if rewriteSourceSide {
			portOffset = innerL4Offset
		} else {
			portOffset = innerL4Offset + 2
		}
		if len(buf) >= portOffset+2 {
			oldPortVal := binary.BigEndian.Uint16(buf[portOffset : portOffset+2])
			icmpChecksum = checksum.Update16(icmpChecksum, oldPortVal, newPort)
			binary.BigEndian.PutUint16(buf[portOffset:portOffset+2], newPort)
		}
	}

	return icmpChecksum, nil
}

// RewriteOuterAddress rewrites only the destination IPv4 address and its
// header checksum. Used for the outer header of an ICMP error being
// delivered back to the original LAN client: the outer L4 layer is the
// ICMP error itself, which carries no port to rewrite at that level.
func RewriteOuterAddress(buf []byte, oldAddr, newAddr netip.Addr) error {
	if !oldAddr.Is4() || !newAddr.Is4() {
		return dperrors.New(dperrors.KindNotSupported, "RewriteOuterAddress only supports IPv4 addresses")
	}
	old4 := oldAddr.As4()
	new4 := newAddr.As4()

	ipChecksum := binary.BigEndian.Uint16(buf[10:12])
	ipChecksum = checksum.Update32(ipChecksum, old4, new4)
	binary.BigEndian.PutUint16(buf[10:12], ipChecksum)
	copy(buf[16:20], new4[:])
	return nil
}

// NewConntrack builds a Conntrack entry in StateInit, arming its expiry
// timer to call onExpire and delete itself (and its mapping pair) when
// it fires without being refreshed.
func NewConntrack(triggerAddr netip.Addr, triggerPort uint16, timeout time.Duration, onExpire func()) *Conntrack {
	c := &Conntrack{TriggerAddr: triggerAddr, TriggerPort: triggerPort}
	c.timer = time.AfterFunc(timeout, onExpire)
	return c
}
