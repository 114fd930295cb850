// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package telemetry implements the ring-buffer event channels a real
// control plane would drain for connection tracking and path-MTU
// diagnostics: buffered Go channels standing in for a BPF ringbuf, each
// event tagged with a correlation id so an external consumer can join it
// against other signals.
package telemetry

import (
	"net/netip"

	"github.com/google/uuid"
)

// NATEventKind classifies a NAT lifecycle event.
type NATEventKind uint8

const (
	NATEventCreated NATEventKind = iota
	NATEventExpired
)

// NATEvent describes a NAT mapping's creation or expiry, attributing it
// to the flow that created it (the v3 mapping layout's FlowID field).
type NATEvent struct {
	CorrelationID uuid.UUID
	Kind          NATEventKind
	FlowID        uint8
	L4Proto       uint8
	ClientAddr    netip.Addr
	ClientPort    uint16
	NatAddr       netip.Addr
	NatPort       uint16
}

// ICMPNotice describes an ICMP/ICMPv6 "too big" message the PPPoE
// Adapter synthesized for an oversized outbound packet.
type ICMPNotice struct {
	CorrelationID uuid.UUID
	SrcAddr       netip.Addr
	DstAddr       netip.Addr
	MTU           int
}

const defaultBufferSize = 1024

// Bus holds the ring-buffer channels a running data plane publishes to
// and a consumer drains from.
type Bus struct {
	NATEvents   chan NATEvent
	ICMPNotices chan ICMPNotice
}

// NewBus builds a Bus with default-sized buffered channels.
func NewBus() *Bus {
	return &Bus{
		NATEvents:   make(chan NATEvent, defaultBufferSize),
		ICMPNotices: make(chan ICMPNotice, defaultBufferSize),
	}
}

// PublishNATEvent stamps a new correlation id and pushes ev onto the
// bus, dropping it rather than blocking if the consumer has fallen
// behind — exactly how a BPF ringbuf behaves once full.
func (b *Bus) PublishNATEvent(ev NATEvent) (published bool) {
	ev.CorrelationID = uuid.New()
	select {
	case b.NATEvents <- ev:
		return true
	default:
		return false
	}
}

// PublishICMPNotice stamps a new correlation id and pushes n onto the
// bus, dropping it rather than blocking if full.
func (b *Bus) PublishICMPNotice(n ICMPNotice) (published bool) {
	n.CorrelationID = uuid.New()
	select {
	case b.ICMPNotices <- n:
		return true
	default:
		return false
	}
}
