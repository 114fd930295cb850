// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package fragment tracks the L4 ports carried by the first fragment of a
// fragmented datagram, so that middle and last fragments — which carry no
// transport header of their own — can be keyed into NAT and conntrack the
// same way the first fragment was.
package fragment

import (
	"net/netip"
	"sync"

	dperrors "github.com/kiss2u/landscape-go/internal/errors"
	"github.com/kiss2u/landscape-go/internal/dataplane/packet"
	"github.com/kiss2u/landscape-go/internal/dataplane/sharedmap"
)

// Capacity matches the original fragment_cache sizing: 32Ki entries.
const Capacity = 1024 * 32

// Key identifies one fragmentation session. Ports are deliberately absent:
// they are what this cache exists to recover.
type Key struct {
	L4Proto uint8
	ID      uint32
	SrcAddr netip.Addr
	DstAddr netip.Addr
}

// Ports holds the transport ports learned from a first fragment.
type Ports struct {
	SrcPort uint16
	DstPort uint16
}

// Tracker is the fragment reassembly-port cache. It never reassembles
// payloads; it only remembers which ports belong to which fragmented flow.
type Tracker struct {
	mu    sync.Mutex
	cache *sharedmap.LRU[Key, Ports]
}

// New builds a Tracker backed by an LRU of Capacity entries.
func New() *Tracker {
	return &Tracker{cache: sharedmap.NewLRU[Key, Ports](Capacity)}
}

func keyFor(o packet.Offsets, t packet.Tuple) Key {
	return Key{L4Proto: o.L4Proto, ID: o.FragmentID, SrcAddr: t.SrcAddr, DstAddr: t.DstAddr}
}

// Track records or recovers transport ports for ctx according to its
// fragment type. Whole (unfragmented) packets are a no-op. ICMP error
// packets are never tracked as fragments — a fragmented ICMP error is
// rejected outright, matching the scanner's own refusal to look inside a
// fragmented inner packet.
func (tr *Tracker) Track(ctx *packet.Context) error {
	if ctx.Offsets.FragmentType == packet.FragSingle {
		return nil
	}
	if ctx.Offsets.IsICMPError() {
		return dperrors.Errorf(dperrors.KindParseFail, "fragmented icmp error packets are not supported")
	}

	key := keyFor(ctx.Offsets, ctx.Tuple)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if ctx.Offsets.FragmentType == packet.FragFirst {
		tr.cache.Put(key, Ports{SrcPort: ctx.Tuple.SrcPort, DstPort: ctx.Tuple.DstPort})
		return nil
	}

	ports, ok := tr.cache.Get(key)
	if !ok {
		return dperrors.Errorf(dperrors.KindStateMiss, "fragmentation session of this packet was not tracked")
	}
	ctx.Tuple.SrcPort = ports.SrcPort
	ctx.Tuple.DstPort = ports.DstPort
	return nil
}

// Len reports the number of tracked fragmentation sessions, for tests and
// metrics.
func (tr *Tracker) Len() int {
	return tr.cache.Len()
}
