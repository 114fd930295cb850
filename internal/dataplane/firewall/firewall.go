// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall implements the stateless per-direction block lists and
// the dynamic pinhole table that lets return traffic back in through an
// otherwise-blocking rule.
package firewall

import (
	"net/netip"
	"sync"
	"time"

	"github.com/kiss2u/landscape-go/internal/dataplane/mark"
	"github.com/kiss2u/landscape-go/internal/dataplane/packet"
	"github.com/kiss2u/landscape-go/internal/dataplane/sharedmap"
	"github.com/kiss2u/landscape-go/internal/logging"
)

// Direction distinguishes which block list a packet is checked against.
// Egress checks the destination address (outbound traffic headed to a
// blocked remote); ingress checks the source address (inbound traffic
// arriving from a blocked remote).
type Direction uint8

const (
	Ingress Direction = iota
	Egress
)

// DefaultTimeout is how long a dynamically opened pinhole stays open
// without being refreshed by further matching traffic. Configurable at
// startup (before any pinhole is opened) via internal/config's
// FirewallConfig.PinholeTimeout.
var DefaultTimeout = 5 * time.Minute

// BlockEntry is the value stored in a block-list LPM entry.
type BlockEntry struct {
	Mark mark.Word
}

// PinholeKey identifies one opened pinhole: the local side of the
// connection that triggered it.
type PinholeKey struct {
	L3Proto   packet.L3Proto
	L4Proto   uint8
	LocalPort uint16
	LocalAddr netip.Addr
}

type pinholeState struct {
	mu           sync.Mutex
	triggerAddr  netip.Addr
	triggerPort  uint16
	mark         mark.Word
	timer        *time.Timer
}

// Firewall holds the IPv4/IPv6 block lists and the dynamic pinhole table.
type Firewall struct {
	BlockV4 *sharedmap.LPM[BlockEntry]
	BlockV6 *sharedmap.LPM[BlockEntry]

	pinholeMu sync.Mutex
	pinholes  map[PinholeKey]*pinholeState
}

// New builds a Firewall with block lists capped at capacity prefixes each.
func New(capacity int) *Firewall {
	return &Firewall{
		BlockV4:  sharedmap.NewLPM[BlockEntry](capacity),
		BlockV6:  sharedmap.NewLPM[BlockEntry](capacity),
		pinholes: make(map[PinholeKey]*pinholeState),
	}
}

func (f *Firewall) blockTable(l3 packet.L3Proto) *sharedmap.LPM[BlockEntry] {
	if l3 == packet.L3IPv6 {
		return f.BlockV6
	}
	return f.BlockV4
}

// Evaluate checks ctx against the block list for dir, then against the
// pinhole table when the block list would otherwise drop the packet. It
// returns true when the packet should be allowed to continue through the
// pipeline.
func (f *Firewall) Evaluate(dir Direction, ctx *packet.Context) bool {
	table := f.blockTable(ctx.Offsets.L3Proto)

	checkAddr := ctx.Tuple.DstAddr
	if dir == Ingress {
		checkAddr = ctx.Tuple.SrcAddr
	}

	if _, blocked := table.Lookup(checkAddr); !blocked {
		return true
	}

	if dir != Ingress {
		return false
	}
	return f.consultPinhole(ctx)
}

// consultPinhole looks up the pinhole keyed by the packet's local
// (destination) side. A hit that matches the original trigger remote
// refreshes the timer and allows the packet through.
func (f *Firewall) consultPinhole(ctx *packet.Context) bool {
	key := PinholeKey{
		L3Proto:   ctx.Offsets.L3Proto,
		L4Proto:   ctx.Offsets.L4Proto,
		LocalPort: ctx.Tuple.DstPort,
		LocalAddr: ctx.Tuple.DstAddr,
	}

	f.pinholeMu.Lock()
	st, ok := f.pinholes[key]
	f.pinholeMu.Unlock()
	if !ok {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.triggerAddr != ctx.Tuple.SrcAddr || st.triggerPort != ctx.Tuple.SrcPort {
		return false
	}
	st.timer.Reset(DefaultTimeout)
	return true
}

// OpenPinhole opens (or refreshes) a pinhole for outbound traffic from
// localAddr:localPort to triggerAddr:triggerPort, so that the single
// matching reply flow is let back in despite a block-list hit.
func (f *Firewall) OpenPinhole(l3 packet.L3Proto, l4 uint8, localAddr, triggerAddr netip.Addr, localPort, triggerPort uint16, m mark.Word) {
	key := PinholeKey{L3Proto: l3, L4Proto: l4, LocalPort: localPort, LocalAddr: localAddr}

	f.pinholeMu.Lock()
	defer f.pinholeMu.Unlock()

	if st, ok := f.pinholes[key]; ok {
		st.mu.Lock()
		st.triggerAddr = triggerAddr
		st.triggerPort = triggerPort
		st.mark = m
		st.timer.Reset(DefaultTimeout)
		st.mu.Unlock()
		return
	}

	st := &pinholeState{triggerAddr: triggerAddr, triggerPort: triggerPort, mark: m}
	st.timer = time.AfterFunc(DefaultTimeout, func() {
		f.pinholeMu.Lock()
		delete(f.pinholes, key)
		f.pinholeMu.Unlock()
		logging.Default().Debug("pinhole expired", "local_port", localPort, "local_addr", localAddr)
	})
	f.pinholes[key] = st
}

// ClosePinhole removes a pinhole immediately, stopping its timer first so
// the expiry callback cannot race a second delete of the same key.
func (f *Firewall) ClosePinhole(l3 packet.L3Proto, l4 uint8, localAddr netip.Addr, localPort uint16) {
	key := PinholeKey{L3Proto: l3, L4Proto: l4, LocalPort: localPort, LocalAddr: localAddr}

	f.pinholeMu.Lock()
	defer f.pinholeMu.Unlock()
	if st, ok := f.pinholes[key]; ok {
		st.timer.Stop()
		delete(f.pinholes, key)
	}
}

// PinholeCount reports the number of open pinholes, for tests and metrics.
func (f *Firewall) PinholeCount() int {
	f.pinholeMu.Lock()
	defer f.pinholeMu.Unlock()
	return len(f.pinholes)
}
