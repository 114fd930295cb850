// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classify assigns packets to a flow id based on source identity,
// protocol and QoS markers — the first stage that turns an anonymous
// packet into a named flow the rest of the pipeline can apply policy to.
package classify

import (
	"net"
	"net/netip"

	"github.com/kiss2u/landscape-go/internal/dataplane/mark"
	"github.com/kiss2u/landscape-go/internal/dataplane/packet"
	"github.com/kiss2u/landscape-go/internal/dataplane/sharedmap"
)

// IdentityKind distinguishes which form of source identity a Key carries.
type IdentityKind uint8

const (
	// IdentityMAC is used on interfaces with an L2 header.
	IdentityMAC IdentityKind = iota
	// IdentityIP is used on netif-less (layer-3) interfaces.
	IdentityIP
)

// Key is the lookup key into the flow match table: source identity plus
// protocol and QoS context. Identity is carried as a fixed 16-byte array
// so both MAC (6 bytes, zero padded) and IPv6 (16 bytes) addresses fit
// without an interface allocation on the hot path.
type Key struct {
	Kind     IdentityKind
	Identity [16]byte
	VlanTCI  uint32
	Tos      uint8
	L3Proto  packet.L3Proto
	L4Proto  uint8
}

// KeyFromMAC builds a Key identified by a source MAC address.
func KeyFromMAC(mac net.HardwareAddr, vlanTCI uint32, tos uint8, l3 packet.L3Proto, l4 uint8) Key {
	var id [16]byte
	copy(id[:], mac)
	return Key{Kind: IdentityMAC, Identity: id, VlanTCI: vlanTCI, Tos: tos, L3Proto: l3, L4Proto: l4}
}

// KeyFromIP builds a Key identified by a source IP address, for netif-less
// (layer-3) interfaces where no MAC is available.
func KeyFromIP(addr netip.Addr, vlanTCI uint32, tos uint8, l3 packet.L3Proto, l4 uint8) Key {
	var id [16]byte
	a16 := addr.As16()
	copy(id[:], a16[:])
	return Key{Kind: IdentityIP, Identity: id, VlanTCI: vlanTCI, Tos: tos, L3Proto: l3, L4Proto: l4}
}

// FlowID is a classified flow's identifier; 0 is the default, unclassified
// flow.
type FlowID uint8

// Classifier maps source identity to a flow id via a fixed hash table.
type Classifier struct {
	table *sharedmap.Hash[Key, FlowID]
}

// New builds a Classifier with a table capped at capacity entries.
func New(capacity int) *Classifier {
	return &Classifier{table: sharedmap.NewHash[Key, FlowID](capacity)}
}

// Configure installs or replaces the flow id matched by key.
func (c *Classifier) Configure(key Key, id FlowID) error {
	return c.table.Insert(key, id)
}

// Remove deletes a match rule, reporting whether it existed.
func (c *Classifier) Remove(key Key) bool {
	return c.table.Delete(key)
}

// Classify looks up key and, on a hit, replaces m's flow id with the
// matched one. On a miss m is left untouched, so a flow id that is still
// the default, 0, stays 0.
func (c *Classifier) Classify(key Key, m *mark.Word) {
	id, ok := c.table.Lookup(key)
	if !ok {
		return
	}
	*m = m.WithFlowID(uint8(id))
}
