// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package natpt6 implements IPv6 prefix translation: the high bits of a
// client address are swapped for the router's current WAN prefix on
// egress, and restored from a per-client cache on ingress. Unlike IPv4
// NAPT this never touches ports; the host portion of the address is
// preserved so existing IPv6 flow semantics (PMTUD, ICMPv6) still work.
package natpt6

import (
	"net/netip"

	"github.com/kiss2u/landscape-go/internal/dataplane/checksum"
	dperrors "github.com/kiss2u/landscape-go/internal/errors"
	"github.com/kiss2u/landscape-go/internal/dataplane/sharedmap"
)

// IDBits is the width of the reserved id nibble carved out of the low 64
// bits, leaving 60 bits of genuine host identity.
const IDBits = 4

// CacheKey identifies one client's translation state.
type CacheKey struct {
	ClientSuffix uint64 // low 64 bits of the client's original address
	ClientPort   uint16
	IDByte       uint8
	L4Proto      uint8
}

// CacheValue remembers enough to reverse the translation and to apply the
// restricted-cone filter on ingress.
type CacheValue struct {
	ClientPrefix [8]byte
	TriggerAddr  netip.Addr
	TriggerPort  uint16
	IsAllowReuse bool
}

const defaultCapacity = 1 << 16

// Translator holds the per-client prefix cache for one WAN prefix.
type Translator struct {
	WANPrefix [8]byte // high 64 bits the router currently advertises
	cache     *sharedmap.LRU[CacheKey, CacheValue]
}

// New builds a Translator advertising wanPrefix (the high 8 bytes of the
// router's delegated IPv6 prefix).
func New(wanPrefix [8]byte) *Translator {
	return &Translator{WANPrefix: wanPrefix, cache: sharedmap.NewLRU[CacheKey, CacheValue](defaultCapacity)}
}

func hostHalf(addr netip.Addr) [8]byte {
	b := addr.As16()
	var h [8]byte
	copy(h[:], b[8:16])
	return h
}

func idByteOf(host [8]byte) uint8 {
	// the id nibble sits at bits 56-59 of the 64-bit host half, i.e. the
	// high nibble of the last byte.
	return host[7] >> 4
}

func withHighNibbleCleared(host [8]byte) uint64 {
	host[7] &^= 0xF0
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(host[i])
	}
	return v
}

// TranslateEgress rewrites addr's high 64 bits to the current WAN prefix,
// preserving the low 60 bits of host identity and the id nibble. It
// records a cache entry so TranslateIngress can reverse the operation.
func (t *Translator) TranslateEgress(addr netip.Addr, l4proto uint8, clientPort uint16, triggerAddr netip.Addr, triggerPort uint16, allowReuse bool) (netip.Addr, error) {
	if !addr.Is6() {
		return netip.Addr{}, dperrors.New(dperrors.KindNotSupported, "natpt6 requires an ipv6 address")
	}
	orig := addr.As16()
	host := hostHalf(addr)
	id := idByteOf(host)
	suffix := withHighNibbleCleared(host)

	var out [16]byte
	copy(out[0:8], t.WANPrefix[:])
	copy(out[8:16], orig[8:16])

	key := CacheKey{ClientSuffix: suffix, ClientPort: clientPort, IDByte: id, L4Proto: l4proto}
	var clientPrefix [8]byte
	copy(clientPrefix[:], orig[0:8])
	t.cache.Put(key, CacheValue{ClientPrefix: clientPrefix, TriggerAddr: triggerAddr, TriggerPort: triggerPort, IsAllowReuse: allowReuse})

	newAddr := netip.AddrFrom16(out)
	return newAddr, nil
}

// TranslateIngress restores addr's original client prefix from the cache
// keyed by the packet's destination (the translated address) suffix. It
// returns the restored address and the cache entry for restricted-cone
// evaluation.
func (t *Translator) TranslateIngress(addr netip.Addr, l4proto uint8, clientPort uint16) (netip.Addr, CacheValue, bool) {
	if !addr.Is6() {
		return netip.Addr{}, CacheValue{}, false
	}
	b := addr.As16()
	host := hostHalf(addr)
	id := idByteOf(host)
	suffix := withHighNibbleCleared(host)

	key := CacheKey{ClientSuffix: suffix, ClientPort: clientPort, IDByte: id, L4Proto: l4proto}
	v, ok := t.cache.Get(key)
	if !ok {
		return netip.Addr{}, CacheValue{}, false
	}

	var out [16]byte
	copy(out[0:8], v.ClientPrefix[:])
	copy(out[8:16], b[8:16])
	return netip.AddrFrom16(out), v, true
}

// UpdateICMPv6Checksum applies the dual-64-bit-half incremental checksum
// update for an address substitution, mirroring the IPv4 ICMP three-stage
// update but across the wider address width.
func UpdateICMPv6Checksum(oldChecksum uint16, oldAddr, newAddr netip.Addr) uint16 {
	old16 := oldAddr.As16()
	new16 := newAddr.As16()
	return checksum.Update128(oldChecksum, old16, new16)
}
