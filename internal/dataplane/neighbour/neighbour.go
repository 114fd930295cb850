// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package neighbour reads the kernel neighbour table to resolve a
// next-hop address to a link-layer MAC address, the in-process stand-in
// for the out-of-scope kprobe feed that would otherwise keep the
// neighbour-cache map in sync with the kernel's own ARP/NDP state.
// IPv4/bridge neighbours come from a netlink snoop; IPv6 next hops the
// snoop hasn't observed yet are resolved on demand via NDP.
package neighbour

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/mdlayher/ndp"
	"github.com/vishvananda/netlink"

	dperrors "github.com/kiss2u/landscape-go/internal/errors"
	"github.com/kiss2u/landscape-go/internal/logging"
)

// Cache is a neighbour-address-to-MAC cache, filled by Sync (a netlink
// snoop) and by ResolveIPv6ViaNDP. Resolve only reads it; a miss does
// not trigger an NDP solicitation.
type Cache struct {
	mu      sync.RWMutex
	entries map[netip.Addr]net.HardwareAddr

	ndpTimeout time.Duration
}

// New builds an empty Cache.
func New() *Cache {
	return &Cache{
		entries:    make(map[netip.Addr]net.HardwareAddr),
		ndpTimeout: 2 * time.Second,
	}
}

// Resolve implements route.NeighbourResolver: it looks the address up in
// the cache, populated by Sync.
func (c *Cache) Resolve(addr netip.Addr) (net.HardwareAddr, bool) {
	c.mu.RLock()
	mac, ok := c.entries[addr]
	c.mu.RUnlock()
	return mac, ok
}

// Set installs a resolved entry directly, used both by Sync and by the
// NDP fallback path.
func (c *Cache) Set(addr netip.Addr, mac net.HardwareAddr) {
	c.mu.Lock()
	c.entries[addr] = mac
	c.mu.Unlock()
}

// Sync installs or overwrites cache entries from the kernel neighbour
// table's current contents for the given link, as netlink reports it
// (FAILED/INCOMPLETE/NONE entries are skipped; every other state is
// treated as usable). Cached entries the kernel no longer reports are not
// removed.
func (c *Cache) Sync(linkIndex int) error {
	neighs, err := netlink.NeighList(linkIndex, 0)
	if err != nil {
		return dperrors.Errorf(dperrors.KindUnavailable, "netlink neigh list: %v", err)
	}
	for _, n := range neighs {
		if n.State&(netlink.NUD_FAILED|netlink.NUD_INCOMPLETE|netlink.NUD_NONE) != 0 {
			continue
		}
		if n.HardwareAddr == nil || n.IP == nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		c.Set(addr.Unmap(), n.HardwareAddr)
	}
	return nil
}

// ResolveIPv6ViaNDP sends a neighbour solicitation for target out iface
// and blocks (bounded by the cache's ndpTimeout) for the advertisement,
// caching and returning the resolved MAC on success. It is meant as a
// fallback when an IPv6 next hop has not yet shown up in a netlink snoop.
func (c *Cache) ResolveIPv6ViaNDP(iface *net.Interface, target netip.Addr) (net.HardwareAddr, error) {
	if !target.Is6() {
		return nil, dperrors.New(dperrors.KindNotSupported, "ndp resolution requires an ipv6 address")
	}

	conn, _, err := ndp.Listen(iface, ndp.LinkLocal)
	if err != nil {
		return nil, dperrors.Errorf(dperrors.KindUnavailable, "open ndp conn: %v", err)
	}
	defer conn.Close()

	msg := &ndp.NeighborSolicitation{
		TargetAddress: target,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{Direction: ndp.Source, Addr: iface.HardwareAddr},
		},
	}

	snm, err := ndp.SolicitedNodeMulticast(target)
	if err != nil {
		return nil, dperrors.Errorf(dperrors.KindInternal, "solicited-node multicast: %v", err)
	}
	if err := conn.WriteTo(msg, nil, snm); err != nil {
		return nil, dperrors.Errorf(dperrors.KindUnavailable, "write ndp solicitation: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.ndpTimeout)); err != nil {
		return nil, dperrors.Errorf(dperrors.KindInternal, "set ndp read deadline: %v", err)
	}

	reply, _, _, err := conn.ReadFrom()
	if err != nil {
		return nil, dperrors.Errorf(dperrors.KindTimeout, "read ndp advertisement: %v", err)
	}
	na, ok := reply.(*ndp.NeighborAdvertisement)
	if !ok || na.TargetAddress != target {
		return nil, dperrors.New(dperrors.KindStateMiss, "unexpected ndp reply")
	}
	for _, opt := range na.Options {
		if lla, ok := opt.(*ndp.LinkLayerAddress); ok && lla.Direction == ndp.Target {
			c.Set(target, lla.Addr)
			return lla.Addr, nil
		}
	}
	return nil, dperrors.New(dperrors.KindStateMiss, "ndp advertisement carried no link-layer address")
}

// RunSyncLoop periodically resyncs the cache for linkIndex until ctx is
// canceled, logging (not failing) on a transient netlink error.
func (c *Cache) RunSyncLoop(ctx context.Context, linkIndex int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(linkIndex); err != nil {
				logging.Default().Warn("neighbour sync failed", "link_index", linkIndex, "error", err)
			}
		}
	}
}
