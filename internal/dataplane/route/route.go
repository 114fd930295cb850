// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package route implements the LAN/WAN route engine: it resolves the next
// interface for a packet, decides whether a link-layer header must be
// pushed, and maintains the bidirectional WAN/LAN route-cache that lets
// later packets of an established flow skip the LPM and flow-verdict
// lookups entirely.
package route

import (
	"net"
	"net/netip"

	"github.com/kiss2u/landscape-go/internal/dataplane/classify"
	"github.com/kiss2u/landscape-go/internal/dataplane/mark"
	"github.com/kiss2u/landscape-go/internal/dataplane/packet"
	"github.com/kiss2u/landscape-go/internal/dataplane/sharedmap"
	"github.com/kiss2u/landscape-go/internal/dataplane/vlanredirect"
	"github.com/kiss2u/landscape-go/internal/dataplane/verdict"
)

// LanRouteInfo is the value side of the lan-route LPM.
type LanRouteInfo struct {
	Ifindex     uint32
	HasLinkMAC  bool
	LinkMAC     net.HardwareAddr
	IsNextHop   bool
	NextHopAddr netip.Addr
}

// FlowTargetKey selects a route target by classified flow and protocol.
type FlowTargetKey struct {
	FlowID  classify.FlowID
	L3Proto packet.L3Proto
}

// FlowTarget is the value side of the flow-target map.
type FlowTarget struct {
	Ifindex          uint32
	GatewayAddr      netip.Addr
	HasLinkMAC       bool
	DestMAC          net.HardwareAddr
	IsContainerNetns bool
}

type cacheKey struct {
	LocalAddr  netip.Addr
	RemoteAddr netip.Addr
}

// Redirect is the verdict the engine reaches for one packet.
type Redirect struct {
	Action       RedirectAction
	Ifindex      uint32
	PrependEther bool
	EtherDstMAC  net.HardwareAddr
	PushVlanTCI  uint16
	PushVlan     bool
}

type RedirectAction uint8

const (
	// ActPassToStack leaves the packet for the host network stack.
	ActPassToStack RedirectAction = iota
	ActRedirect
	ActDrop
)

// NeighbourResolver looks up the link-layer MAC for a next-hop address,
// standing in for the kernel neighbour table the data plane only reads.
type NeighbourResolver interface {
	Resolve(addr netip.Addr) (net.HardwareAddr, bool)
}

// Engine is the LAN/WAN route engine.
type Engine struct {
	LanRoute   *sharedmap.LPM[LanRouteInfo]
	FlowTarget *sharedmap.Hash[FlowTargetKey, FlowTarget]
	Verdict    *verdict.Verdict
	Neighbour  NeighbourResolver

	wanCache *sharedmap.LRU[cacheKey, uint32]    // local(dst)->remote(src) => ifindex, learned on WAN ingress when learnCacheHint is set
	lanCache *sharedmap.LRU[cacheKey, mark.Word] // local(src)->remote(dst) => mark, learned on LAN redirect
}

const routeCacheCapacity = 65536

// New builds an Engine wired to the given shared tables.
func New(lanRoute *sharedmap.LPM[LanRouteInfo], flowTarget *sharedmap.Hash[FlowTargetKey, FlowTarget], v *verdict.Verdict, nb NeighbourResolver) *Engine {
	return &Engine{
		LanRoute:   lanRoute,
		FlowTarget: flowTarget,
		Verdict:    v,
		Neighbour:  nb,
		wanCache:   sharedmap.NewLRU[cacheKey, uint32](routeCacheCapacity),
		lanCache:   sharedmap.NewLRU[cacheKey, mark.Word](routeCacheCapacity),
	}
}

func (e *Engine) etherFor(known net.HardwareAddr, nextHop netip.Addr) (bool, net.HardwareAddr) {
	if known != nil {
		return true, known
	}
	if e.Neighbour != nil {
		if mac, ok := e.Neighbour.Resolve(nextHop); ok {
			return true, mac
		}
	}
	return false, nil
}

// LANIngress handles a packet arriving on a LAN-classified interface.
// currentIfindex is the ifindex the packet arrived on.
func (e *Engine) LANIngress(ctx *packet.Context, currentIfindex uint32, m *mark.Word) Redirect {
	key := cacheKey{LocalAddr: ctx.Tuple.DstAddr, RemoteAddr: ctx.Tuple.SrcAddr}
	if ifindex, ok := e.wanCache.Get(key); ok {
		return e.redirectTo(ifindex, ctx.Tuple.DstAddr, nil)
	}

	if info, ok := e.LanRoute.Lookup(ctx.Tuple.DstAddr); ok && info.Ifindex != currentIfindex {
		return e.redirectTo(info.Ifindex, ctx.Tuple.DstAddr, nil)
	}

	rule := e.Verdict.Evaluate(classify.FlowID(m.FlowID()), ctx.Tuple.DstAddr)
	switch rule.Action {
	case verdict.Drop:
		return Redirect{Action: ActDrop}
	case verdict.Direct:
		*m = m.WithFlowID(0)
		return Redirect{Action: ActPassToStack}
	case verdict.KeepGoing:
		return Redirect{Action: ActPassToStack}
	case verdict.Redirect:
		*m = m.WithFlowID(uint8(rule.RedirectFlowID))
	}

	target, ok := e.FlowTarget.Lookup(FlowTargetKey{FlowID: classify.FlowID(m.FlowID()), L3Proto: ctx.Offsets.L3Proto})
	if !ok {
		return Redirect{Action: ActPassToStack}
	}

	lanKey := cacheKey{LocalAddr: ctx.Tuple.SrcAddr, RemoteAddr: ctx.Tuple.DstAddr}
	e.wanCache.Delete(lanKey)
	e.lanCache.Put(lanKey, *m)

	if target.IsContainerNetns {
		return Redirect{
			Action:      ActRedirect,
			Ifindex:     target.Ifindex,
			PushVlan:    true,
			PushVlanTCI: vlanredirect.Encode(m.FlowID()),
		}
	}
	var knownMAC net.HardwareAddr
	if target.HasLinkMAC {
		knownMAC = target.DestMAC
	}
	return e.redirectTo(target.Ifindex, target.GatewayAddr, knownMAC)
}

// WANIngress handles a packet arriving on a WAN-classified interface.
// wanAssigned is the WAN address assigned to this interface (from
// wan-ip-binding); if dst does not match it, the packet is passed to the
// kernel stack untouched (it is not addressed to this router).
func (e *Engine) WANIngress(ctx *packet.Context, currentIfindex uint32, wanAssigned netip.Addr, learnCacheHint bool) Redirect {
	if ctx.Tuple.DstAddr != wanAssigned {
		return Redirect{Action: ActPassToStack}
	}

	if info, ok := e.LanRoute.Lookup(ctx.Tuple.DstAddr); ok {
		r := e.redirectTo(info.Ifindex, ctx.Tuple.DstAddr, nil)
		if learnCacheHint {
			key := cacheKey{LocalAddr: ctx.Tuple.DstAddr, RemoteAddr: ctx.Tuple.SrcAddr}
			e.lanCache.Delete(key)
			e.wanCache.Put(key, currentIfindex)
		}
		return r
	}

	return Redirect{Action: ActPassToStack}
}

func (e *Engine) redirectTo(ifindex uint32, nextHop netip.Addr, knownMAC net.HardwareAddr) Redirect {
	found, mac := e.etherFor(knownMAC, nextHop)
	return Redirect{Action: ActRedirect, Ifindex: ifindex, PrependEther: found, EtherDstMAC: mac}
}

// LearnLANCacheEntry records the flow mark chosen for a LAN-originated
// flow, keyed by (local, remote), for fast-path reuse by later packets.
func (e *Engine) LearnLANCacheEntry(local, remote netip.Addr, m mark.Word) {
	key := cacheKey{LocalAddr: local, RemoteAddr: remote}
	e.wanCache.Delete(key)
	e.lanCache.Put(key, m)
}

// LookupLANCache returns the learned mark for (local, remote), if any.
func (e *Engine) LookupLANCache(local, remote netip.Addr) (mark.Word, bool) {
	return e.lanCache.Get(cacheKey{LocalAddr: local, RemoteAddr: remote})
}

// LookupWANCache returns the learned ifindex for (local, remote), if any.
func (e *Engine) LookupWANCache(local, remote netip.Addr) (uint32, bool) {
	return e.wanCache.Get(cacheKey{LocalAddr: local, RemoteAddr: remote})
}
