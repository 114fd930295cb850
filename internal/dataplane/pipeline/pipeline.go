// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pipeline composes the individual processor packages into the
// single ordered sequence spec.md §2 describes: Scanner, Fragment
// Tracker, Firewall, Flow Classifier, Route (which itself consults Flow
// Verdict), NAT / IPv6 prefix translation, MSS clamp and PPPoE
// encapsulation. Each stage can short-circuit the rest by dropping the
// packet or handing it back to the host network stack untouched.
package pipeline

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/kiss2u/landscape-go/internal/dataplane/classify"
	"github.com/kiss2u/landscape-go/internal/dataplane/firewall"
	"github.com/kiss2u/landscape-go/internal/dataplane/fragment"
	"github.com/kiss2u/landscape-go/internal/dataplane/ifaces"
	"github.com/kiss2u/landscape-go/internal/dataplane/mark"
	"github.com/kiss2u/landscape-go/internal/dataplane/metrics"
	"github.com/kiss2u/landscape-go/internal/dataplane/mss"
	"github.com/kiss2u/landscape-go/internal/dataplane/nat"
	"github.com/kiss2u/landscape-go/internal/dataplane/natpt6"
	"github.com/kiss2u/landscape-go/internal/dataplane/packet"
	"github.com/kiss2u/landscape-go/internal/dataplane/pppoe"
	"github.com/kiss2u/landscape-go/internal/dataplane/route"
	"github.com/kiss2u/landscape-go/internal/dataplane/telemetry"
	dperrors "github.com/kiss2u/landscape-go/internal/errors"
	"github.com/kiss2u/landscape-go/internal/logging"
)

// WANLinkConfig holds the per-WAN-egress-interface settings that feed the
// NAT, MSS clamp and PPPoE stages: the assigned WAN address, the MTU used
// to compute the MSS ceiling, and an optional PPPoE session id.
type WANLinkConfig struct {
	Address      netip.Addr
	MTU          int
	PPPoESession uint16
	HasPPPoE     bool
}

// Pipeline wires together one instance of every processor stage and
// dispatches frames read off an ifaces.AttachmentManager.
type Pipeline struct {
	L3Offset int

	Firewall   *firewall.Firewall
	Fragments  *fragment.Tracker
	Classifier *classify.Classifier
	Route      *route.Engine
	NAT        *nat.Engine
	NATPT6     *natpt6.Translator

	Metrics   *metrics.Metrics
	Telemetry *telemetry.Bus

	wanLinks map[uint32]WANLinkConfig
}

// New builds a Pipeline. nat and natpt6 may be nil when the deployment
// has no IPv4 pool or no IPv6 prefix translation configured, respectively.
func New(l3Offset int, fw *firewall.Firewall, frag *fragment.Tracker, cl *classify.Classifier, rt *route.Engine, natEngine *nat.Engine, pt6 *natpt6.Translator, m *metrics.Metrics, bus *telemetry.Bus) *Pipeline {
	return &Pipeline{
		L3Offset:   l3Offset,
		Firewall:   fw,
		Fragments:  frag,
		Classifier: cl,
		Route:      rt,
		NAT:        natEngine,
		NATPT6:     pt6,
		Metrics:    m,
		Telemetry:  bus,
		wanLinks:   make(map[uint32]WANLinkConfig),
	}
}

// ConfigureWANLink records the per-interface settings the NAT, MSS and
// PPPoE stages need when redirecting a packet out ifindex.
func (p *Pipeline) ConfigureWANLink(ifindex uint32, cfg WANLinkConfig) {
	p.wanLinks[ifindex] = cfg
}

// HandleFrame implements ifaces.FrameHandler: it runs one raw Ethernet
// frame through the full stage sequence and returns the bytes to write
// back out, or nil to leave the frame for the host stack (or to drop it
// silently).
func (p *Pipeline) HandleFrame(ifindex uint32, role ifaces.Role, frame []byte) ([]byte, error) {
	ctx, err := packet.Scan(frame, p.L3Offset)
	if err != nil {
		p.bumpStage(func(s *metrics.StageMetrics) { s.Errors.Inc() }, func(pm *metrics.ProcessorMetrics) *metrics.StageMetrics { return pm.Fragment })
		return nil, err
	}

	if err := p.Fragments.Track(ctx); err != nil {
		p.bumpErr(func(pm *metrics.ProcessorMetrics) *metrics.StageMetrics { return pm.Fragment })
		return nil, nil
	}

	dir := firewall.Egress
	if role == ifaces.RoleWAN {
		dir = firewall.Ingress
	}
	if !p.Firewall.Evaluate(dir, ctx) {
		p.drop()
		return nil, nil
	}

	var m mark.Word
	p.Classifier.Classify(p.classifyKey(ctx, frame), &m)

	var redirect route.Redirect
	switch role {
	case ifaces.RoleLAN:
		redirect = p.Route.LANIngress(ctx, ifindex, &m)
	case ifaces.RoleWAN:
		link := p.wanLinks[ifindex]
		redirect = p.Route.WANIngress(ctx, ifindex, link.Address, true)
	default:
		return nil, nil
	}

	switch redirect.Action {
	case route.ActDrop:
		p.drop()
		return nil, nil
	case route.ActPassToStack:
		p.pass()
		return nil, nil
	}

	out := frame
	if err := p.translateAddress(role, ctx, out, m); err != nil {
		if dperrors.GetKind(err) == dperrors.KindStateMiss {
			p.drop()
			return nil, nil
		}
		p.bumpErr(func(pm *metrics.ProcessorMetrics) *metrics.StageMetrics { return pm.NAT })
		return nil, err
	}

	link := p.wanLinks[redirect.Ifindex]
	p.clampMSS(ctx, out, link)

	if redirect.PrependEther && p.L3Offset >= 14 {
		copy(out[0:6], redirect.EtherDstMAC)
	}

	if link.HasPPPoE {
		encapped, err := pppoe.Encap(out[p.L3Offset:], link.PPPoESession, ctx.Offsets.L3Proto)
		if err != nil {
			p.bumpErr(func(pm *metrics.ProcessorMetrics) *metrics.StageMetrics { return pm.PPPoE })
			return nil, err
		}
		out = append(append([]byte{}, out[:p.L3Offset]...), encapped...)
	}

	p.forward()
	return out, nil
}

func (p *Pipeline) classifyKey(ctx *packet.Context, frame []byte) classify.Key {
	if p.L3Offset >= 14 && len(frame) >= 12 {
		return classify.KeyFromMAC(net.HardwareAddr(frame[6:12]), 0, 0, ctx.Offsets.L3Proto, ctx.Offsets.L4Proto)
	}
	return classify.KeyFromIP(ctx.Tuple.SrcAddr, 0, 0, ctx.Offsets.L3Proto, ctx.Offsets.L4Proto)
}

// translateAddress applies IPv4 NAPT or IPv6 prefix translation to out in
// place, according to which direction the packet is crossing.
func (p *Pipeline) translateAddress(role ifaces.Role, ctx *packet.Context, out []byte, m mark.Word) error {
	switch ctx.Offsets.L3Proto {
	case packet.L3IPv4:
		if p.NAT == nil {
			return nil
		}
		return p.translateIPv4(role, ctx, out, m)
	case packet.L3IPv6:
		if p.NATPT6 == nil {
			return nil
		}
		return p.translateIPv6(role, ctx, out)
	default:
		return nil
	}
}

// translateIPv4 implements the egress allocate/rewrite half and the
// ingress lookup/rewrite half of IPv4 NAPT, keeping the conntrack entry
// for the flow created or refreshed in lockstep with whichever mapping
// the packet just exercised, and enforcing the restricted-cone filter
// against return traffic and mapping-reuse alike (the same predicate,
// checked on both the ingress and egress halves of a reused mapping).
func (p *Pipeline) translateIPv4(role ifaces.Role, ctx *packet.Context, out []byte, m mark.Word) error {
	ipBuf := out[ctx.Offsets.L3Offset:]
	l4Rel := ctx.Offsets.L4Offset - ctx.Offsets.L3Offset

	if role == ifaces.RoleLAN {
		v, err := p.NAT.AllocateOrRefresh(ctx.Offsets.L4Proto, ctx.Tuple.SrcAddr, ctx.Tuple.SrcPort, ctx.Tuple.DstAddr, ctx.Tuple.DstPort, m.PortReuseAllowed())
		if err != nil {
			return err
		}
		if err := nat.RewriteSource(ipBuf, l4Rel, ctx.Offsets.L4Proto, ctx.Tuple.SrcAddr, v.Addr, ctx.Tuple.SrcPort, v.Port); err != nil {
			return err
		}
		p.NAT.TrackFlow(ctx.Offsets.L4Proto, ctx.Tuple.SrcAddr, ctx.Tuple.SrcPort, v.Port, ctx.Tuple.DstAddr, ctx.Tuple.DstPort, ctx.Offsets.PktClass)
		return nil
	}

	if ctx.Offsets.IsICMPError() {
		return p.translateIPv4ICMPError(ctx, out)
	}

	v, ok := p.NAT.Lookup(nat.Ingress, ctx.Offsets.L4Proto, ctx.Tuple.DstPort, ctx.Tuple.DstAddr)
	if !ok {
		return nil
	}
	if !nat.RestrictedConeAllows(v, ctx.Offsets.L4Proto, ctx.Tuple.SrcAddr, ctx.Tuple.SrcPort) {
		return dperrors.Errorf(dperrors.KindStateMiss, "nat ingress restricted-cone drop from %s:%d", ctx.Tuple.SrcAddr, ctx.Tuple.SrcPort)
	}
	if err := nat.RewriteDestination(ipBuf, l4Rel, ctx.Offsets.L4Proto, ctx.Tuple.DstAddr, v.ClientAddr, ctx.Tuple.DstPort, v.ClientPort); err != nil {
		return err
	}
	p.NAT.TrackFlow(ctx.Offsets.L4Proto, v.ClientAddr, v.ClientPort, ctx.Tuple.DstPort, ctx.Tuple.SrcAddr, ctx.Tuple.SrcPort, ctx.Offsets.PktClass)
	return nil
}

// translateIPv4ICMPError delivers an ICMP error (dest-unreachable,
// time-exceeded) carrying a copy of a NAT-translated packet back to the
// LAN client that sent it: the embedded inner header is rewritten from
// the WAN-side tuple to the client's, and the outer destination is
// rewritten the same way so the reply actually routes to the client.
// This path does not touch conntrack or the restricted-cone filter: the
// error is a notification about an existing flow, not traffic on it.
func (p *Pipeline) translateIPv4ICMPError(ctx *packet.Context, out []byte) error {
	v, ok := p.NAT.Lookup(nat.Ingress, ctx.Offsets.ICMPErrorL4Proto, ctx.Tuple.DstPort, ctx.Tuple.DstAddr)
	if !ok {
		return nil
	}

	icmpChecksumOffset := ctx.Offsets.L4Offset + 2
	icmpChecksum := binary.BigEndian.Uint16(out[icmpChecksumOffset : icmpChecksumOffset+2])
	innerL4Rel := ctx.Offsets.ICMPErrorL4Offset - ctx.Offsets.ICMPErrorL3Offset

	newChecksum, err := nat.RewriteICMPError(out[ctx.Offsets.ICMPErrorL3Offset:], icmpChecksum, innerL4Rel, ctx.Offsets.ICMPErrorL4Proto, ctx.Tuple.DstAddr, v.ClientAddr, v.ClientPort, true)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(out[icmpChecksumOffset:icmpChecksumOffset+2], newChecksum)

	return nat.RewriteOuterAddress(out[ctx.Offsets.L3Offset:], ctx.Tuple.DstAddr, v.ClientAddr)
}

func (p *Pipeline) translateIPv6(role ifaces.Role, ctx *packet.Context, out []byte) error {
	if role == ifaces.RoleLAN {
		newAddr, err := p.NATPT6.TranslateEgress(ctx.Tuple.SrcAddr, ctx.Offsets.L4Proto, ctx.Tuple.SrcPort, ctx.Tuple.DstAddr, ctx.Tuple.DstPort, false)
		if err != nil {
			return err
		}
		srcField := out[ctx.Offsets.L3Offset+8 : ctx.Offsets.L3Offset+24]
		copy(srcField, newAddr.AsSlice())
		return nil
	}

	newAddr, _, ok := p.NATPT6.TranslateIngress(ctx.Tuple.DstAddr, ctx.Offsets.L4Proto, ctx.Tuple.DstPort)
	if !ok {
		return nil
	}
	dstField := out[ctx.Offsets.L3Offset+24 : ctx.Offsets.L3Offset+40]
	copy(dstField, newAddr.AsSlice())
	return nil
}

func (p *Pipeline) clampMSS(ctx *packet.Context, out []byte, link WANLinkConfig) {
	if !mss.ShouldClamp(ctx) || link.MTU == 0 {
		return
	}
	l3HeaderLen := 20
	if ctx.Offsets.L3Proto == packet.L3IPv6 {
		l3HeaderLen = 40
	}
	ceiling := mss.ClampFor(link.MTU, l3HeaderLen)
	tcpHeaderLen := int(out[ctx.Offsets.L4Offset+12]>>4) * 4
	_, _ = mss.Clamp(out, ctx.Offsets.L4Offset, tcpHeaderLen, ceiling)
}

func (p *Pipeline) bumpStage(apply func(*metrics.StageMetrics), pick func(*metrics.ProcessorMetrics) *metrics.StageMetrics) {
	if p.Metrics == nil || p.Metrics.Processors == nil {
		return
	}
	if s := pick(p.Metrics.Processors); s != nil {
		apply(s)
	}
}

func (p *Pipeline) bumpErr(pick func(*metrics.ProcessorMetrics) *metrics.StageMetrics) {
	p.bumpStage(func(s *metrics.StageMetrics) { s.Errors.Inc() }, pick)
}

func (p *Pipeline) drop() {
	if p.Metrics != nil {
		p.Metrics.PacketsDropped.Inc()
	}
}

func (p *Pipeline) pass() {
	if p.Metrics != nil {
		p.Metrics.PacketsPassed.Inc()
	}
}

func (p *Pipeline) forward() {
	if p.Metrics != nil {
		p.Metrics.PacketsProcessed.Inc()
	}
}

// RunOffline replays a sequence of raw Ethernet frames, in order, through
// p for one (ifindex, role) combination, returning the bytes each frame
// produced (nil entries are drops or pass-to-stack outcomes). It is the
// userspace stand-in for the original project's BPF test harness: a way
// to exercise the full stage sequence against literal packet fixtures
// without attaching to a real interface.
func RunOffline(p *Pipeline, ifindex uint32, role ifaces.Role, frames [][]byte) ([][]byte, error) {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		result, err := p.HandleFrame(ifindex, role, f)
		if err != nil {
			logging.Default().Debug("offline replay frame failed", "index", i, "error", err)
		}
		out[i] = result
	}
	return out, nil
}
