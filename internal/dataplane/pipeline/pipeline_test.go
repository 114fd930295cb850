// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pipeline

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiss2u/landscape-go/internal/dataplane/classify"
	"github.com/kiss2u/landscape-go/internal/dataplane/firewall"
	"github.com/kiss2u/landscape-go/internal/dataplane/fragment"
	"github.com/kiss2u/landscape-go/internal/dataplane/ifaces"
	"github.com/kiss2u/landscape-go/internal/dataplane/nat"
	"github.com/kiss2u/landscape-go/internal/dataplane/packet"
	"github.com/kiss2u/landscape-go/internal/dataplane/route"
	"github.com/kiss2u/landscape-go/internal/dataplane/sharedmap"
	"github.com/kiss2u/landscape-go/internal/dataplane/verdict"
)

// ethUDPv4 builds a minimal Ethernet + IPv4 + UDP frame with srcMAC,
// src->dst addresses and ports. Checksums are left zero; the scanner
// never validates them.
func ethUDPv4(srcMAC net.HardwareAddr, src, dst string, sport, dport uint16, payloadLen int) []byte {
	udpLen := 8 + payloadLen
	ipLen := 20 + udpLen
	frame := make([]byte, 14+ipLen)

	copy(frame[0:6], net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	copy(frame[6:12], srcMAC)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)

	ip := frame[14:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipLen))
	ip[8] = 64
	ip[9] = 17 // UDP
	srcAddr := netip.MustParseAddr(src).As4()
	dstAddr := netip.MustParseAddr(dst).As4()
	copy(ip[12:16], srcAddr[:])
	copy(ip[16:20], dstAddr[:])

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:2], sport)
	binary.BigEndian.PutUint16(udp[2:4], dport)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))

	return frame
}

func newTestPipeline() (*Pipeline, *route.Engine, *classify.Classifier) {
	lanRoute := sharedmap.NewLPM[route.LanRouteInfo](256)
	flowTarget := sharedmap.NewHash[route.FlowTargetKey, route.FlowTarget](256)
	v := verdict.New()
	rt := route.New(lanRoute, flowTarget, v, nil)

	cl := classify.New(256)
	fw := firewall.New(256)
	frag := fragment.New()
	natEngine := nat.New(netip.MustParseAddr("203.0.113.9"), nil)

	p := New(14, fw, frag, cl, rt, natEngine, nil, nil, nil)
	return p, rt, cl
}

func TestHandleFrameLANEgressAllocatesNATAndRewritesSource(t *testing.T) {
	p, rt, _ := newTestPipeline()

	require.NoError(t, rt.FlowTarget.Insert(route.FlowTargetKey{FlowID: 0, L3Proto: packet.L3IPv4}, route.FlowTarget{Ifindex: 7}))

	frame := ethUDPv4(net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, "192.168.1.50", "93.184.216.34", 40000, 53, 0)

	out, err := p.HandleFrame(3, ifaces.RoleLAN, frame)
	require.NoError(t, err)
	require.NotNil(t, out)

	srcAddr := netip.AddrFrom4([4]byte(out[14+12 : 14+16]))
	assert.Equal(t, "203.0.113.9", srcAddr.String())
}

func TestHandleFrameDroppedByFirewallReturnsNil(t *testing.T) {
	p, _, _ := newTestPipeline()
	require.NoError(t, p.Firewall.BlockV4.Insert(netip.MustParsePrefix("93.184.216.34/32"), firewall.BlockEntry{}))

	frame := ethUDPv4(net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, "192.168.1.50", "93.184.216.34", 40000, 53, 0)
	out, err := p.HandleFrame(3, ifaces.RoleLAN, frame)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHandleFrameNoRouteMatchPassesToStack(t *testing.T) {
	p, _, _ := newTestPipeline()

	frame := ethUDPv4(net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, "192.168.1.50", "93.184.216.34", 40000, 53, 0)
	out, err := p.HandleFrame(3, ifaces.RoleLAN, frame)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHandleFrameWANIngressRewritesDestinationToClient(t *testing.T) {
	p, rt, _ := newTestPipeline()
	require.NoError(t, rt.LanRoute.Insert(netip.MustParsePrefix("203.0.113.9/32"), route.LanRouteInfo{Ifindex: 7}))
	require.NoError(t, rt.FlowTarget.Insert(route.FlowTargetKey{FlowID: 0, L3Proto: packet.L3IPv4}, route.FlowTarget{Ifindex: 7}))
	p.ConfigureWANLink(4, WANLinkConfig{Address: netip.MustParseAddr("203.0.113.9")})

	egressFrame := ethUDPv4(net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, "192.168.1.50", "93.184.216.34", 40000, 80, 0)
	_, err := p.HandleFrame(3, ifaces.RoleLAN, egressFrame)
	require.NoError(t, err)

	replyFrame := ethUDPv4(net.HardwareAddr{0x11, 0x12, 0x13, 0x14, 0x15, 0x16}, "93.184.216.34", "203.0.113.9", 80, 40000, 0)
	out, err := p.HandleFrame(4, ifaces.RoleWAN, replyFrame)
	require.NoError(t, err)
	require.NotNil(t, out)

	dstAddr := netip.AddrFrom4([4]byte(out[14+16 : 14+20]))
	assert.Equal(t, "192.168.1.50", dstAddr.String())
	assert.EqualValues(t, 40000, binary.BigEndian.Uint16(out[14+20+2:14+20+4]))
}

func TestHandleFrameWANIngressDropsRestrictedConeMismatch(t *testing.T) {
	p, rt, _ := newTestPipeline()
	require.NoError(t, rt.LanRoute.Insert(netip.MustParsePrefix("203.0.113.9/32"), route.LanRouteInfo{Ifindex: 7}))
	require.NoError(t, rt.FlowTarget.Insert(route.FlowTargetKey{FlowID: 0, L3Proto: packet.L3IPv4}, route.FlowTarget{Ifindex: 7}))
	p.ConfigureWANLink(4, WANLinkConfig{Address: netip.MustParseAddr("203.0.113.9")})

	egressFrame := ethUDPv4(net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, "192.168.1.50", "93.184.216.34", 40000, 80, 0)
	_, err := p.HandleFrame(3, ifaces.RoleLAN, egressFrame)
	require.NoError(t, err)

	unexpectedFrame := ethUDPv4(net.HardwareAddr{0x11, 0x12, 0x13, 0x14, 0x15, 0x16}, "198.51.100.1", "203.0.113.9", 80, 40000, 0)
	out, err := p.HandleFrame(4, ifaces.RoleWAN, unexpectedFrame)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRunOfflineReplaysFramesInOrder(t *testing.T) {
	p, rt, _ := newTestPipeline()
	require.NoError(t, rt.FlowTarget.Insert(route.FlowTargetKey{FlowID: 0, L3Proto: packet.L3IPv4}, route.FlowTarget{Ifindex: 7}))

	frames := [][]byte{
		ethUDPv4(net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, "192.168.1.50", "93.184.216.34", 40000, 53, 0),
		ethUDPv4(net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x07}, "192.168.1.51", "93.184.216.34", 40001, 53, 0),
	}

	results, err := RunOffline(p, 3, ifaces.RoleLAN, frames)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NotNil(t, results[0])
	assert.NotNil(t, results[1])
}
