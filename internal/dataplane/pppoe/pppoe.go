// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pppoe implements PPPoE session encapsulation: wrapping an
// outbound IP packet in the 6-byte PPPoE + 2-byte PPP protocol header
// before it leaves on a PPPoE WAN link, and stripping the same header on
// the way in. It also detects post-encapsulation MTU overshoot and
// synthesizes the ICMP/ICMPv6 "packet too big" notice a real PMTUD
// exchange would produce, since the sender never sees the link's true
// MTU once it has been hidden behind PPPoE.
package pppoe

import (
	"encoding/binary"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	dperrors "github.com/kiss2u/landscape-go/internal/errors"
	"github.com/kiss2u/landscape-go/internal/dataplane/checksum"
	"github.com/kiss2u/landscape-go/internal/dataplane/packet"
)

// HeaderLen is the fixed PPPoE session header: 1 byte version/type, 1
// byte code, 2 bytes session id, 2 bytes payload length.
const HeaderLen = 6

// PPPProtocolLen is the 2-byte PPP protocol field following the PPPoE
// header, carrying 0x0021 (IPv4) or 0x0057 (IPv6).
const PPPProtocolLen = 2

// EncapLen is the total overhead PPPoE adds ahead of the IP header.
const EncapLen = HeaderLen + PPPProtocolLen

// EtherTypePPPoESession is the Ethernet type for PPPoE session-stage frames.
const EtherTypePPPoESession uint16 = 0x8864

const (
	pppoeVersionType uint8 = 0x11
	pppoeCodeSession uint8 = 0x00

	pppProtoIPv4 uint16 = 0x0021
	pppProtoIPv6 uint16 = 0x0057
)

// Encap wraps payload (an IP packet, starting at its IP header) in a
// PPPoE session header for sessionID, returning the new buffer. l3proto
// selects the PPP protocol field.
func Encap(payload []byte, sessionID uint16, l3proto packet.L3Proto) ([]byte, error) {
	var pppProto uint16
	switch l3proto {
	case packet.L3IPv4:
		pppProto = pppProtoIPv4
	case packet.L3IPv6:
		pppProto = pppProtoIPv6
	default:
		return nil, dperrors.New(dperrors.KindNotSupported, "pppoe encap requires ipv4 or ipv6 payload")
	}

	out := make([]byte, EncapLen+len(payload))
	out[0] = pppoeVersionType
	out[1] = pppoeCodeSession
	binary.BigEndian.PutUint16(out[2:4], sessionID)
	binary.BigEndian.PutUint16(out[4:6], uint16(PPPProtocolLen+len(payload)))
	binary.BigEndian.PutUint16(out[6:8], pppProto)
	copy(out[8:], payload)
	return out, nil
}

// Decap strips a PPPoE session header from buf (assumed to start exactly
// at the PPPoE header) and returns the inner IP payload plus its
// protocol, verifying the session id matches expectedSessionID.
func Decap(buf []byte, expectedSessionID uint16) ([]byte, packet.L3Proto, error) {
	if len(buf) < EncapLen {
		return nil, packet.L3Unknown, dperrors.New(dperrors.KindParseFail, "truncated pppoe header")
	}
	if buf[0] != pppoeVersionType || buf[1] != pppoeCodeSession {
		return nil, packet.L3Unknown, dperrors.New(dperrors.KindNotSupported, "not a pppoe session frame")
	}
	sessionID := binary.BigEndian.Uint16(buf[2:4])
	if sessionID != expectedSessionID {
		return nil, packet.L3Unknown, dperrors.New(dperrors.KindStateMiss, "pppoe session id mismatch")
	}
	payloadLen := int(binary.BigEndian.Uint16(buf[4:6]))
	if len(buf) < HeaderLen+payloadLen {
		return nil, packet.L3Unknown, dperrors.New(dperrors.KindParseFail, "truncated pppoe payload")
	}

	pppProto := binary.BigEndian.Uint16(buf[6:8])
	var l3proto packet.L3Proto
	switch pppProto {
	case pppProtoIPv4:
		l3proto = packet.L3IPv4
	case pppProtoIPv6:
		l3proto = packet.L3IPv6
	default:
		return nil, packet.L3Unknown, dperrors.Errorf(dperrors.KindNotSupported, "unsupported ppp protocol 0x%04x", pppProto)
	}

	innerEnd := HeaderLen + payloadLen
	return buf[HeaderLen+PPPProtocolLen : innerEnd], l3proto, nil
}

// OvershootsAfterEncap reports whether ipPacketLen, once wrapped for
// PPPoE, would exceed the link's true MTU and by how much the IP packet
// must shrink to fit.
func OvershootsAfterEncap(ipPacketLen, linkMTU int) (overshootBy int, overshoots bool) {
	total := ipPacketLen + EncapLen
	if total <= linkMTU {
		return 0, false
	}
	return total - linkMTU, true
}

// Notice describes the ICMP/ICMPv6 "too big" message to synthesize for a
// packet that cannot be sent on because it would overshoot the PPPoE
// link's usable MTU. MTU is the reduced value to report back to the
// sender (the PPPoE link's MTU minus EncapLen), matching RFC
// 1191/8201 path-MTU-discovery semantics.
type Notice struct {
	L3Proto      packet.L3Proto
	SrcAddr      packet.Tuple
	MTU          int
	OrigIPHeader []byte // the offending packet's IP header (+ first 8 bytes for v4), echoed back
}

// BuildNotice constructs the Notice for ctx given the usable MTU once
// PPPoE overhead is subtracted, ready for a caller to hand to
// golang.org/x/net/icmp for serialization and push onto the icmp-notice
// ring buffer.
func BuildNotice(ctx *packet.Context, linkMTU int, origIPHeader []byte) Notice {
	return Notice{
		L3Proto:      ctx.Offsets.L3Proto,
		SrcAddr:      ctx.Tuple,
		MTU:          linkMTU - EncapLen,
		OrigIPHeader: origIPHeader,
	}
}

// Marshal serializes n into the wire bytes of an ICMP "fragmentation
// needed" (IPv4) or ICMPv6 "packet too big" message, ready to be sent
// back toward the original sender.
func (n Notice) Marshal() ([]byte, error) {
	switch n.L3Proto {
	case packet.L3IPv4:
		msg := &icmp.Message{
			Type: ipv4.ICMPTypeDestinationUnreachable,
			Code: 4, // fragmentation needed and DF set
			Body: &icmp.DstUnreach{
				Data: n.OrigIPHeader,
			},
		}
		b, err := msg.Marshal(nil)
		if err != nil {
			return nil, dperrors.Errorf(dperrors.KindRewriteFail, "marshal icmp too-big notice: %v", err)
		}
		// the next-hop MTU sits in the unused field of the dest-unreachable
		// header, bytes 6-7 of the ICMP message.
		if len(b) >= 8 {
			binary.BigEndian.PutUint16(b[6:8], uint16(n.MTU))
			// icmp.Marshal checksummed the message before the MTU was
			// written, so the checksum is recomputed over the final bytes.
			binary.BigEndian.PutUint16(b[2:4], 0)
			binary.BigEndian.PutUint16(b[2:4], checksum.Compute(b))
		}
		return b, nil

	case packet.L3IPv6:
		msg := &icmp.Message{
			Type: ipv6.ICMPTypePacketTooBig,
			Code: 0,
			Body: &icmp.PacketTooBig{
				MTU:  n.MTU,
				Data: n.OrigIPHeader,
			},
		}
		b, err := msg.Marshal(nil)
		if err != nil {
			return nil, dperrors.Errorf(dperrors.KindRewriteFail, "marshal icmpv6 packet-too-big notice: %v", err)
		}
		return b, nil

	default:
		return nil, dperrors.New(dperrors.KindNotSupported, "notice requires ipv4 or ipv6")
	}
}
