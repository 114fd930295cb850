// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet implements the scanner: the first pipeline stage, which
// parses L2/L3/L4 headers (including the IPv6 extension chain and one
// level of ICMP error nesting) into an offsets record and an address/port
// tuple, without touching any shared state.
package packet

import (
	"encoding/binary"
	"net/netip"

	dperrors "github.com/kiss2u/landscape-go/internal/errors"
)

// L3Proto identifies the outer network layer protocol.
type L3Proto uint8

const (
	L3Unknown L3Proto = 0
	L3IPv4    L3Proto = 1
	L3IPv6    L3Proto = 2
)

// Protocol numbers used at L4 (IANA assigned, shared between IPv4's
// protocol field and IPv6's next-header field).
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// IPv6 extension header types.
const (
	nextHdrHop      uint8 = 0
	nextHdrRouting  uint8 = 43
	nextHdrFragment uint8 = 44
	nextHdrAuth     uint8 = 51
	nextHdrDest     uint8 = 60
)

// ICMP message types.
const (
	icmpDestUnreach   uint8 = 3
	icmpTimeExceeded  uint8 = 11
	icmpParameterProb uint8 = 12
	icmpEchoReply     uint8 = 0
	icmpEcho          uint8 = 8
	icmpTimestamp     uint8 = 13
	icmpTimestampRep  uint8 = 14

	icmp6DestUnreach uint8 = 1
	icmp6PktTooBig   uint8 = 2
	icmp6TimeExceed  uint8 = 3
	icmp6ParamProb   uint8 = 4
	icmp6EchoRequest uint8 = 128
	icmp6EchoReply   uint8 = 129
)

// MaxIPv6ExtHeaders bounds the extension-header walk, matching RFC 8200's
// minimum required support of 6 extension headers before the upper-layer
// protocol. Any chain requiring a 7th header is rejected, not because RFC
// 8200 forbids it but because an unbounded walk cannot be allowed in a
// hook that must complete in bounded time.
const MaxIPv6ExtHeaders = 6

const icmpHeaderLen = 8

// FragmentType classifies a packet by its IP fragmentation flags.
type FragmentType uint8

const (
	FragSingle FragmentType = iota
	FragFirst
	FragMiddle
	FragLast
)

// PktClass classifies the packet for NAT/conntrack purposes.
type PktClass uint8

const (
	ClassConnless PktClass = iota
	ClassTCPData
	ClassTCPSyn
	ClassTCPRst
	ClassTCPFin
	ClassTCPAck
)

// Offsets is the parsed header-position record the scanner produces.
type Offsets struct {
	L3Offset int
	// L4Offset is 0 for middle/last fragments, where no L4 header is
	// present in this packet and port state must come from the fragment
	// tracker instead.
	L4Offset int
	L3Proto  L3Proto
	L4Proto  uint8

	FragmentType FragmentType
	FragmentOff  uint16
	FragmentID   uint32

	PktClass PktClass

	// ICMPErrorL3Offset and ICMPErrorL4Offset are non-zero only when this
	// packet is an ICMP/ICMPv6 error carrying one level of the original
	// offending packet.
	ICMPErrorL3Offset int
	ICMPErrorL4Offset int
	ICMPErrorL3Proto  L3Proto
	ICMPErrorL4Proto  uint8
}

// IsICMPError reports whether this packet is an ICMP error carrying an
// inner packet.
func (o Offsets) IsICMPError() bool {
	return o.ICMPErrorL3Offset > 0 && o.ICMPErrorL4Offset > 0
}

// Tuple is the address/port 5-tuple (minus protocol, carried in Offsets)
// used to key NAT, conntrack, firewall and route-cache lookups. For ICMP
// errors it is built from the inner packet, as described on Context.
type Tuple struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
}

// Context is everything the scanner learns about one packet.
type Context struct {
	Offsets Offsets
	Tuple   Tuple
}

// Scan parses buf starting at l3Offset (14 when an Ethernet header
// precedes the network layer, 0 on a netif-less / layer-3 interface).
//
// For ICMP/ICMPv6 error messages, Tuple is built from the inner (failed)
// packet with the roles swapped: Tuple.DstAddr is the outer packet's
// destination (the original sender, receiving this error) and
// Tuple.SrcAddr is the inner packet's destination (the remote endpoint
// the original packet was addressed to) — so the tuple names the
// forward-direction flow the same way a reply packet would, letting NAT
// and conntrack look the error up against the mapping created by the
// original outbound packet.
func Scan(buf []byte, l3Offset int) (*Context, error) {
	l3proto, err := detectL3Proto(buf, l3Offset)
	if err != nil {
		return nil, err
	}

	ctx := &Context{}
	ctx.Offsets.L3Offset = l3Offset
	ctx.Offsets.L3Proto = l3proto

	var srcAddr, dstAddr netip.Addr
	var l4Offset int
	var l4Proto uint8
	var fragType FragmentType
	var fragOff uint16
	var fragID uint32

	switch l3proto {
	case L3IPv4:
		srcAddr, dstAddr, l4Offset, l4Proto, fragType, fragOff, fragID, err = scanIPv4(buf, l3Offset)
	case L3IPv6:
		srcAddr, dstAddr, l4Offset, l4Proto, fragType, fragOff, fragID, err = scanIPv6(buf, l3Offset)
	}
	if err != nil {
		return nil, err
	}

	ctx.Offsets.FragmentType = fragType
	ctx.Offsets.FragmentOff = fragOff
	ctx.Offsets.FragmentID = fragID
	ctx.Offsets.L4Proto = l4Proto
	ctx.Tuple.SrcAddr = srcAddr
	ctx.Tuple.DstAddr = dstAddr

	if fragType == FragMiddle || fragType == FragLast {
		// No L4 header present; ports must come from the fragment tracker.
		ctx.Offsets.L4Offset = 0
		return ctx, nil
	}
	ctx.Offsets.L4Offset = l4Offset

	switch l4Proto {
	case ProtoTCP:
		sport, dport, class, err := scanTCP(buf, l4Offset)
		if err != nil {
			return nil, err
		}
		ctx.Tuple.SrcPort, ctx.Tuple.DstPort = sport, dport
		ctx.Offsets.PktClass = class

	case ProtoUDP:
		sport, dport, err := scanUDP(buf, l4Offset)
		if err != nil {
			return nil, err
		}
		ctx.Tuple.SrcPort, ctx.Tuple.DstPort = sport, dport
		ctx.Offsets.PktClass = ClassConnless

	case ProtoICMP:
		if err := scanICMPv4(buf, l3Offset, l4Offset, ctx); err != nil {
			return nil, err
		}

	case ProtoICMPv6:
		if err := scanICMPv6(buf, l3Offset, l4Offset, ctx); err != nil {
			return nil, err
		}

	default:
		return nil, dperrors.Errorf(dperrors.KindNotSupported, "l4 protocol %d not supported", l4Proto)
	}

	return ctx, nil
}

func detectL3Proto(buf []byte, l3Offset int) (L3Proto, error) {
	if l3Offset != 0 {
		if len(buf) < 14 {
			return L3Unknown, dperrors.New(dperrors.KindParseFail, "truncated ethernet header")
		}
		switch binary.BigEndian.Uint16(buf[12:14]) {
		case 0x0800:
			return L3IPv4, nil
		case 0x86DD:
			return L3IPv6, nil
		default:
			return L3Unknown, dperrors.New(dperrors.KindNotSupported, "non-IP ethertype")
		}
	}
	if len(buf) < 1 {
		return L3Unknown, dperrors.New(dperrors.KindParseFail, "empty packet")
	}
	switch buf[l3Offset] >> 4 {
	case 4:
		return L3IPv4, nil
	case 6:
		return L3IPv6, nil
	default:
		return L3Unknown, dperrors.New(dperrors.KindNotSupported, "unrecognized IP version")
	}
}

// scanIPv4 parses the IPv4 header at off and returns the address pair,
// the offset just past the header, the carried protocol, and the
// fragmentation classification.
func scanIPv4(buf []byte, off int) (src, dst netip.Addr, l4Offset int, l4Proto uint8, fragType FragmentType, fragOff uint16, fragID uint32, err error) {
	if len(buf) < off+20 {
		err = dperrors.New(dperrors.KindParseFail, "truncated ipv4 header")
		return
	}
	if buf[off]>>4 != 4 {
		err = dperrors.New(dperrors.KindParseFail, "not an ipv4 header")
		return
	}
	ihl := int(buf[off]&0x0F) * 4
	if ihl < 20 || len(buf) < off+ihl {
		err = dperrors.New(dperrors.KindParseFail, "invalid ipv4 ihl")
		return
	}

	flagsAndOffset := binary.BigEndian.Uint16(buf[off+6 : off+8])
	mf := flagsAndOffset&0x2000 != 0
	fragOff = (flagsAndOffset & 0x1FFF) << 3
	fragID = uint32(binary.BigEndian.Uint16(buf[off+4 : off+6]))

	switch {
	case fragOff == 0 && !mf:
		fragType = FragSingle
	case fragOff == 0 && mf:
		fragType = FragFirst
	case fragOff != 0 && mf:
		fragType = FragMiddle
	default:
		fragType = FragLast
	}

	l4Proto = buf[off+9]
	src = netip.AddrFrom4([4]byte(buf[off+12 : off+16]))
	dst = netip.AddrFrom4([4]byte(buf[off+16 : off+20]))
	l4Offset = off + ihl
	return
}

// scanIPv6 walks the extension header chain (bounded to
// MaxIPv6ExtHeaders) and returns the same shape as scanIPv4.
func scanIPv6(buf []byte, off int) (src, dst netip.Addr, l4Offset int, l4Proto uint8, fragType FragmentType, fragOff uint16, fragID uint32, err error) {
	if len(buf) < off+40 {
		err = dperrors.New(dperrors.KindParseFail, "truncated ipv6 header")
		return
	}
	if buf[off]>>4 != 6 {
		err = dperrors.New(dperrors.KindParseFail, "not an ipv6 header")
		return
	}

	src = netip.AddrFrom16([16]byte(buf[off+8 : off+24]))
	dst = netip.AddrFrom16([16]byte(buf[off+24 : off+40]))

	nextHdr := buf[off+6]
	pos := off + 40
	fragHdrOff := -1

	found := false
	for i := 0; i < MaxIPv6ExtHeaders; i++ {
		switch nextHdr {
		case nextHdrAuth:
			err = dperrors.New(dperrors.KindNotSupported, "ipv6 auth header not supported")
			return
		case nextHdrFragment:
			if len(buf) < pos+8 {
				err = dperrors.New(dperrors.KindParseFail, "truncated ipv6 fragment header")
				return
			}
			fragHdrOff = pos
			nextHdr = buf[pos]
			pos += 8
		case nextHdrHop, nextHdrRouting, nextHdrDest:
			if len(buf) < pos+2 {
				err = dperrors.New(dperrors.KindParseFail, "truncated ipv6 extension header")
				return
			}
			hdrLen := int(buf[pos+1])
			nextHdr = buf[pos]
			pos += (hdrLen + 1) * 8
		default:
			found = true
		}
		if found {
			break
		}
	}
	if !found {
		switch nextHdr {
		case ProtoTCP, ProtoUDP, ProtoICMPv6:
			// exactly MaxIPv6ExtHeaders extension headers, upper layer follows.
		default:
			err = dperrors.New(dperrors.KindNotSupported, "ipv6 extension chain too long or unsupported upper layer")
			return
		}
	}

	l4Proto = nextHdr
	l4Offset = pos

	if fragHdrOff >= 0 {
		if len(buf) < fragHdrOff+8 {
			err = dperrors.New(dperrors.KindParseFail, "truncated ipv6 fragment header")
			return
		}
		fragID = binary.BigEndian.Uint32(buf[fragHdrOff+4 : fragHdrOff+8])
		rawOff := binary.BigEndian.Uint16(buf[fragHdrOff+2 : fragHdrOff+4])
		fragOff = rawOff & 0xFFF8
		mf := rawOff&0x0001 != 0

		switch {
		case fragOff == 0 && !mf:
			fragType = FragSingle
		case fragOff == 0 && mf:
			fragType = FragFirst
		case fragOff != 0 && mf:
			fragType = FragMiddle
		default:
			fragType = FragLast
		}
	} else {
		fragType = FragSingle
	}

	return
}

func scanTCP(buf []byte, off int) (sport, dport uint16, class PktClass, err error) {
	if len(buf) < off+20 {
		err = dperrors.New(dperrors.KindParseFail, "truncated tcp header")
		return
	}
	sport = binary.BigEndian.Uint16(buf[off : off+2])
	dport = binary.BigEndian.Uint16(buf[off+2 : off+4])
	flags := buf[off+13]
	const (
		flagFIN = 0x01
		flagSYN = 0x02
		flagRST = 0x04
	)
	switch {
	case flags&flagFIN != 0:
		class = ClassTCPFin
	case flags&flagRST != 0:
		class = ClassTCPRst
	case flags&flagSYN != 0:
		class = ClassTCPSyn
	default:
		class = ClassTCPData
	}
	return
}

func scanUDP(buf []byte, off int) (sport, dport uint16, err error) {
	if len(buf) < off+8 {
		err = dperrors.New(dperrors.KindParseFail, "truncated udp header")
		return
	}
	sport = binary.BigEndian.Uint16(buf[off : off+2])
	dport = binary.BigEndian.Uint16(buf[off+2 : off+4])
	return
}

type icmpMsgClass uint8

const (
	icmpQuery icmpMsgClass = iota
	icmpError
	icmpUnspecified
)

func classifyICMPv4(icmpType uint8) icmpMsgClass {
	switch icmpType {
	case icmpDestUnreach, icmpTimeExceeded, icmpParameterProb:
		return icmpError
	case icmpEchoReply, icmpEcho, icmpTimestamp, icmpTimestampRep:
		return icmpQuery
	default:
		return icmpUnspecified
	}
}

func classifyICMPv6(icmpType uint8) icmpMsgClass {
	switch icmpType {
	case icmp6DestUnreach, icmp6PktTooBig, icmp6TimeExceed, icmp6ParamProb:
		return icmpError
	case icmp6EchoRequest, icmp6EchoReply:
		return icmpQuery
	default:
		return icmpUnspecified
	}
}

func scanICMPv4(buf []byte, l3Offset, l4Offset int, ctx *Context) error {
	if len(buf) < l4Offset+icmpHeaderLen {
		return dperrors.New(dperrors.KindParseFail, "truncated icmp header")
	}
	icmpType := buf[l4Offset]

	switch classifyICMPv4(icmpType) {
	case icmpQuery:
		id := binary.BigEndian.Uint16(buf[l4Offset+4 : l4Offset+6])
		ctx.Offsets.PktClass = ClassConnless
		ctx.Tuple.SrcPort = id
		ctx.Tuple.DstPort = id
		return nil

	case icmpUnspecified:
		return dperrors.New(dperrors.KindNotSupported, "unsupported icmp type")

	case icmpError:
		innerL3Offset := l4Offset + icmpHeaderLen
		innerSrc, innerDst, innerL4Offset, innerL4Proto, innerFragType, innerFragOff, _, err := scanIPv4(buf, innerL3Offset)
		if err != nil {
			return err
		}
		if innerFragOff != 0 || innerFragType != FragSingle {
			return dperrors.New(dperrors.KindParseFail, "icmp error wraps a fragment")
		}
		if err := rejectNestedICMPError(buf, innerL4Proto, innerL4Offset, false); err != nil {
			return err
		}
		if ctx.Tuple.DstAddr != innerSrc {
			return dperrors.New(dperrors.KindParseFail, "icmp error inner source does not match outer destination")
		}

		ctx.Offsets.ICMPErrorL3Offset = innerL3Offset
		ctx.Offsets.ICMPErrorL4Offset = innerL4Offset
		ctx.Offsets.ICMPErrorL3Proto = L3IPv4
		ctx.Offsets.ICMPErrorL4Proto = innerL4Proto

		// swap: tuple names the original forward-direction flow.
		ctx.Tuple.SrcAddr = innerDst

		return fillInnerPorts(buf, innerL4Proto, innerL4Offset, ctx)
	}
	return nil
}

func scanICMPv6(buf []byte, l3Offset, l4Offset int, ctx *Context) error {
	if len(buf) < l4Offset+icmpHeaderLen {
		return dperrors.New(dperrors.KindParseFail, "truncated icmpv6 header")
	}
	icmpType := buf[l4Offset]

	switch classifyICMPv6(icmpType) {
	case icmpQuery:
		id := binary.BigEndian.Uint16(buf[l4Offset+4 : l4Offset+6])
		ctx.Offsets.PktClass = ClassConnless
		ctx.Tuple.SrcPort = id
		ctx.Tuple.DstPort = id
		return nil

	case icmpUnspecified:
		return dperrors.New(dperrors.KindNotSupported, "unsupported icmpv6 type")

	case icmpError:
		innerL3Offset := l4Offset + icmpHeaderLen
		innerSrc, innerDst, innerL4Offset, innerL4Proto, innerFragType, innerFragOff, _, err := scanIPv6(buf, innerL3Offset)
		if err != nil {
			return err
		}
		if innerFragOff != 0 || innerFragType != FragSingle {
			return dperrors.New(dperrors.KindParseFail, "icmpv6 error wraps a fragment")
		}
		if err := rejectNestedICMPError(buf, innerL4Proto, innerL4Offset, true); err != nil {
			return err
		}
		if ctx.Tuple.DstAddr != innerSrc {
			return dperrors.New(dperrors.KindParseFail, "icmpv6 error inner source does not match outer destination")
		}

		ctx.Offsets.ICMPErrorL3Offset = innerL3Offset
		ctx.Offsets.ICMPErrorL4Offset = innerL4Offset
		ctx.Offsets.ICMPErrorL3Proto = L3IPv6
		ctx.Offsets.ICMPErrorL4Proto = innerL4Proto

		ctx.Tuple.SrcAddr = innerDst

		return fillInnerPorts(buf, innerL4Proto, innerL4Offset, ctx)
	}
	return nil
}

// rejectNestedICMPError refuses an ICMP error whose inner packet is
// itself carrying an ICMP error, which the scanner does not recurse into
// a second level.
func rejectNestedICMPError(buf []byte, innerL4Proto uint8, innerL4Offset int, v6 bool) error {
	isICMP := (!v6 && innerL4Proto == ProtoICMP) || (v6 && innerL4Proto == ProtoICMPv6)
	if !isICMP {
		return nil
	}
	if len(buf) < innerL4Offset+1 {
		return dperrors.New(dperrors.KindParseFail, "truncated nested icmp header")
	}
	innerType := buf[innerL4Offset]
	var class icmpMsgClass
	if v6 {
		class = classifyICMPv6(innerType)
	} else {
		class = classifyICMPv4(innerType)
	}
	if class == icmpError {
		return dperrors.New(dperrors.KindParseFail, "nested icmp error not supported")
	}
	return nil
}

// fillInnerPorts populates Tuple ports from the packet embedded in an
// ICMP error, swapping source/destination to match the address swap
// already applied to Tuple.SrcAddr/DstAddr.
func fillInnerPorts(buf []byte, innerL4Proto uint8, innerL4Offset int, ctx *Context) error {
	switch innerL4Proto {
	case ProtoTCP:
		if len(buf) < innerL4Offset+4 {
			return dperrors.New(dperrors.KindParseFail, "truncated inner tcp header")
		}
		innerSport := binary.BigEndian.Uint16(buf[innerL4Offset : innerL4Offset+2])
		innerDport := binary.BigEndian.Uint16(buf[innerL4Offset+2 : innerL4Offset+4])
		ctx.Tuple.SrcPort = innerDport
		ctx.Tuple.DstPort = innerSport
	case ProtoUDP:
		if len(buf) < innerL4Offset+4 {
			return dperrors.New(dperrors.KindParseFail, "truncated inner udp header")
		}
		innerSport := binary.BigEndian.Uint16(buf[innerL4Offset : innerL4Offset+2])
		innerDport := binary.BigEndian.Uint16(buf[innerL4Offset+2 : innerL4Offset+4])
		ctx.Tuple.SrcPort = innerDport
		ctx.Tuple.DstPort = innerSport
	case ProtoICMP, ProtoICMPv6:
		if len(buf) < innerL4Offset+6 {
			return dperrors.New(dperrors.KindParseFail, "truncated inner icmp header")
		}
		id := binary.BigEndian.Uint16(buf[innerL4Offset+4 : innerL4Offset+6])
		ctx.Tuple.SrcPort = id
		ctx.Tuple.DstPort = id
	default:
		return dperrors.Errorf(dperrors.KindNotSupported, "icmp error inner protocol %d not supported", innerL4Proto)
	}
	return nil
}

// IsBroadcastOrUnroutable reports whether addr is a value the data plane
// must never route or NAT: IPv4 0.0.0.0/255.255.255.255, IPv6 multicast
// (ff00::/8) or link-local (fe80::/10).
func IsBroadcastOrUnroutable(l3proto L3Proto, addr netip.Addr) bool {
	switch l3proto {
	case L3IPv4:
		b := addr.As4()
		return b == [4]byte{0, 0, 0, 0} || b == [4]byte{255, 255, 255, 255}
	case L3IPv6:
		b := addr.As16()
		if b[0] == 0xff {
			return true
		}
		if b[0] == 0xfe && (b[1]&0xc0) == 0x80 {
			return true
		}
	}
	return false
}
