// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package mss implements TCP MSS clamping: a SYN packet's advertised
// maximum segment size is lowered to fit the MTU of the interface it is
// about to leave on, so a PPPoE or other encapsulated uplink never forces
// a black-holed path-MTU-discovery-disabled connection.
package mss

import (
	"encoding/binary"

	"github.com/kiss2u/landscape-go/internal/dataplane/checksum"
	dperrors "github.com/kiss2u/landscape-go/internal/errors"
	"github.com/kiss2u/landscape-go/internal/dataplane/packet"
)

// maxOptionWalk bounds the TCP options scan so a hand-crafted options
// list with a zero-length or cyclic kind byte cannot spin the walk.
const maxOptionWalk = 20

const (
	optKindEnd = 0
	optKindNop = 1
	optKindMSS = 2
)

// ClampFor computes the MSS ceiling for an IPv4 TCP segment departing on
// an interface with the given mtu: MTU minus the IPv4 header and minus
// the fixed 20-byte TCP header.
func ClampFor(mtu int, l3HeaderLen int) uint16 {
	v := mtu - l3HeaderLen - 20
	if v < 0 {
		return 0
	}
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}

// Clamp walks buf's TCP options starting at tcpOffset+20 (tcpHeaderLen
// must already have been read out of the data-offset field by the
// caller) looking for an MSS option, and lowers it in place to ceiling if
// it currently advertises more. It updates the TCP checksum incrementally
// and reports whether a rewrite happened.
func Clamp(buf []byte, tcpOffset int, tcpHeaderLen int, ceiling uint16) (bool, error) {
	if tcpHeaderLen < 20 || len(buf) < tcpOffset+tcpHeaderLen {
		return false, dperrors.New(dperrors.KindParseFail, "truncated tcp header for mss clamp")
	}
	optionsEnd := tcpOffset + tcpHeaderLen
	pos := tcpOffset + 20

	for i := 0; i < maxOptionWalk && pos < optionsEnd; i++ {
		kind := buf[pos]
		switch kind {
		case optKindEnd:
			return false, nil
		case optKindNop:
			pos++
			continue
		}
		if pos+1 >= optionsEnd {
			return false, dperrors.New(dperrors.KindParseFail, "truncated tcp option")
		}
		optLen := int(buf[pos+1])
		if optLen < 2 || pos+optLen > optionsEnd {
			return false, dperrors.New(dperrors.KindParseFail, "invalid tcp option length")
		}
		if kind == optKindMSS && optLen == 4 {
			oldMSS := binary.BigEndian.Uint16(buf[pos+2 : pos+4])
			if oldMSS <= ceiling {
				return false, nil
			}
			binary.BigEndian.PutUint16(buf[pos+2:pos+4], ceiling)

			csumOffset := tcpOffset + 16
			oldChecksum := binary.BigEndian.Uint16(buf[csumOffset : csumOffset+2])
			newChecksum := checksum.Update16(oldChecksum, oldMSS, ceiling)
			binary.BigEndian.PutUint16(buf[csumOffset:csumOffset+2], newChecksum)
			return true, nil
		}
		pos += optLen
	}
	return false, nil
}

// ShouldClamp reports whether ctx describes a TCP SYN packet, the only
// class of segment carrying a negotiable MSS option.
func ShouldClamp(ctx *packet.Context) bool {
	return ctx.Offsets.L4Proto == packet.ProtoTCP &&
		(ctx.Offsets.PktClass == packet.ClassTCPSyn)
}
