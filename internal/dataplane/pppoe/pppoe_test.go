// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pppoe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiss2u/landscape-go/internal/dataplane/packet"
)

func ipv4Packet(n int) []byte {
	buf := make([]byte, n)
	buf[0] = 0x45
	return buf
}

func TestEncapThenDecapRoundTrips(t *testing.T) {
	inner := ipv4Packet(40)
	encapped, err := Encap(inner, 0x1234, packet.L3IPv4)
	require.NoError(t, err)
	assert.Len(t, encapped, EncapLen+40)
	assert.EqualValues(t, EtherTypePPPoESession, EtherTypePPPoESession)

	decapped, proto, err := Decap(encapped, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, packet.L3IPv4, proto)
	assert.Equal(t, inner, decapped)
}

func TestDecapRejectsSessionIDMismatch(t *testing.T) {
	inner := ipv4Packet(20)
	encapped, err := Encap(inner, 0x1234, packet.L3IPv4)
	require.NoError(t, err)

	_, _, err = Decap(encapped, 0x9999)
	assert.Error(t, err)
}

func TestDecapRejectsTruncatedHeader(t *testing.T) {
	_, _, err := Decap(make([]byte, 3), 1)
	assert.Error(t, err)
}

func TestOvershootsAfterEncapDetectsOverage(t *testing.T) {
	overBy, over := OvershootsAfterEncap(1500, 1500)
	assert.True(t, over)
	assert.Equal(t, EncapLen, overBy)

	_, over = OvershootsAfterEncap(1492, 1500)
	assert.False(t, over)
}

func TestEncapRejectsUnsupportedL3(t *testing.T) {
	_, err := Encap(ipv4Packet(10), 1, packet.L3Unknown)
	assert.Error(t, err)
}

func TestBuildNoticeAndMarshalIPv4(t *testing.T) {
	ctx := &packet.Context{Offsets: packet.Offsets{L3Proto: packet.L3IPv4}}
	orig := ipv4Packet(28)
	n := BuildNotice(ctx, 1500, orig)
	assert.Equal(t, 1500-EncapLen, n.MTU)

	wire, err := n.Marshal()
	require.NoError(t, err)
	assert.True(t, len(wire) >= 8)
	assert.EqualValues(t, n.MTU, binary.BigEndian.Uint16(wire[6:8]))
}

func TestBuildNoticeAndMarshalIPv6(t *testing.T) {
	ctx := &packet.Context{Offsets: packet.Offsets{L3Proto: packet.L3IPv6}}
	orig := make([]byte, 48)
	orig[0] = 0x60
	n := BuildNotice(ctx, 1500, orig)

	wire, err := n.Marshal()
	require.NoError(t, err)
	assert.True(t, len(wire) >= 8)
}
