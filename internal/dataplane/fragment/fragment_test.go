// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package fragment

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dperrors "github.com/kiss2u/landscape-go/internal/errors"
	"github.com/kiss2u/landscape-go/internal/dataplane/packet"
)

func udpCtx(fragType packet.FragmentType, id uint32, sport, dport uint16) *packet.Context {
	return &packet.Context{
		Offsets: packet.Offsets{
			L4Proto:      packet.ProtoUDP,
			FragmentType: fragType,
			FragmentID:   id,
		},
		Tuple: packet.Tuple{
			SrcAddr: netip.MustParseAddr("10.0.0.5"),
			DstAddr: netip.MustParseAddr("93.184.216.34"),
			SrcPort: sport,
			DstPort: dport,
		},
	}
}

func TestTrackSinglePacketIsNoop(t *testing.T) {
	tr := New()
	ctx := udpCtx(packet.FragSingle, 0, 5000, 53)
	require.NoError(t, tr.Track(ctx))
	assert.Equal(t, 0, tr.Len())
}

// Reproduces the spec scenario: a UDP datagram to port 53 fragmented at the
// IP layer. The first fragment carries ports 5000/53; a later fragment at a
// non-zero offset carries no transport header and must recover the same
// ports from the tracker.
func TestFirstFragmentThenMiddleFragmentRecoversPorts(t *testing.T) {
	tr := New()

	first := udpCtx(packet.FragFirst, 42, 5000, 53)
	require.NoError(t, tr.Track(first))
	assert.Equal(t, 1, tr.Len())

	middle := udpCtx(packet.FragMiddle, 42, 0, 0)
	middle.Offsets.FragmentOff = 185
	require.NoError(t, tr.Track(middle))
	assert.EqualValues(t, 5000, middle.Tuple.SrcPort)
	assert.EqualValues(t, 53, middle.Tuple.DstPort)
}

func TestLastFragmentWithoutFirstIsStateMiss(t *testing.T) {
	tr := New()
	last := udpCtx(packet.FragLast, 99, 0, 0)
	err := tr.Track(last)
	require.Error(t, err)
	assert.Equal(t, dperrors.KindStateMiss, dperrors.GetKind(err))
}

func TestFragmentSessionsAreKeyedByIDAndAddresses(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Track(udpCtx(packet.FragFirst, 1, 100, 200)))

	other := udpCtx(packet.FragMiddle, 1, 0, 0)
	other.Tuple.SrcAddr = netip.MustParseAddr("10.0.0.9")
	_, ok := tr.cache.Get(keyFor(other.Offsets, other.Tuple))
	assert.False(t, ok)
}

func TestFragmentedICMPErrorIsRejected(t *testing.T) {
	tr := New()
	ctx := udpCtx(packet.FragFirst, 7, 1000, 2000)
	ctx.Offsets.ICMPErrorL3Offset = 34
	ctx.Offsets.ICMPErrorL4Offset = 54

	err := tr.Track(ctx)
	require.Error(t, err)
	assert.Equal(t, dperrors.KindParseFail, dperrors.GetKind(err))
	assert.Equal(t, 0, tr.Len())
}
