// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natpt6

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wanPrefix() [8]byte {
	return [8]byte{0x20, 0x01, 0x0d, 0xb8, 0x00, 0x01, 0x00, 0x00}
}

func TestTranslateEgressSwapsHighHalfPreservingHost(t *testing.T) {
	tr := New(wanPrefix())
	client := netip.MustParseAddr("fd00::abcd:1234:5678:9abc")

	out, err := tr.TranslateEgress(client, 6, 443, netip.MustParseAddr("2001:db8::1"), 80, false)
	require.NoError(t, err)

	got := out.As16()
	want := wanPrefix()
	assert.Equal(t, want[:], got[0:8])

	orig := client.As16()
	assert.Equal(t, orig[8:16], got[8:16])
}

func TestTranslateEgressRejectsIPv4(t *testing.T) {
	tr := New(wanPrefix())
	_, err := tr.TranslateEgress(netip.MustParseAddr("192.0.2.1"), 6, 443, netip.Addr{}, 0, false)
	assert.Error(t, err)
}

func TestTranslateIngressReversesEgress(t *testing.T) {
	tr := New(wanPrefix())
	client := netip.MustParseAddr("fd00::abcd:1234:5678:9abc")
	trigger := netip.MustParseAddr("2001:db8::1")

	translated, err := tr.TranslateEgress(client, 17, 5000, trigger, 53, true)
	require.NoError(t, err)

	restored, cacheVal, ok := tr.TranslateIngress(translated, 17, 5000)
	require.True(t, ok)
	assert.Equal(t, client, restored)
	assert.Equal(t, trigger, cacheVal.TriggerAddr)
	assert.EqualValues(t, 53, cacheVal.TriggerPort)
	assert.True(t, cacheVal.IsAllowReuse)
}

func TestTranslateIngressMissReturnsFalse(t *testing.T) {
	tr := New(wanPrefix())
	_, _, ok := tr.TranslateIngress(netip.MustParseAddr("2001:db8:0:1::1"), 6, 443)
	assert.False(t, ok)
}

func TestTranslateIngressRejectsIPv4(t *testing.T) {
	tr := New(wanPrefix())
	_, _, ok := tr.TranslateIngress(netip.MustParseAddr("192.0.2.1"), 6, 443)
	assert.False(t, ok)
}

func TestIDNibblePreservedAcrossTranslation(t *testing.T) {
	tr := New(wanPrefix())
	// high nibble of the last host byte (0x5) is the id; the low nibble
	// and the rest of the host half carry the actual address suffix.
	client := netip.MustParseAddr("fd00::1:2:3:4")
	hostBytes := client.As16()
	hostBytes[15] = 0x54
	client = netip.AddrFrom16(hostBytes)

	translated, err := tr.TranslateEgress(client, 6, 1, netip.MustParseAddr("2001:db8::2"), 2, false)
	require.NoError(t, err)

	restored, _, ok := tr.TranslateIngress(translated, 6, 1)
	require.True(t, ok)
	assert.Equal(t, client, restored)
}

func TestUpdateICMPv6ChecksumChangesOnAddressSubstitution(t *testing.T) {
	old := netip.MustParseAddr("fd00::1")
	newAddr := netip.MustParseAddr("2001:db8::1")
	updated := UpdateICMPv6Checksum(0xffff, old, newAddr)
	assert.NotEqual(t, uint16(0xffff), updated)
}
