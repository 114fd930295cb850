// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classify

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiss2u/landscape-go/internal/dataplane/mark"
	"github.com/kiss2u/landscape-go/internal/dataplane/packet"
)

func TestClassifyByMACAssignsFlowID(t *testing.T) {
	c := New(64)
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	key := KeyFromMAC(mac, 0, 0, packet.L3IPv4, packet.ProtoTCP)
	require.NoError(t, c.Configure(key, 7))

	var m mark.Word
	c.Classify(key, &m)
	assert.EqualValues(t, 7, m.FlowID())
}

func TestClassifyByIPOnLayerThreeInterface(t *testing.T) {
	c := New(64)
	key := KeyFromIP(netip.MustParseAddr("10.0.0.5"), 0, 0, packet.L3IPv4, packet.ProtoUDP)
	require.NoError(t, c.Configure(key, 3))

	var m mark.Word
	c.Classify(key, &m)
	assert.EqualValues(t, 3, m.FlowID())
}

func TestClassifyMissLeavesDefaultFlowID(t *testing.T) {
	c := New(64)
	key := KeyFromIP(netip.MustParseAddr("10.0.0.9"), 0, 0, packet.L3IPv4, packet.ProtoUDP)

	var m mark.Word
	c.Classify(key, &m)
	assert.EqualValues(t, 0, m.FlowID())
}

func TestDistinctVlanTCIProducesDistinctKeys(t *testing.T) {
	c := New(64)
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	keyA := KeyFromMAC(mac, 10, 0, packet.L3IPv4, packet.ProtoTCP)
	keyB := KeyFromMAC(mac, 20, 0, packet.L3IPv4, packet.ProtoTCP)
	require.NoError(t, c.Configure(keyA, 1))

	var m mark.Word
	c.Classify(keyB, &m)
	assert.EqualValues(t, 0, m.FlowID(), "a rule on one vlan must not match a different vlan")
}

func TestRemoveDeletesMatchRule(t *testing.T) {
	c := New(64)
	key := KeyFromIP(netip.MustParseAddr("10.0.0.5"), 0, 0, packet.L3IPv4, packet.ProtoUDP)
	require.NoError(t, c.Configure(key, 5))
	assert.True(t, c.Remove(key))
	assert.False(t, c.Remove(key))

	var m mark.Word
	c.Classify(key, &m)
	assert.EqualValues(t, 0, m.FlowID())
}
