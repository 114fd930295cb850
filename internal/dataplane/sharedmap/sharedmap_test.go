// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sharedmap

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dperrors "github.com/kiss2u/landscape-go/internal/errors"
)

func TestHashCapacityEnforced(t *testing.T) {
	h := NewHash[int, string](2)
	require.NoError(t, h.Insert(1, "a"))
	require.NoError(t, h.Insert(2, "b"))

	err := h.Insert(3, "c")
	require.Error(t, err)
	assert.Equal(t, dperrors.KindResourceExhausted, dperrors.GetKind(err))

	// updating an existing key never fails even at capacity.
	require.NoError(t, h.Insert(1, "a-updated"))
	v, ok := h.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "a-updated", v)
}

func TestHashDelete(t *testing.T) {
	h := NewHash[string, int](4)
	require.NoError(t, h.Insert("k", 1))
	assert.True(t, h.Delete("k"))
	assert.False(t, h.Delete("k"))
	_, ok := h.Lookup("k")
	assert.False(t, ok)
}

func TestHashOfMapsLazySubmaps(t *testing.T) {
	h := NewHashOfMaps[uint8, netip.Addr, int](4, 8)

	sub, err := h.Submap(1)
	require.NoError(t, err)
	require.NoError(t, sub.Insert(netip.MustParseAddr("1.1.1.1"), 42))

	v, ok := h.Lookup(1, netip.MustParseAddr("1.1.1.1"))
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = h.Lookup(2, netip.MustParseAddr("1.1.1.1"))
	assert.False(t, ok)
}

func TestHashOfMapsOuterCapacity(t *testing.T) {
	h := NewHashOfMaps[uint8, int, int](1, 4)
	_, err := h.Submap(1)
	require.NoError(t, err)
	_, err = h.Submap(2)
	require.Error(t, err)
}

func TestLRUEviction(t *testing.T) {
	c := NewLRU[int, string](2)
	c.Put(1, "a")
	c.Put(2, "b")
	// touch 1 so 2 becomes the least recently used.
	_, _ = c.Get(1)
	c.Put(3, "c")

	_, ok := c.Get(2)
	assert.False(t, ok, "least recently used entry should have been evicted")

	v, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = c.Get(3)
	require.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestLPMLongestPrefixWins(t *testing.T) {
	l := NewLPM[string](16)
	require.NoError(t, l.Insert(netip.MustParsePrefix("192.168.0.0/16"), "broad"))
	require.NoError(t, l.Insert(netip.MustParsePrefix("192.168.1.0/24"), "narrow"))

	v, ok := l.Lookup(netip.MustParseAddr("192.168.1.50"))
	require.True(t, ok)
	assert.Equal(t, "narrow", v)

	v, ok = l.Lookup(netip.MustParseAddr("192.168.2.50"))
	require.True(t, ok)
	assert.Equal(t, "broad", v)

	_, ok = l.Lookup(netip.MustParseAddr("10.0.0.1"))
	assert.False(t, ok)
}

func TestLPMCapacityEnforced(t *testing.T) {
	l := NewLPM[int](1)
	require.NoError(t, l.Insert(netip.MustParsePrefix("10.0.0.0/8"), 1))
	err := l.Insert(netip.MustParsePrefix("172.16.0.0/12"), 2)
	require.Error(t, err)

	// replacing the existing prefix must not be rejected.
	require.NoError(t, l.Insert(netip.MustParsePrefix("10.0.0.0/8"), 99))
}

func TestLPMDelete(t *testing.T) {
	l := NewLPM[int](4)
	p := netip.MustParsePrefix("10.0.0.0/8")
	require.NoError(t, l.Insert(p, 1))
	assert.True(t, l.Delete(p))
	assert.False(t, l.Delete(p))
	_, ok := l.Lookup(netip.MustParseAddr("10.1.1.1"))
	assert.False(t, ok)
}
