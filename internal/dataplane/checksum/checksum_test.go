// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package checksum

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ipv4Header(src, dst [4]byte) []byte {
	h := make([]byte, 20)
	h[0] = 0x45
	binary.BigEndian.PutUint16(h[2:4], 20)
	h[8] = 64
	h[9] = 6
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])
	return h
}

func TestComputeMatchesFullRecompute(t *testing.T) {
	h := ipv4Header([4]byte{192, 168, 1, 50}, [4]byte{93, 184, 216, 34})
	binary.BigEndian.PutUint16(h[10:12], 0)
	want := Compute(h)

	h2 := ipv4Header([4]byte{192, 168, 1, 50}, [4]byte{93, 184, 216, 34})
	binary.BigEndian.PutUint16(h2[10:12], want)
	assert.Equal(t, uint16(0xffff), Fold(Sum(h2)), "checksum field should make the full sum fold to all ones")
}

func TestUpdate32MatchesFullRecompute(t *testing.T) {
	oldSrc := [4]byte{192, 168, 1, 50}
	newSrc := [4]byte{198, 51, 100, 10}
	dst := [4]byte{93, 184, 216, 34}

	h := ipv4Header(oldSrc, dst)
	binary.BigEndian.PutUint16(h[10:12], 0)
	orig := Compute(h)
	binary.BigEndian.PutUint16(h[10:12], orig)

	updated := Update32(orig, oldSrc, newSrc)

	h2 := ipv4Header(newSrc, dst)
	binary.BigEndian.PutUint16(h2[10:12], 0)
	want := Compute(h2)

	assert.Equal(t, want, updated)
}

func TestUpdateZeroExemptLeavesZeroAlone(t *testing.T) {
	got := UpdateZeroExempt(0, 5000, 6000)
	assert.Equal(t, uint16(0), got)
}

func TestUpdate16RoundTrip(t *testing.T) {
	c := Update16(0x1234, 5000, 6000)
	back := Update16(c, 6000, 5000)
	assert.Equal(t, uint16(0x1234), back, "reversing the same field change must restore the checksum")
}
