// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vlanredirect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for flowID := 0; flowID <= 0xFF; flowID++ {
		tci := Encode(uint8(flowID))
		got, ok := Decode(tci)
		assert.True(t, ok)
		assert.Equal(t, uint8(flowID), got)
	}
}

func TestDecodeRejectsOrdinaryVlanTag(t *testing.T) {
	_, ok := Decode(0x0064)
	assert.False(t, ok)
}

func TestDecodeRejectsAdjacentNibble(t *testing.T) {
	_, ok := Decode(0x0D00)
	assert.False(t, ok)
}

func TestEncodeSetsReservedNibble(t *testing.T) {
	tci := Encode(42)
	assert.Equal(t, uint16(tagNibble), tci>>8)
}
