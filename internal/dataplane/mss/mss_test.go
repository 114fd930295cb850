// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package mss

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synPacketWithMSS(mss uint16) []byte {
	// 20-byte IPv4 header + 24-byte TCP header (20 fixed + 4-byte MSS option).
	buf := make([]byte, 20+24)
	buf[0] = 0x45
	tcp := buf[20:]
	tcp[12] = 0x60 // data offset = 6 words = 24 bytes
	tcp[13] = 0x02 // SYN
	tcp[20] = optKindMSS
	tcp[21] = 4
	binary.BigEndian.PutUint16(tcp[22:24], mss)
	return buf
}

func TestClampLowersOversizedMSS(t *testing.T) {
	buf := synPacketWithMSS(1460)
	changed, err := Clamp(buf, 20, 24, 1400)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 1400, binary.BigEndian.Uint16(buf[20+22:20+24]))
}

func TestClampLeavesSmallerMSSUntouched(t *testing.T) {
	buf := synPacketWithMSS(1200)
	changed, err := Clamp(buf, 20, 24, 1400)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.EqualValues(t, 1200, binary.BigEndian.Uint16(buf[20+22:20+24]))
}

func TestClampHandlesNopPaddingBeforeMSS(t *testing.T) {
	buf := make([]byte, 20+28)
	buf[0] = 0x45
	tcp := buf[20:]
	tcp[12] = 0x70 // data offset = 7 words = 28 bytes
	tcp[13] = 0x02
	tcp[20] = optKindNop
	tcp[21] = optKindNop
	tcp[22] = optKindMSS
	tcp[23] = 4
	binary.BigEndian.PutUint16(tcp[24:26], 1460)
	tcp[26] = optKindEnd

	changed, err := Clamp(buf, 20, 28, 1400)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 1400, binary.BigEndian.Uint16(tcp[24:26]))
}

func TestClampRejectsTruncatedOption(t *testing.T) {
	buf := make([]byte, 20+21)
	buf[0] = 0x45
	tcp := buf[20:]
	tcp[12] = 0x50
	tcp[13] = 0x02
	tcp[20] = optKindMSS // option kind with no room left for its length byte
	_, err := Clamp(buf, 20, 21, 1400)
	assert.Error(t, err)
}

func TestClampForSubtractsHeaders(t *testing.T) {
	assert.EqualValues(t, 1460, ClampFor(1500, 20))
	assert.EqualValues(t, 0, ClampFor(10, 20))
}
