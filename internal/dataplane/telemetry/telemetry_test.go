// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package telemetry

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishNATEventStampsCorrelationID(t *testing.T) {
	b := NewBus()
	ok := b.PublishNATEvent(NATEvent{Kind: NATEventCreated, FlowID: 3, ClientAddr: netip.MustParseAddr("10.0.0.5")})
	require.True(t, ok)

	ev := <-b.NATEvents
	assert.NotEqual(t, uuid.Nil, ev.CorrelationID)
	assert.EqualValues(t, 3, ev.FlowID)
}

func TestPublishICMPNoticeStampsCorrelationID(t *testing.T) {
	b := NewBus()
	ok := b.PublishICMPNotice(ICMPNotice{MTU: 1492})
	require.True(t, ok)

	n := <-b.ICMPNotices
	assert.NotEqual(t, uuid.Nil, n.CorrelationID)
	assert.Equal(t, 1492, n.MTU)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := &Bus{NATEvents: make(chan NATEvent, 1), ICMPNotices: make(chan ICMPNotice, 1)}
	assert.True(t, b.PublishNATEvent(NATEvent{}))
	assert.False(t, b.PublishNATEvent(NATEvent{}), "a full buffer must drop rather than block")
}
