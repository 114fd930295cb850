// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package mark

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowIDRoundTrip(t *testing.T) {
	var w Word
	w = w.WithFlowID(42)
	assert.Equal(t, uint8(42), w.FlowID())

	w = w.WithAction(ActionRedirect)
	assert.Equal(t, uint8(42), w.FlowID(), "setting action must not disturb flow id")
	assert.Equal(t, ActionRedirect, w.Action())
}

func TestPortReuseBitIndependent(t *testing.T) {
	var w Word
	w = w.WithFlowID(7).WithAction(ActionAllowReuse).WithPortReuseAllowed(true)
	assert.True(t, w.PortReuseAllowed())
	assert.Equal(t, uint8(7), w.FlowID())
	assert.Equal(t, ActionAllowReuse, w.Action())

	w = w.WithPortReuseAllowed(false)
	assert.False(t, w.PortReuseAllowed())
	assert.Equal(t, uint8(7), w.FlowID())
}

func TestSourceClassWidening(t *testing.T) {
	var w Word
	w = w.WidenSourceClass(SourceHost)
	assert.Equal(t, SourceHost, w.SourceClass())

	w = w.WidenSourceClass(SourceLAN)
	assert.Equal(t, SourceLAN, w.SourceClass())

	// once LAN, attempts to move to WAN or back to host must not take.
	w = w.WidenSourceClass(SourceWAN)
	assert.Equal(t, SourceLAN, w.SourceClass())
	w = w.WidenSourceClass(SourceHost)
	assert.Equal(t, SourceLAN, w.SourceClass())
}

func TestBitFieldsDoNotOverlap(t *testing.T) {
	w := Word(0).
		WithFlowID(0xFF).
		WithAction(ActionRedirect).
		WithPortReuseAllowed(true).
		WithSourceClass(SourceWAN)

	assert.Equal(t, uint8(0xFF), w.FlowID())
	assert.Equal(t, ActionRedirect, w.Action())
	assert.True(t, w.PortReuseAllowed())
	assert.Equal(t, SourceWAN, w.SourceClass())
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "redirect", ActionRedirect.String())
	assert.Equal(t, "unknown", Action(99).String())
}
