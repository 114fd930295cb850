// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package proxy implements the transparent-proxy redirect: a LAN packet
// marked for proxy interception by the flow verdict is handed to a
// listener bound inside the target container network namespace, selected
// by the VLAN tag the route engine pushed when it redirected the packet
// across the namespace boundary.
package proxy

import (
	dperrors "github.com/kiss2u/landscape-go/internal/errors"
	"github.com/kiss2u/landscape-go/internal/dataplane/vlanredirect"
)

// BasePort is the first of the per-flow proxy listener ports; flow id N
// listens on BasePort+N.
const BasePort = 12000

// LandscapeTag packs flowID into the reserved VLAN tci range, the
// external binding named in spec.md §6.
func LandscapeTag(flowID uint8) uint16 {
	return vlanredirect.Encode(flowID)
}

// ParseLandscapeTag reports whether tag was produced by LandscapeTag and,
// if so, the flow id it carries.
func ParseLandscapeTag(tag uint16) (flowID uint8, ok bool) {
	return vlanredirect.Decode(tag)
}

// ListenerPort returns the per-flow proxy listener port for flowID.
func ListenerPort(flowID uint8) int {
	return BasePort + int(flowID)
}

// Dispatcher selects the per-flow listener for a VLAN-tagged frame
// arriving inside the container namespace.
type Dispatcher struct {
	listeners map[uint8]int // flow id -> bound local port, populated at namespace attach time
}

// NewDispatcher builds an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[uint8]int)}
}

// RegisterListener records the local port a flow's proxy listener is
// bound to inside the namespace.
func (d *Dispatcher) RegisterListener(flowID uint8, port int) {
	d.listeners[flowID] = port
}

// Dispatch strips the VLAN tag from an incoming frame's tci and returns
// the local listener port the packet must be delivered to.
func (d *Dispatcher) Dispatch(tci uint16) (int, error) {
	flowID, ok := ParseLandscapeTag(tci)
	if !ok {
		return 0, dperrors.New(dperrors.KindNotSupported, "vlan tci is not a landscape redirect tag")
	}
	port, ok := d.listeners[flowID]
	if !ok {
		return 0, dperrors.New(dperrors.KindStateMiss, "no proxy listener registered for flow id")
	}
	return port, nil
}
