// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package verdict implements the Flow Verdict stage: given a classified
// flow id and a destination, decide whether the packet keeps going with
// its default route, is forced onto the default flow, is dropped, or is
// redirected to a specific downstream flow.
package verdict

import (
	"net/netip"
	"sync"

	dperrors "github.com/kiss2u/landscape-go/internal/errors"
	"github.com/kiss2u/landscape-go/internal/dataplane/classify"
	"github.com/kiss2u/landscape-go/internal/dataplane/sharedmap"
)

// Action is the merged verdict applied to a packet.
type Action uint8

const (
	KeepGoing Action = iota
	Direct
	Drop
	Redirect
)

// Rule is one entry in either the per-flow IP-LPM or per-flow DNS table.
// Priority breaks ties when both tables match: lower wins, and DNS may
// only override the IP-LPM result when its priority is strictly lower.
type Rule struct {
	Action         Action
	Priority       uint16
	RedirectFlowID classify.FlowID
}

const defaultIPCapacity = 65536
const defaultDNSCapacity = 2048
const defaultOuterCapacity = 512

// Verdict holds the per-flow IP-LPM and DNS-hash rule tables.
type Verdict struct {
	mu        sync.Mutex
	ipTables  map[classify.FlowID]*sharedmap.LPM[Rule]
	dnsTables map[classify.FlowID]*sharedmap.Hash[netip.Addr, Rule]
	outerCap  int
}

// New builds an empty Verdict engine.
func New() *Verdict {
	return &Verdict{
		ipTables:  make(map[classify.FlowID]*sharedmap.LPM[Rule]),
		dnsTables: make(map[classify.FlowID]*sharedmap.Hash[netip.Addr, Rule]),
		outerCap:  defaultOuterCapacity,
	}
}

func (v *Verdict) ipTableFor(flow classify.FlowID, create bool) (*sharedmap.LPM[Rule], error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.ipTables[flow]; ok {
		return t, nil
	}
	if !create {
		return nil, nil
	}
	if len(v.ipTables) >= v.outerCap {
		return nil, dperrors.Errorf(dperrors.KindResourceExhausted, "flow ip-lpm table at capacity (%d flows)", v.outerCap)
	}
	t := sharedmap.NewLPM[Rule](defaultIPCapacity)
	v.ipTables[flow] = t
	return t, nil
}

func (v *Verdict) dnsTableFor(flow classify.FlowID, create bool) (*sharedmap.Hash[netip.Addr, Rule], error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.dnsTables[flow]; ok {
		return t, nil
	}
	if !create {
		return nil, nil
	}
	if len(v.dnsTables) >= v.outerCap {
		return nil, dperrors.Errorf(dperrors.KindResourceExhausted, "flow dns-hash table at capacity (%d flows)", v.outerCap)
	}
	t := sharedmap.NewHash[netip.Addr, Rule](defaultDNSCapacity)
	v.dnsTables[flow] = t
	return t, nil
}

// ConfigureIPRule installs a destination-prefix rule for flow.
func (v *Verdict) ConfigureIPRule(flow classify.FlowID, prefix netip.Prefix, rule Rule) error {
	t, err := v.ipTableFor(flow, true)
	if err != nil {
		return err
	}
	return t.Insert(prefix, rule)
}

// ConfigureDNSRule installs an exact-destination-address rule for flow.
func (v *Verdict) ConfigureDNSRule(flow classify.FlowID, addr netip.Addr, rule Rule) error {
	t, err := v.dnsTableFor(flow, true)
	if err != nil {
		return err
	}
	return t.Insert(addr, rule)
}

// Evaluate merges the per-flow IP-LPM and DNS-hash results for dst by
// lowest priority, with the IP-LPM consulted first and the DNS table
// permitted to override only on a strictly lower priority.
func (v *Verdict) Evaluate(flow classify.FlowID, dst netip.Addr) Rule {
	best := Rule{Action: KeepGoing, Priority: 0}
	haveBest := false

	if t, _ := v.ipTableFor(flow, false); t != nil {
		if r, ok := t.Lookup(dst); ok {
			best = r
			haveBest = true
		}
	}

	if t, _ := v.dnsTableFor(flow, false); t != nil {
		if r, ok := t.Lookup(dst); ok {
			if !haveBest || r.Priority < best.Priority {
				best = r
				haveBest = true
			}
		}
	}

	if !haveBest {
		return Rule{Action: KeepGoing}
	}
	return best
}
