// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dnsdispatch selects which reuseport DNS listener socket a LAN
// client's query should be delivered to, keyed by the same source
// identity the Flow Classifier already computed — so a query from a
// device pinned to a particular upstream resolver lands on that
// resolver's dedicated socket rather than a shared one picked by the
// kernel's SO_REUSEPORT hash.
package dnsdispatch

import (
	"github.com/miekg/dns"

	"github.com/kiss2u/landscape-go/internal/dataplane/classify"
	dperrors "github.com/kiss2u/landscape-go/internal/errors"
	"github.com/kiss2u/landscape-go/internal/dataplane/sharedmap"
)

// SocketID identifies one bound reuseport listener in the socket map a
// real control plane would populate as file descriptors; here it is an
// opaque index the attachment layer resolves to an actual *net.UDPConn.
type SocketID uint16

// Dispatcher maps classified source identity to a DNS listener socket.
type Dispatcher struct {
	table *sharedmap.Hash[classify.Key, SocketID]
}

// New builds a Dispatcher with a table capped at capacity entries.
func New(capacity int) *Dispatcher {
	return &Dispatcher{table: sharedmap.NewHash[classify.Key, SocketID](capacity)}
}

// Configure installs or replaces the socket a source identity dispatches to.
func (d *Dispatcher) Configure(key classify.Key, socket SocketID) error {
	return d.table.Insert(key, socket)
}

// Select returns the socket a query from key should be delivered to. A
// miss is not an error: the caller falls back to the default shared
// reuseport socket, exactly as a kernel hash-based SO_REUSEPORT group
// would for an unrecognized flow.
func (d *Dispatcher) Select(key classify.Key) (SocketID, bool) {
	return d.table.Lookup(key)
}

// QueryLabel is the read-only telemetry label extracted from a DNS
// query's question section; it never gates the dispatch decision.
type QueryLabel struct {
	Name  string
	Qtype uint16
}

// ParseQueryLabel parses the first question of a DNS message in a UDP
// datagram payload, for telemetry only.
func ParseQueryLabel(udpPayload []byte) (QueryLabel, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(udpPayload); err != nil {
		return QueryLabel{}, dperrors.Errorf(dperrors.KindParseFail, "unpack dns message: %v", err)
	}
	if len(msg.Question) == 0 {
		return QueryLabel{}, dperrors.New(dperrors.KindParseFail, "dns message carries no question")
	}
	q := msg.Question[0]
	return QueryLabel{Name: q.Name, Qtype: q.Qtype}, nil
}
