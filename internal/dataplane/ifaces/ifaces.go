// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ifaces attaches a pipeline to network interfaces via AF_PACKET
// raw sockets, replacing the kernel's TC ingress/egress and XDP ingress
// hook dispatch that a real in-kernel data plane relies on. A separate
// attachment enters a container network namespace to run the
// transparent-proxy redirect hook inside it.
package ifaces

import (
	"context"
	"net"
	"runtime"

	"github.com/mdlayher/packet"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	dperrors "github.com/kiss2u/landscape-go/internal/errors"
	"github.com/kiss2u/landscape-go/internal/logging"
)

// Role identifies the traffic class an attached interface carries,
// matching the wan-ip-binding / lan-route role split the route engine
// expects.
type Role uint8

const (
	RoleLAN Role = iota
	RoleWAN
	RoleContainerNetns
	RoleDNS
)

// FrameHandler processes one raw Ethernet frame read from an attachment,
// returning the bytes to write back out (nil to drop, the frame itself
// passed through unmodified to forward as-is).
type FrameHandler func(ifindex uint32, role Role, frame []byte) ([]byte, error)

// Attachment is one interface's raw-socket ingress/egress pump.
type Attachment struct {
	Name    string
	Ifindex uint32
	Role    Role

	conn    *packet.Conn
	handler FrameHandler
}

// AttachmentManager owns every attached interface and dispatches read
// frames to the configured handler.
type AttachmentManager struct {
	attachments map[string]*Attachment
}

// NewAttachmentManager builds an empty manager.
func NewAttachmentManager() *AttachmentManager {
	return &AttachmentManager{attachments: make(map[string]*Attachment)}
}

const readBufferSize = 65536

// Attach opens an AF_PACKET socket on ifaceName bound to all protocols
// (ETH_P_ALL), the userspace equivalent of a combined TC ingress/egress
// hook, and starts a pump goroutine that calls handler for every frame
// until ctx is canceled.
func (m *AttachmentManager) Attach(ctx context.Context, ifaceName string, role Role, handler FrameHandler) (*Attachment, error) {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, dperrors.Errorf(dperrors.KindNotFound, "lookup interface %s: %v", ifaceName, err)
	}

	conn, err := packet.Listen(ifi, packet.Raw, int(htons(unix.ETH_P_ALL)), nil)
	if err != nil {
		return nil, dperrors.Errorf(dperrors.KindUnavailable, "open raw socket on %s: %v", ifaceName, err)
	}

	att := &Attachment{
		Name:    ifaceName,
		Ifindex: uint32(ifi.Index),
		Role:    role,
		conn:    conn,
		handler: handler,
	}
	m.attachments[ifaceName] = att

	go att.pump(ctx)
	return att, nil
}

func htons(v int) uint16 {
	return uint16(v>>8) | uint16(v<<8)
}

func (a *Attachment) pump(ctx context.Context) {
	defer a.conn.Close()
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, err := a.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Default().Warn("raw socket read failed", "interface", a.Name, "error", err)
			continue
		}

		out, err := a.handler(a.Ifindex, a.Role, buf[:n])
		if err != nil {
			logging.Default().Debug("frame handler error", "interface", a.Name, "error", err)
			continue
		}
		if out == nil {
			continue
		}
		if _, err := a.conn.WriteTo(out, &packet.Addr{HardwareAddr: net.HardwareAddr{}}); err != nil {
			logging.Default().Warn("raw socket write failed", "interface", a.Name, "error", err)
		}
	}
}

// Detach closes the named attachment's socket.
func (m *AttachmentManager) Detach(ifaceName string) {
	if att, ok := m.attachments[ifaceName]; ok {
		att.conn.Close()
		delete(m.attachments, ifaceName)
	}
}

// EnterContainerNetns runs fn with the calling OS thread switched into
// the named container's network namespace, restoring the original
// namespace before returning — the attachment point for the Proxy
// Redirect hook's in-namespace listener.
func EnterContainerNetns(nsName string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return dperrors.Errorf(dperrors.KindUnavailable, "get current netns: %v", err)
	}
	defer orig.Close()

	target, err := netns.GetFromName(nsName)
	if err != nil {
		return dperrors.Errorf(dperrors.KindNotFound, "open netns %s: %v", nsName, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return dperrors.Errorf(dperrors.KindUnavailable, "enter netns %s: %v", nsName, err)
	}
	defer netns.Set(orig)

	return fn()
}
