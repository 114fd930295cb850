// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command landscape-sim replays a pcap capture through a Pipeline built
// from an HCL configuration file, printing a per-frame forward/drop
// verdict. It is the offline counterpart to landscaped: no raw sockets
// are opened, so it runs anywhere a capture file can be read, grounded on
// the teacher's flywall-sim pcap-replay tool.
package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcap"

	"github.com/kiss2u/landscape-go/internal/config"
	"github.com/kiss2u/landscape-go/internal/dataplane/classify"
	"github.com/kiss2u/landscape-go/internal/dataplane/firewall"
	"github.com/kiss2u/landscape-go/internal/dataplane/fragment"
	"github.com/kiss2u/landscape-go/internal/dataplane/ifaces"
	"github.com/kiss2u/landscape-go/internal/dataplane/nat"
	"github.com/kiss2u/landscape-go/internal/dataplane/pipeline"
	"github.com/kiss2u/landscape-go/internal/dataplane/route"
	"github.com/kiss2u/landscape-go/internal/dataplane/sharedmap"
	"github.com/kiss2u/landscape-go/internal/dataplane/verdict"
	"github.com/kiss2u/landscape-go/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to the HCL configuration file")
	pcapPath := flag.String("pcap", "", "path to the pcap file to replay")
	role := flag.String("role", "lan", "ingress role to replay frames as: lan or wan")
	flag.Parse()

	if *pcapPath == "" {
		fmt.Fprintln(os.Stderr, "usage: landscape-sim -pcap capture.pcap [-config landscaped.hcl] [-role lan|wan]")
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logging.Default().Error("failed to load configuration", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	lanRoute := sharedmap.NewLPM[route.LanRouteInfo](65536)
	flowTarget := sharedmap.NewHash[route.FlowTargetKey, route.FlowTarget](4096)
	rt := route.New(lanRoute, flowTarget, verdict.New(), nil)

	cl := classify.New(65536)
	fw := firewall.New(4096)
	frag := fragment.New()

	var natEngine *nat.Engine
	if cfg.NAT != nil {
		natEngine = nat.New(wanAddrOrZero(cfg), nil)
	}

	p := pipeline.New(cfg.L3Offset, fw, frag, cl, rt, natEngine, nil, nil, nil)

	ingressRole := ifaces.RoleLAN
	if *role == "wan" {
		ingressRole = ifaces.RoleWAN
	}

	handle, err := pcap.OpenOffline(*pcapPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open pcap %s: %v\n", *pcapPath, err)
		os.Exit(1)
	}
	defer handle.Close()

	var frames [][]byte
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range source.Packets() {
		frames = append(frames, append([]byte{}, packet.Data()...))
	}

	results, err := pipeline.RunOffline(p, 1, ingressRole, frames)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}

	forwarded, dropped := 0, 0
	for _, r := range results {
		if r == nil {
			dropped++
			continue
		}
		forwarded++
	}
	fmt.Printf("replayed %d frames: %d forwarded, %d dropped/passed\n", len(frames), forwarded, dropped)
}

func wanAddrOrZero(cfg *config.Config) netip.Addr {
	for _, ifc := range cfg.Interfaces {
		if ifc.Role != "wan" || ifc.WANAddress == "" {
			continue
		}
		if parsed, err := netip.ParseAddr(ifc.WANAddress); err == nil {
			return parsed
		}
	}
	return netip.Addr{}
}
