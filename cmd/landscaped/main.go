// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command landscaped is the data-plane daemon: it loads the HCL
// configuration, installs its static NAT rules, LAN routes and pinhole
// timeout, attaches the pipeline to the configured interfaces via raw
// sockets, and serves Prometheus metrics until signaled to stop. The
// file's flow_match, flow_target, firewall block-list and NAT port-range
// and timeout settings are not applied.
package main

import (
	"context"
	"flag"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiss2u/landscape-go/internal/config"
	"github.com/kiss2u/landscape-go/internal/dataplane/classify"
	"github.com/kiss2u/landscape-go/internal/dataplane/firewall"
	"github.com/kiss2u/landscape-go/internal/dataplane/fragment"
	"github.com/kiss2u/landscape-go/internal/dataplane/ifaces"
	"github.com/kiss2u/landscape-go/internal/dataplane/metrics"
	"github.com/kiss2u/landscape-go/internal/dataplane/nat"
	"github.com/kiss2u/landscape-go/internal/dataplane/neighbour"
	"github.com/kiss2u/landscape-go/internal/dataplane/pipeline"
	"github.com/kiss2u/landscape-go/internal/dataplane/route"
	"github.com/kiss2u/landscape-go/internal/dataplane/sharedmap"
	"github.com/kiss2u/landscape-go/internal/dataplane/telemetry"
	"github.com/kiss2u/landscape-go/internal/dataplane/verdict"
	"github.com/kiss2u/landscape-go/internal/logging"
)

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func main() {
	configPath := flag.String("config", "/etc/landscaped/landscaped.hcl", "path to the HCL configuration file")
	metricsAddr := flag.String("metrics-addr", ":9100", "address to serve Prometheus metrics on")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Default().Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, parseLevel(cfg.LogLevel), cfg.LogFormat)
	logging.SetDefault(logger)

	m := metrics.NewMetrics()
	m.RegisterMetrics()

	bus := telemetry.NewBus()

	lanRoute := sharedmap.NewLPM[route.LanRouteInfo](65536)
	flowTarget := sharedmap.NewHash[route.FlowTargetKey, route.FlowTarget](4096)
	v := verdict.New()
	nbCache := neighbour.New()
	rt := route.New(lanRoute, flowTarget, v, nbCache)

	cl := classify.New(65536)
	fw := firewall.New(4096)
	frag := fragment.New()

	var natEngine *nat.Engine
	if cfg.NAT != nil {
		for _, ifc := range cfg.Interfaces {
			if ifc.Role != "wan" || ifc.WANAddress == "" {
				continue
			}
			addr, err := netip.ParseAddr(ifc.WANAddress)
			if err != nil {
				logger.Warn("skipping malformed wan_address", "interface", ifc.Name, "error", err)
				continue
			}
			natEngine = nat.New(addr, func(key nat.ConntrackKey) {
				m.NATExpirations.Inc()
				bus.PublishNATEvent(telemetry.NATEvent{
					Kind:       telemetry.NATEventExpired,
					L4Proto:    key.L4Proto,
					ClientAddr: key.ClientAddr,
					ClientPort: key.ClientPort,
					NatAddr:    key.NatAddr,
					NatPort:    key.NatPort,
				})
			})
			break
		}
	}

	for _, entry := range cfg.StaticNAT {
		if natEngine == nil {
			break
		}
		prefix, err := netip.ParsePrefix(entry.Prefix)
		if err != nil {
			logger.Warn("skipping malformed static_nat prefix", "prefix", entry.Prefix, "error", err)
			continue
		}
		addr, _ := netip.ParseAddr(entry.Address)
		if err := natEngine.ConfigureStatic(prefix, nat.StaticMapping{
			Gress:   nat.Ingress,
			L4Proto: protocolNumber(entry.Protocol),
			Port:    uint16(entry.Port),
			Addr:    addr,
		}); err != nil {
			logger.Warn("failed to install static nat rule", "prefix", entry.Prefix, "error", err)
		}
	}

	for _, r := range cfg.LANRoutes {
		prefix, err := netip.ParsePrefix(r.Prefix)
		if err != nil {
			logger.Warn("skipping malformed lan_route prefix", "prefix", r.Prefix, "error", err)
			continue
		}
		if err := lanRoute.Insert(prefix, route.LanRouteInfo{Ifindex: uint32(r.Ifindex)}); err != nil {
			logger.Warn("failed to install lan route", "prefix", r.Prefix, "error", err)
		}
	}

	if cfg.Firewall != nil {
		firewall.DefaultTimeout = cfg.Firewall.PinholeTimeout
	}

	p := pipeline.New(cfg.L3Offset, fw, frag, cl, rt, natEngine, nil, m, bus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attachments := ifaces.NewAttachmentManager()
	for _, ifc := range cfg.Interfaces {
		role := roleFor(ifc.Role)
		att, err := attachments.Attach(ctx, ifc.Name, role, p.HandleFrame)
		if err != nil {
			logger.Warn("failed to attach interface", "interface", ifc.Name, "role", ifc.Role, "error", err)
			m.AttachmentErrors.WithLabelValues(ifc.Name, "attach").Inc()
			continue
		}
		m.AttachmentUp.WithLabelValues(ifc.Name, ifc.Role).Set(1)

		if role != ifaces.RoleWAN {
			continue
		}
		link := pipeline.WANLinkConfig{MTU: ifc.MTU}
		if addr, err := netip.ParseAddr(ifc.WANAddress); err == nil {
			link.Address = addr
		}
		if cfg.PPPoE != nil {
			link.HasPPPoE = true
			link.PPPoESession = cfg.PPPoE.SessionID
			if cfg.PPPoE.LinkMTU != 0 {
				link.MTU = cfg.PPPoE.LinkMTU
			}
		}
		p.ConfigureWANLink(att.Ifindex, link)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("landscaped started", "config", *configPath, "metrics_addr", *metricsAddr)
	<-ctx.Done()
	logger.Info("shutting down")
	_ = srv.Close()
}

func roleFor(s string) ifaces.Role {
	switch s {
	case "wan":
		return ifaces.RoleWAN
	case "container":
		return ifaces.RoleContainerNetns
	case "dns":
		return ifaces.RoleDNS
	default:
		return ifaces.RoleLAN
	}
}

func protocolNumber(s string) uint8 {
	switch s {
	case "udp":
		return 17
	default:
		return 6
	}
}

