// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the data plane's load-time configuration from a
// single HCL file: the constants spec.md §6 names (L3 offset, log level,
// MTU, PPPoE session id, NAT port ranges, proxy address/port, conntrack
// timeouts) plus the static map seeds — interface roles, LAN routes,
// flow-match rules, flow-target entries, static NAT mappings, firewall
// block lists — that a real control plane would otherwise push in over a
// wire protocol. This is the in-process stand-in for that out-of-scope
// control plane: it seeds the maps once at load time and is not
// reachable at runtime.
package config

import (
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	dperrors "github.com/kiss2u/landscape-go/internal/errors"
)

// Config is the root of the load-time configuration file.
type Config struct {
	L3Offset  int    `hcl:"l3_offset,optional" json:"l3_offset,omitempty"`
	LogLevel  string `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogFormat string `hcl:"log_format,optional" json:"log_format,omitempty"`

	Interfaces []InterfaceConfig `hcl:"interface,block" json:"interface,omitempty"`
	LANRoutes  []LANRoute        `hcl:"lan_route,block" json:"lan_route,omitempty"`
	FlowMatch  []FlowMatchRule   `hcl:"flow_match,block" json:"flow_match,omitempty"`
	FlowTarget []FlowTargetEntry `hcl:"flow_target,block" json:"flow_target,omitempty"`

	NAT       *NATConfig       `hcl:"nat,block" json:"nat,omitempty"`
	StaticNAT []StaticNATEntry `hcl:"static_nat,block" json:"static_nat,omitempty"`

	Firewall *FirewallConfig `hcl:"firewall,block" json:"firewall,omitempty"`

	PPPoE *PPPoEConfig `hcl:"pppoe,block" json:"pppoe,omitempty"`
	Proxy *ProxyConfig `hcl:"proxy,block" json:"proxy,omitempty"`
}

// InterfaceConfig binds an interface name to a role and, for WAN
// interfaces, the assigned address used to gate WAN ingress.
type InterfaceConfig struct {
	Name       string `hcl:"name,label" json:"name"`
	Role       string `hcl:"role" json:"role"` // "lan", "wan", "container", "dns"
	MTU        int    `hcl:"mtu,optional" json:"mtu,omitempty"`
	WANAddress string `hcl:"wan_address,optional" json:"wan_address,omitempty"`
}

// LANRoute seeds one entry of the lan-route LPM.
type LANRoute struct {
	Prefix  string `hcl:"prefix,label" json:"prefix"`
	Ifindex int    `hcl:"ifindex" json:"ifindex"`
}

// FlowMatchRule seeds one entry of the flow classifier's match table.
type FlowMatchRule struct {
	SourceMAC string `hcl:"source_mac,optional" json:"source_mac,omitempty"`
	SourceIP  string `hcl:"source_ip,optional" json:"source_ip,omitempty"`
	FlowID    int    `hcl:"flow_id" json:"flow_id"`
}

// FlowTargetEntry seeds one entry of the flow-target map.
type FlowTargetEntry struct {
	FlowID           int    `hcl:"flow_id,label" json:"flow_id"`
	Ifindex          int    `hcl:"ifindex" json:"ifindex"`
	GatewayAddress   string `hcl:"gateway_address,optional" json:"gateway_address,omitempty"`
	IsContainerNetns bool   `hcl:"is_container_netns,optional" json:"is_container_netns,omitempty"`
}

// NATConfig configures the IPv4 NAPT engine's port range and conntrack
// timers, defaulting to the values spec.md §6 prescribes.
type NATConfig struct {
	PortRangeStart int           `hcl:"port_range_start,optional" json:"port_range_start,omitempty"`
	PortRangeEnd   int           `hcl:"port_range_end,optional" json:"port_range_end,omitempty"`
	TCPSynTimeout  time.Duration `hcl:"tcp_syn_timeout,optional" json:"tcp_syn_timeout,omitempty"`
	TCPTimeout     time.Duration `hcl:"tcp_timeout,optional" json:"tcp_timeout,omitempty"`
	UDPTimeout     time.Duration `hcl:"udp_timeout,optional" json:"udp_timeout,omitempty"`
}

// StaticNATEntry seeds one port-forward or DMZ rule.
type StaticNATEntry struct {
	Prefix   string `hcl:"prefix,label" json:"prefix"`
	Protocol string `hcl:"protocol" json:"protocol"`
	Port     int    `hcl:"port" json:"port"`
	Address  string `hcl:"address,optional" json:"address,omitempty"` // empty means DMZ
}

// FirewallConfig seeds the firewall's block lists and pinhole timeout.
type FirewallConfig struct {
	BlockV4        []string      `hcl:"block_v4,optional" json:"block_v4,omitempty"`
	BlockV6        []string      `hcl:"block_v6,optional" json:"block_v6,omitempty"`
	PinholeTimeout time.Duration `hcl:"pinhole_timeout,optional" json:"pinhole_timeout,omitempty"`
}

// PPPoEConfig holds the load-time PPPoE session constant; spec.md §6
// scopes session discovery out, so this is a fixed value patched at load
// time rather than learned from PADI/PADO snooping.
type PPPoEConfig struct {
	SessionID uint16 `hcl:"session_id" json:"session_id"`
	LinkMTU   int    `hcl:"link_mtu,optional" json:"link_mtu,omitempty"`
}

// ProxyConfig holds the transparent-proxy redirect's listen address.
type ProxyConfig struct {
	Address string `hcl:"address,optional" json:"address,omitempty"`
	Port    int    `hcl:"port,optional" json:"port,omitempty"`
}

// Default returns the baseline configuration: L3 offset 14 (an Ethernet
// header precedes the network layer), info logging, text format, and the
// NAT/firewall defaults spec.md §6 prescribes.
func Default() *Config {
	return &Config{
		L3Offset:  14,
		LogLevel:  "info",
		LogFormat: "text",
		NAT: &NATConfig{
			PortRangeStart: 32768,
			PortRangeEnd:   65535,
			TCPSynTimeout:  6 * time.Second,
			TCPTimeout:     600 * time.Second,
			UDPTimeout:     300 * time.Second,
		},
		Firewall: &FirewallConfig{
			PinholeTimeout: 5 * time.Minute,
		},
		Proxy: &ProxyConfig{
			Address: "127.0.0.1",
			Port:    12000,
		},
	}
}

// Load reads and decodes the HCL configuration file at path, applying
// Default's values to the top-level l3_offset, log_level and log_format
// when zero and to a nat, firewall or proxy block the file omits. Fields
// left unset inside a block the file does give are not defaulted.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
		return nil, dperrors.Errorf(dperrors.KindValidation, "decode config file %s: %v", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.L3Offset == 0 {
		cfg.L3Offset = 14
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.NAT == nil {
		cfg.NAT = Default().NAT
	}
	if cfg.Firewall == nil {
		cfg.Firewall = Default().Firewall
	}
	if cfg.Proxy == nil {
		cfg.Proxy = Default().Proxy
	}
}
