// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPopulatesBaseline(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 14, cfg.L3Offset)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.EqualValues(t, 32768, cfg.NAT.PortRangeStart)
	assert.Equal(t, 5*time.Minute, cfg.Firewall.PinholeTimeout)
}

const sampleHCL = `
l3_offset = 14
log_level = "debug"

interface "eth0" {
  role = "wan"
  wan_address = "203.0.113.5"
}

interface "eth1" {
  role = "lan"
}

lan_route "192.168.1.0/24" {
  ifindex = 3
}

flow_target "9" {
  ifindex = 12
  is_container_netns = true
}

pppoe {
  session_id = 4660
  link_mtu = 1492
}
`

func TestLoadDecodesHCLFileAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "landscape.hcl")
	require.NoError(t, os.WriteFile(path, []byte(sampleHCL), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Interfaces, 2)
	assert.Equal(t, "wan", cfg.Interfaces[0].Role)
	assert.Equal(t, "203.0.113.5", cfg.Interfaces[0].WANAddress)

	require.Len(t, cfg.LANRoutes, 1)
	assert.Equal(t, "192.168.1.0/24", cfg.LANRoutes[0].Prefix)
	assert.Equal(t, 3, cfg.LANRoutes[0].Ifindex)

	require.Len(t, cfg.FlowTarget, 1)
	assert.True(t, cfg.FlowTarget[0].IsContainerNetns)

	require.NotNil(t, cfg.PPPoE)
	assert.EqualValues(t, 4660, cfg.PPPoE.SessionID)

	// untouched by the file, so Load's defaulting must have filled it in.
	assert.NotNil(t, cfg.Proxy)
	assert.Equal(t, 12000, cfg.Proxy.Port)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.hcl")
	require.NoError(t, os.WriteFile(path, []byte("not { valid hcl"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
