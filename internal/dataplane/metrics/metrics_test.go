// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsPopulatesAllStages(t *testing.T) {
	m := NewMetrics()
	require.NotNil(t, m.Processors.NAT)
	assert.Len(t, m.allStages(), 7)
}

func TestMetricsImplementPrometheusCollector(t *testing.T) {
	m := NewMetrics()
	var _ prometheus.Collector = m

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(m))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
