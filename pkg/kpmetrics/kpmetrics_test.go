package kpmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/acrucker/keyserver/pkg/kpmetrics"
)

func TestNewRegistersWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := kpmetrics.New(reg)
	require.NotNil(t, m)

	m.KeysTotal.Set(3)
	m.ReconcileAttempts.WithLabelValues("peer-a").Inc()
	m.ReconcileFailures.WithLabelValues("peer-a", "not_decodable").Inc()
	m.ReconcileKeysFetched.WithLabelValues("peer-a").Add(5)
	m.DecodeIterations.Observe(12)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	kpmetrics.New(reg)
	require.Panics(t, func() { kpmetrics.New(reg) })
}
