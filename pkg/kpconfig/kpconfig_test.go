package kpconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acrucker/keyserver/pkg/idhash"
	"github.com/acrucker/keyserver/pkg/kpconfig"
)

func TestDefaultIsSelfConsistent(t *testing.T) {
	cfg := kpconfig.Default()
	variant, err := cfg.ParsedHasherVariant()
	require.NoError(t, err)
	require.Equal(t, idhash.BigEndian, variant)
	require.NotEmpty(t, cfg.StrataFamily)
}

func TestParsedHasherVariant(t *testing.T) {
	cfg := kpconfig.Default()

	cfg.HasherVariant = "legacy-reversed"
	v, err := cfg.ParsedHasherVariant()
	require.NoError(t, err)
	require.Equal(t, idhash.LegacyReversed, v)

	cfg.HasherVariant = "nonsense"
	_, err = cfg.ParsedHasherVariant()
	require.Error(t, err)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listenAddress": ":9999", "alarmIntervalSeconds": 42}`), 0o644))

	cfg, err := kpconfig.Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.ListenAddress)
	require.Equal(t, 42, cfg.AlarmIntervalSeconds)
	// Untouched fields keep their Default() value.
	require.Equal(t, kpconfig.Default().StoreKind, cfg.StoreKind)
	require.Equal(t, kpconfig.Default().StrataFamily, cfg.StrataFamily)
}

func TestLoadRejectsMalformedJsonnet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonnet")
	require.NoError(t, os.WriteFile(path, []byte("{ not valid jsonnet :::"), 0o644))

	_, err := kpconfig.Load(path)
	require.Error(t, err)
}
