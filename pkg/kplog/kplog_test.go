package kplog_test

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/acrucker/keyserver/pkg/digest"
	"github.com/acrucker/keyserver/pkg/kplog"
)

func TestNewProductionLogger(t *testing.T) {
	logger, err := kplog.New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewDevelopmentLogger(t *testing.T) {
	logger, err := kplog.New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestDigestField(t *testing.T) {
	d := digest.Digest(sha1.Sum([]byte("hello")))
	f := kplog.Digest("digest", d)
	require.Equal(t, "digest", f.Key)
	require.Equal(t, zapcore.StringType, f.Type)
	require.Equal(t, d.String(), f.String)
}

func TestPeerField(t *testing.T) {
	f := kplog.Peer("keys.example.com")
	require.Equal(t, "peer", f.Key)
	require.Equal(t, "keys.example.com", f.String)
}
