// Package kplog provides the keyserver's structured logging
// constructor and field helpers, wrapping go.uber.org/zap the way
// grailbio-base's common/log package does, but without that package's
// global logger: every component here takes an explicit *zap.Logger
// rather than reaching for a package-level instance.
package kplog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/acrucker/keyserver/pkg/digest"
)

// New returns a production-shaped logger (JSON encoding, info level)
// when development is false, or a human-readable console logger at
// debug level when development is true.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// Digest renders a digest.Digest as a zap field.
func Digest(key string, d digest.Digest) zap.Field {
	return zap.String(key, d.String())
}

// Peer renders a peer host as a zap field.
func Peer(host string) zap.Field {
	return zap.String("peer", host)
}
