// Package kpconfig loads the keyserver's configuration. Following the
// teacher's own convention of evaluating a Jsonnet document into JSON
// and then unmarshaling that JSON into a typed configuration struct,
// this package uses github.com/google/go-jsonnet directly rather than
// bb-storage's generated-protobuf-message target (this module has no
// code-generation step to produce one -- see DESIGN.md). Plain JSON
// configuration files work too, since JSON is valid Jsonnet.
package kpconfig

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-jsonnet"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acrucker/keyserver/pkg/idhash"
)

// StrataParams is one (k, N, c) parameter set the server maintains a
// strata estimator for, read in increasing sparsity order (matching
// the order the reconciliation client walks them in, spec.md §4.8
// step 1).
type StrataParams struct {
	K int `json:"k"`
	N int `json:"n"`
	C int `json:"c"`
}

// Config is the keyserver's full runtime configuration.
type Config struct {
	// ListenAddress is the HTTP listen address, e.g. ":8080".
	ListenAddress string `json:"listenAddress"`
	// StaticRoot is the directory static files are served from.
	StaticRoot string `json:"staticRoot"`
	// StoreKind selects the BlobStore backend: "local" or "s3".
	StoreKind string `json:"storeKind"`
	// StoreLocalDir is the root directory for the "local" backend.
	StoreLocalDir string `json:"storeLocalDir"`
	// StoreS3Bucket/StoreS3Prefix configure the "s3" backend.
	StoreS3Bucket string `json:"storeS3Bucket"`
	StoreS3Prefix string `json:"storeS3Prefix"`

	// HasherVariant selects idhash.Variant: "big-endian" or
	// "legacy-reversed" (spec.md §9 open question on byte order).
	HasherVariant string `json:"hasherVariant"`

	// IBFFamilyK/Base/Levels describe the geometric IBF size family
	// the server exposes (spec.md §4.8/§9).
	IBFFamilyK      int `json:"ibfFamilyK"`
	IBFFamilyBase   int `json:"ibfFamilyBase"`
	IBFFamilyLevels int `json:"ibfFamilyLevels"`

	// StrataFamily is the ordered list of strata parameter sets.
	StrataFamily []StrataParams `json:"strataFamily"`

	// HostsFile is the peer hosts-file path (spec.md §6).
	HostsFile string `json:"hostsFile"`
	// AlarmIntervalSeconds is the peer poll loop's tick interval.
	AlarmIntervalSeconds int `json:"alarmIntervalSeconds"`

	// IngestExcludePercent randomly skips this fraction of keys
	// during bulk ingest (SPEC_FULL.md §4, from the original's -e
	// flag), useful for manufacturing an out-of-sync test corpus.
	IngestExcludePercent float64 `json:"ingestExcludePercent"`
}

// Default returns a Config with the values main.c's original flag
// defaults used, translated to this module's field names.
func Default() Config {
	return Config{
		ListenAddress:        ":8080",
		StaticRoot:           "static",
		StoreKind:            "local",
		StoreLocalDir:        "blobs",
		HasherVariant:        "big-endian",
		IBFFamilyK:           3,
		IBFFamilyBase:        10,
		IBFFamilyLevels:      16,
		StrataFamily:         []StrataParams{{K: 3, N: 80, C: 32}},
		HostsFile:            "hosts.txt",
		AlarmIntervalSeconds: 15,
	}
}

// Load evaluates the Jsonnet (or JSON) document at path and unmarshals
// the result into a Config seeded with Default() values, so a config
// file only needs to mention the fields it overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	vm := jsonnet.MakeVM()
	out, err := vm.EvaluateFile(path)
	if err != nil {
		return cfg, status.Errorf(codes.InvalidArgument, "kpconfig: evaluate %s: %s", path, err)
	}
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		return cfg, status.Errorf(codes.InvalidArgument, "kpconfig: decode %s: %s", path, err)
	}
	return cfg, nil
}

// ParsedHasherVariant parses Config.HasherVariant into an idhash.Variant.
func (c Config) ParsedHasherVariant() (idhash.Variant, error) {
	switch c.HasherVariant {
	case "", "big-endian":
		return idhash.BigEndian, nil
	case "legacy-reversed":
		return idhash.LegacyReversed, nil
	default:
		return 0, fmt.Errorf("kpconfig: unknown hasherVariant %q", c.HasherVariant)
	}
}
