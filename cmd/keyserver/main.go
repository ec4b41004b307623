// Command keyserver runs the synchronizing keyserver: it opens (or
// creates) its blob store, optionally bulk-ingests dump files, then
// serves the HKP/sketch HTTP surface while polling configured peers on
// a schedule. This is the Go rendering of the original's main.c, with
// urfave/cli/v2 standing in for its getopt loop.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/acrucker/keyserver/pkg/idhash"
	"github.com/acrucker/keyserver/pkg/keystore"
	"github.com/acrucker/keyserver/pkg/keystore/s3store"
	"github.com/acrucker/keyserver/pkg/kpconfig"
	"github.com/acrucker/keyserver/pkg/kplog"
	"github.com/acrucker/keyserver/pkg/kpmetrics"
	"github.com/acrucker/keyserver/pkg/kpserver"
	"github.com/acrucker/keyserver/pkg/peers"
	"github.com/acrucker/keyserver/pkg/pgpkey"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	app := &cli.App{
		Name:  "keyserver",
		Usage: "a synchronizing OpenPGP public-key server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"j"}, Usage: "jsonnet/json configuration file"},
			&cli.IntFlag{Name: "alarm", Aliases: []string{"a"}, Usage: "peer poll interval in seconds"},
			&cli.BoolFlag{Name: "create", Aliases: []string{"c"}, Usage: "create the local store directory if absent"},
			&cli.StringFlag{Name: "db", Aliases: []string{"d"}, Usage: "local store directory"},
			&cli.Float64Flag{Name: "exclude", Aliases: []string{"e"}, Usage: "fraction of ingested keys to randomly skip"},
			&cli.StringFlag{Name: "hosts", Aliases: []string{"h"}, Usage: "peer hosts file"},
			&cli.BoolFlag{Name: "ingest", Aliases: []string{"i"}, Usage: "ingest the dump files given as arguments before serving"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "HTTP listen port"},
			&cli.StringFlag{Name: "root", Aliases: []string{"r"}, Usage: "static file root directory"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := kpconfig.Default()
	if path := c.String("config"); path != "" {
		loaded, err := kpconfig.Load(path)
		if err != nil {
			return fmt.Errorf("keyserver: load config: %w", err)
		}
		cfg = loaded
	}
	applyFlagOverrides(c, &cfg)

	log, err := kplog.New(c.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("keyserver: build logger: %w", err)
	}
	defer log.Sync()

	hasherVariant, err := cfg.ParsedHasherVariant()
	if err != nil {
		return fmt.Errorf("keyserver: %w", err)
	}
	hasher := idhash.New(hasherVariant)

	store, err := openStore(cfg, c.Bool("create"))
	if err != nil {
		return fmt.Errorf("keyserver: open store: %w", err)
	}

	sketches, err := keystore.NewSketches(hasher, keystore.IBFFamilyConfig{
		K: cfg.IBFFamilyK, Base: cfg.IBFFamilyBase, Levels: cfg.IBFFamilyLevels,
	}, strataConfigs(cfg))
	if err != nil {
		return fmt.Errorf("keyserver: build sketches: %w", err)
	}
	idx := keystore.NewIndex(sketches)

	if localStore, ok := store.(*keystore.LocalStore); ok {
		if err := keystore.Rebuild(c.Context, idx, localStore.Walk); err != nil {
			return fmt.Errorf("keyserver: rebuild index: %w", err)
		}
		log.Info("keyserver: index rebuilt from store", zap.Int("keys", idx.Len()))
	}

	if c.Bool("ingest") {
		for _, path := range c.Args().Slice() {
			n, err := ingestDump(c.Context, store, idx, path, cfg.IngestExcludePercent)
			if err != nil {
				return fmt.Errorf("keyserver: ingest %s: %w", path, err)
			}
			log.Info("keyserver: ingested dump", zap.String("path", path), zap.Int("keys", n))
		}
	}

	hostsFile, err := os.Open(cfg.HostsFile)
	if err != nil {
		return fmt.Errorf("keyserver: open hosts file %s: %w", cfg.HostsFile, err)
	}
	peerList, err := peers.ParseHosts(hostsFile)
	hostsFile.Close()
	if err != nil {
		return fmt.Errorf("keyserver: parse hosts file: %w", err)
	}

	metrics := kpmetrics.New(prometheus.DefaultRegisterer)

	port := fmt.Sprintf("%d", portFromListenAddress(cfg.ListenAddress))
	server := kpserver.NewServer(idx, store, hasher, cfg.StaticRoot, port, nil, log)
	reconciler := &kpserver.Reconciler{Server: server, Metrics: metrics}
	loop := peers.NewLoop(peerList, time.Duration(cfg.AlarmIntervalSeconds)*time.Second, reconciler, log)
	server.Peers = loop

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go loop.Run(ctx)

	log.Info("keyserver: starting", zap.String("listen", cfg.ListenAddress))
	if err := server.ListenAndServe(ctx, cfg.ListenAddress); err != nil {
		return fmt.Errorf("keyserver: serve: %w", err)
	}
	return nil
}

func applyFlagOverrides(c *cli.Context, cfg *kpconfig.Config) {
	if c.IsSet("alarm") {
		cfg.AlarmIntervalSeconds = c.Int("alarm")
	}
	if c.IsSet("db") {
		cfg.StoreLocalDir = c.String("db")
	}
	if c.IsSet("exclude") {
		cfg.IngestExcludePercent = c.Float64("exclude")
	}
	if c.IsSet("hosts") {
		cfg.HostsFile = c.String("hosts")
	}
	if c.IsSet("port") {
		cfg.ListenAddress = fmt.Sprintf(":%d", c.Int("port"))
	}
	if c.IsSet("root") {
		cfg.StaticRoot = c.String("root")
	}
}

func strataConfigs(cfg kpconfig.Config) []keystore.StrataConfig {
	out := make([]keystore.StrataConfig, len(cfg.StrataFamily))
	for i, sp := range cfg.StrataFamily {
		out[i] = keystore.StrataConfig{K: sp.K, N: sp.N, C: sp.C}
	}
	return out
}

// openStore opens the configured BlobStore backend. For the local
// backend, create mirrors the original's -c flag: without it, a
// missing store directory is a fatal startup error rather than being
// silently created (spec.md §7: "Process-fatal errors are limited to
// startup failures (cannot open store, ...)").
func openStore(cfg kpconfig.Config, create bool) (keystore.BlobStore, error) {
	switch cfg.StoreKind {
	case "", "local":
		if !create {
			if _, err := os.Stat(cfg.StoreLocalDir); err != nil {
				return nil, fmt.Errorf("store directory %s does not exist (pass -create to create it): %w", cfg.StoreLocalDir, err)
			}
		}
		return keystore.NewLocalStore(cfg.StoreLocalDir)
	case "s3":
		sess, err := session.NewSession(&aws.Config{})
		if err != nil {
			return nil, err
		}
		return s3store.New(sess, cfg.StoreS3Bucket, cfg.StoreS3Prefix), nil
	default:
		return nil, fmt.Errorf("unknown storeKind %q", cfg.StoreKind)
	}
}

// ingestDump bulk-loads every key block in the dump file at path,
// randomly skipping a fraction of keys per excludePercent -- the
// original's ingest_file / -e flag (SPEC_FULL.md §4).
func ingestDump(ctx context.Context, store keystore.BlobStore, idx *keystore.Index, path string, excludePercent float64) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	blocks, err := pgpkey.SplitDump(data)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, raw := range blocks {
		if excludePercent > 0 && rand.Float64() < excludePercent {
			continue
		}
		key, err := pgpkey.Parse(raw)
		if err != nil {
			continue
		}
		if err := store.Put(ctx, key.Digest(), raw); err != nil {
			continue
		}
		idx.Add(key)
		n++
	}
	return n, nil
}

func portFromListenAddress(addr string) int {
	var port int
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			fmt.Sscanf(addr[i+1:], "%d", &port)
			break
		}
	}
	return port
}
