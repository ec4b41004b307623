package kpserver

import (
	"context"
	"fmt"

	"github.com/acrucker/keyserver/pkg/digest"
	"github.com/acrucker/keyserver/pkg/ibf"
	"github.com/acrucker/keyserver/pkg/keystore"
	"github.com/acrucker/keyserver/pkg/kpmetrics"
	"github.com/acrucker/keyserver/pkg/reconcile"
	"github.com/acrucker/keyserver/pkg/strata"
)

// indexSketches adapts keystore.Index to reconcile.LocalSketches,
// taking the read lock for each lookup via Index.WithSketches and
// cloning the matched strata/IBF before releasing it, so the session
// only ever operates on a private snapshot, never the live sketch a
// concurrent POST /pks/add is mutating under the write lock (spec.md
// §5: "the download-sketch ... steps of reconciliation use a copy or
// snapshot under the lock, then release").
type indexSketches struct {
	idx *keystore.Index
}

func (s indexSketches) StrataAt(i int) *strata.Strata {
	var out *strata.Strata
	s.idx.WithSketches(func(sk *keystore.Sketches) {
		if st := sk.StrataAt(i); st != nil {
			out = st.Clone()
		}
	})
	return out
}

func (s indexSketches) SmallestIBFAtLeast(want int) *ibf.IBF {
	var out *ibf.IBF
	s.idx.WithSketches(func(sk *keystore.Sketches) {
		if f := sk.SmallestIBFAtLeast(want); f != nil {
			out = f.Clone()
		}
	})
	return out
}

func (s indexSketches) IBFMatching(k, n int) *ibf.IBF {
	var out *ibf.IBF
	s.idx.WithSketches(func(sk *keystore.Sketches) {
		if f := sk.IBFMatching(k, n); f != nil {
			out = f.Clone()
		}
	})
	return out
}

// keySink adapts Server to reconcile.KeySink: Has checks the index;
// Ingest parses, stores, and indexes a fetched key blob, the same path
// POST /pks/add uses.
type keySink struct {
	s *Server
}

func (k keySink) Has(d digest.Digest) bool {
	return k.s.Index.Has(d)
}

func (k keySink) Ingest(ctx context.Context, raw []byte) error {
	_, err := k.s.ingest(ctx, raw)
	return err
}

// Reconciler adapts Server into a peers.Reconciler, running one
// reconcile.Session per call against an HTTP peer client built fresh
// each time (hosts are static for the process lifetime, but a fresh
// client avoids holding idle connections between poll ticks).
type Reconciler struct {
	Server  *Server
	Metrics *kpmetrics.Metrics
}

// Reconcile implements peers.Reconciler.
func (rc *Reconciler) Reconcile(ctx context.Context, host string) (string, error) {
	peerClient := reconcile.NewHTTPPeerClient(host, rc.Server.Hasher)
	session := reconcile.NewSession(indexSketches{rc.Server.Index}, peerClient, keySink{rc.Server}, rc.Metrics, rc.Server.Log, host)

	result, err := session.Run(ctx)
	if err != nil {
		return "", err
	}
	if result.Converged {
		return "converged", nil
	}
	return fmt.Sprintf("ok: fetched=%d failures=%d est=%d", result.KeysFetched, result.FetchFailures, result.EstimatedDiff), nil
}
