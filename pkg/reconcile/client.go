// Package reconcile implements the peer-to-peer set-reconciliation
// protocol from spec.md §4.8: estimate the size of the symmetric
// difference via strata estimators, fetch an appropriately-sized IBF,
// subtract and decode it, and fetch the resulting missing keys.
package reconcile

import (
	"context"

	"github.com/acrucker/keyserver/pkg/digest"
	"github.com/acrucker/keyserver/pkg/ibf"
	"github.com/acrucker/keyserver/pkg/strata"
)

// PeerClient is the narrow capability a reconciliation session needs
// against one remote peer: fetch a strata estimator by parameter-set
// index, fetch an IBF by (k, N), and fetch a key blob by digest. The
// HTTP framework and transport details (spec.md §1: "out of scope,
// external collaborators only") live behind this interface; see
// HTTPPeerClient for the concrete net/http implementation.
type PeerClient interface {
	// FetchStrata returns the peer's i-th configured strata
	// estimator. codes.Unimplemented (NotAvailable) if the peer has
	// no i-th parameter set.
	FetchStrata(ctx context.Context, i int) (*strata.Strata, error)
	// FetchIBF returns the peer's IBF matching (k, N).
	// codes.Unimplemented (NotAvailable) if the peer has no such
	// filter.
	FetchIBF(ctx context.Context, k, n int) (*ibf.IBF, error)
	// FetchKey returns the raw OpenPGP key blob for d.
	// codes.NotFound if the peer doesn't have it.
	FetchKey(ctx context.Context, d digest.Digest) ([]byte, error)
}

// LocalSketches is the narrow capability a reconciliation session
// needs against the local server: strata/IBF lookup by parameter set
// for comparison against the peer's, and inserting newly-fetched keys.
type LocalSketches interface {
	StrataAt(i int) *strata.Strata
	SmallestIBFAtLeast(want int) *ibf.IBF
	IBFMatching(k, n int) *ibf.IBF
}

// KeySink accepts keys fetched from a peer, storing and indexing them.
// Implemented by a small adapter over keystore.Index plus its
// BlobStore in the wiring layer (see pkg/kpserver for the glue).
type KeySink interface {
	Has(d digest.Digest) bool
	Ingest(ctx context.Context, raw []byte) error
}

// Result summarizes one reconciliation session, for logging, the
// /status page, and metrics. SessionID distinguishes sessions against
// different peers in the session's log lines, since nothing else about
// a Result is unique across peers polled in the same tick; it is not
// part of the Peer.LastStatus summary.
type Result struct {
	SessionID     string
	EstimatedDiff uint64
	KeysFetched   int
	FetchFailures int
	Converged     bool
}
