package reconcile

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acrucker/keyserver/pkg/ibf"
	"github.com/acrucker/keyserver/pkg/kperrors"
	"github.com/acrucker/keyserver/pkg/kplog"
	"github.com/acrucker/keyserver/pkg/kpmetrics"
)

// sizeMultiplier is the safety factor applied to an estimated symmetric
// difference when choosing an IBF size (spec.md §4.8 step 3: "the
// smallest local IBF size >= 3*est").
const sizeMultiplier = 3

// Session drives one reconciliation attempt against a single peer,
// implementing the state machine from spec.md §4.8:
//
//	START -> PROBE_STRATA -> (converged -> DONE)
//	                       -> NEED_IBF -> FETCH_IBF -> DECODE_LOOP -> DONE/FAIL
//
// There is no literal state enum: the states above fall out of the
// control flow of Run, which is the idiomatic rendering the teacher
// prefers over an explicit FSM type for a process with no external
// observers of its intermediate states (contrast pkg/peers, whose poll
// loop IS observable and gets an explicit ticker-driven loop).
type Session struct {
	local   LocalSketches
	peer    PeerClient
	sink    KeySink
	metrics *kpmetrics.Metrics
	log     *zap.Logger
	host    string
}

// NewSession builds a reconciliation session against one peer, named
// host for logging and metrics labels.
func NewSession(local LocalSketches, peer PeerClient, sink KeySink, metrics *kpmetrics.Metrics, log *zap.Logger, host string) *Session {
	return &Session{local: local, peer: peer, sink: sink, metrics: metrics, log: log, host: host}
}

// Run executes one full reconciliation attempt and returns its outcome.
// A non-nil error means the session failed outright (no strata
// parameter set the peer will serve, an incompatible IBF, or a
// NotDecodable residual after exhausting the chosen IBF); fetch
// failures for individual keys are tolerated and counted in
// Result.FetchFailures rather than failing the whole session, since one
// missing key should never block convergence on the rest (spec.md §9:
// "a single bad input never blocks the syscall/batch").
func (s *Session) Run(ctx context.Context) (Result, error) {
	sessionID := uuid.New().String()
	if s.metrics != nil {
		s.metrics.ReconcileAttempts.WithLabelValues(s.host).Inc()
	}

	est, err := s.probeStrata(ctx)
	if err != nil {
		s.fail(sessionID, err)
		return Result{SessionID: sessionID}, err
	}
	if est == 0 {
		s.log.Debug("reconcile: converged", zap.String("peer", s.host), zap.String("session", sessionID))
		return Result{SessionID: sessionID, Converged: true}, nil
	}

	filter, err := s.fetchIBF(ctx, est)
	if err != nil {
		s.fail(sessionID, err)
		return Result{SessionID: sessionID}, err
	}

	result, err := s.decodeLoop(ctx, filter)
	result.SessionID = sessionID
	result.EstimatedDiff = est
	if err != nil {
		s.fail(sessionID, err)
		return result, err
	}
	return result, nil
}

func (s *Session) fail(sessionID string, err error) {
	if s.metrics != nil {
		s.metrics.ReconcileFailures.WithLabelValues(s.host, kperrors.KindOf(err).String()).Inc()
	}
	s.log.Warn("reconcile: failed", zap.String("peer", s.host), zap.String("session", sessionID), zap.Error(err))
}

// probeStrata walks local parameter sets in increasing sparsity order
// (spec.md §4.8 step 1), fetching the peer's matching estimator for
// each and calling EstimateDiff, stopping at the first parameter set
// that yields an estimate. It returns codes.FailedPrecondition
// (EstimatorExhausted) if every configured parameter set fails to
// produce a usable estimate. s.local.StrataAt returns a private
// snapshot cloned under the index lock (see indexSketches in
// pkg/kpserver), so reading it here after the lock is released is safe.
func (s *Session) probeStrata(ctx context.Context) (est uint64, err error) {
	for i := 0; ; i++ {
		local := s.local.StrataAt(i)
		if local == nil {
			break
		}
		remote, err := s.peer.FetchStrata(ctx, i)
		if err != nil {
			if kperrors.KindOf(err) == kperrors.KindNotAvailable {
				continue
			}
			return 0, err
		}
		estimate, ok, err := local.EstimateDiff(remote)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		return estimate, nil
	}
	return 0, status.Error(codes.FailedPrecondition, "reconcile: no strata parameter set produced a usable estimate")
}

// fetchIBF picks the smallest local IBF size at least sizeMultiplier*est
// (spec.md §4.8 step 3), fetches the peer's IBF of the same (k, N), and
// subtracts the local one (itself already a private snapshot cloned
// under the index lock, see indexSketches in pkg/kpserver) into a clone
// of the peer's, so neither the caller's live sketch nor the peer's
// returned filter is mutated by this read (spec.md §5: sketches are
// never mutated by a read).
func (s *Session) fetchIBF(ctx context.Context, est uint64) (*ibf.IBF, error) {
	want := int(est) * sizeMultiplier
	if want < 1 {
		want = 1
	}
	local := s.local.SmallestIBFAtLeast(want)
	if local == nil {
		return nil, status.Errorf(codes.ResourceExhausted, "reconcile: no local IBF large enough for estimate %d", est)
	}

	remote, err := s.peer.FetchIBF(ctx, local.K(), local.N())
	if err != nil {
		return nil, err
	}

	working := remote.Clone()
	if err := working.Subtract(local); err != nil {
		return nil, err
	}
	return working, nil
}

// decodeLoop repeatedly decodes the subtracted filter, fetching every
// key present on the peer but absent locally (sign == +1, since the
// filter is peer-minus-local: see pkg/ibf's sign convention doc) and
// ignoring entries absent on the peer (sign == -1, which this server
// cannot act on as a pure client -- it has nothing to push). Individual
// fetch failures are tolerated; an overall NotDecodable residual is not.
func (s *Session) decodeLoop(ctx context.Context, filter *ibf.IBF) (Result, error) {
	var result Result
	iterations := 0
	for {
		d, sign, ok := filter.Decode()
		if !ok {
			break
		}
		iterations++
		if sign != 1 {
			continue
		}
		if s.sink.Has(d) {
			continue
		}
		raw, err := s.peer.FetchKey(ctx, d)
		if err != nil {
			result.FetchFailures++
			s.log.Debug("reconcile: fetch failed", zap.String("peer", s.host), kplog.Digest("digest", d), zap.Error(err))
			continue
		}
		if err := s.sink.Ingest(ctx, raw); err != nil {
			result.FetchFailures++
			continue
		}
		result.KeysFetched++
	}
	if s.metrics != nil {
		s.metrics.DecodeIterations.Observe(float64(iterations))
		if result.KeysFetched > 0 {
			s.metrics.ReconcileKeysFetched.WithLabelValues(s.host).Add(float64(result.KeysFetched))
		}
	}
	if filter.Count() != 0 {
		return result, status.Error(codes.DataLoss, "reconcile: residual nonzero after decode exhaustion")
	}
	return result, nil
}
