// Package peers parses the keyserver's hosts file and runs the peer
// poll loop described in spec.md §4.9: every alarm tick, each
// configured peer's countdown is decremented, and any peer whose
// countdown reaches zero runs one reconciliation session and has its
// countdown reset to its configured interval. At most one
// reconciliation runs at a time per process (spec.md §4.9: "Serialized").
package peers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Peer is one entry from the hosts file: {host, interval_seconds,
// countdown_seconds, last_status}, lifecycle = process lifetime
// (spec.md §3). The static set is loaded once at startup.
type Peer struct {
	Host             string
	IntervalSeconds  int
	countdownSeconds int
	lastStatus       atomic.Pointer[string]
}

// LastStatus reports the outcome of the peer's most recent
// reconciliation attempt ("ok", "converged", or an error string), or
// "" if it has never been attempted. Read by the /status handler from
// a request goroutine, concurrently with Loop.tick writing it from the
// poll loop goroutine, hence the atomic.Pointer rather than a plain
// string field.
func (p *Peer) LastStatus() string {
	if s := p.lastStatus.Load(); s != nil {
		return *s
	}
	return ""
}

// ParseHosts reads the line-oriented hosts file format from spec.md
// §6: "<interval_seconds> <host_url>"; blank and interval-zero lines
// are skipped.
func ParseHosts(r io.Reader) ([]*Peer, error) {
	var peers []*Peer
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, status.Errorf(codes.InvalidArgument, "peers: hosts file line %d: expected \"<interval> <host>\", got %q", lineNo, line)
		}
		interval, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "peers: hosts file line %d: malformed interval %q: %s", lineNo, fields[0], err)
		}
		if interval == 0 {
			continue
		}
		peers = append(peers, &Peer{
			Host:             fields[1],
			IntervalSeconds:  interval,
			countdownSeconds: interval,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, status.Errorf(codes.Unavailable, "peers: read hosts file: %s", err)
	}
	return peers, nil
}

// Reconciler runs one reconciliation attempt against host, returning a
// short human-readable status for Peer.LastStatus. Implemented in
// pkg/kpserver's wiring layer with a reconcile.Session per call (the
// session itself is stateless across ticks: nothing but the peer's
// countdown persists between attempts, matching the original's
// fire-and-forget per-alarm reconciliation).
type Reconciler interface {
	Reconcile(ctx context.Context, host string) (summary string, err error)
}

// Loop runs the peer poll loop described in spec.md §4.9 until ctx is
// canceled. It ticks every alarmInterval, and for peers whose countdown
// has reached zero, runs exactly one reconciliation at a time (never
// concurrently, even across different peers) before moving to the
// next.
type Loop struct {
	peers         []*Peer
	alarmInterval time.Duration
	reconciler    Reconciler
	log           *zap.Logger

	mu sync.Mutex
}

// NewLoop builds a poll loop over peers, ticking every alarmInterval.
func NewLoop(peers []*Peer, alarmInterval time.Duration, reconciler Reconciler, log *zap.Logger) *Loop {
	return &Loop{peers: peers, alarmInterval: alarmInterval, reconciler: reconciler, log: log}
}

// Peers returns the loop's static peer set, for the /status handler.
func (l *Loop) Peers() []*Peer {
	return l.peers
}

// Run blocks, ticking the loop until ctx is canceled. Shutdown is
// cooperative: cancellation is observed between peers within a tick,
// never in the middle of a single peer's reconciliation session
// (spec.md §4.2: "reconciliation is not preemptible mid-session;
// shutdown is observed at session boundaries and between peers").
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.alarmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	step := int(l.alarmInterval / time.Second)
	if step <= 0 {
		step = 1
	}

	for _, p := range l.peers {
		if ctx.Err() != nil {
			return
		}
		p.countdownSeconds -= step
		if p.countdownSeconds > 0 {
			continue
		}
		p.countdownSeconds = p.IntervalSeconds

		summary, err := l.reconciler.Reconcile(ctx, p.Host)
		if err != nil {
			msg := fmt.Sprintf("error: %s", err)
			p.lastStatus.Store(&msg)
			l.log.Warn("peers: reconciliation failed", zap.String("peer", p.Host), zap.Error(err))
			continue
		}
		p.lastStatus.Store(&summary)
		l.log.Info("peers: reconciliation done", zap.String("peer", p.Host), zap.String("summary", summary))
	}
}
