package peers_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acrucker/keyserver/pkg/peers"
)

func TestParseHosts(t *testing.T) {
	const hostsFile = `
30 https://a.example.com
60 https://b.example.com

0 https://disabled.example.com
`
	got, err := peers.ParseHosts(strings.NewReader(hostsFile))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "https://a.example.com", got[0].Host)
	require.Equal(t, 30, got[0].IntervalSeconds)
	require.Equal(t, "https://b.example.com", got[1].Host)
	require.Equal(t, 60, got[1].IntervalSeconds)
}

func TestParseHostsRejectsMalformedLine(t *testing.T) {
	_, err := peers.ParseHosts(strings.NewReader("not-a-valid-line\n"))
	require.Error(t, err)
}

func TestParseHostsRejectsNonNumericInterval(t *testing.T) {
	_, err := peers.ParseHosts(strings.NewReader("soon https://a.example.com\n"))
	require.Error(t, err)
}

// fakeReconciler records every host it was asked to reconcile and lets
// the test block until at least one call arrives.
type fakeReconciler struct {
	mu      sync.Mutex
	calls   []string
	summary string
	err     error
	seen    chan struct{}
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{seen: make(chan struct{}, 16)}
}

func (r *fakeReconciler) Reconcile(_ context.Context, host string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, host)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return r.summary, r.err
}

func (r *fakeReconciler) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestLoopReconcilesExpiredPeer(t *testing.T) {
	ps, err := peers.ParseHosts(strings.NewReader("1 https://only.example.com\n"))
	require.NoError(t, err)

	recon := newFakeReconciler()
	recon.summary = "ok"
	loop := peers.NewLoop(ps, 10*time.Millisecond, recon, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-recon.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconciliation")
	}
	cancel()
	<-done

	require.Equal(t, "ok", ps[0].LastStatus())
	require.GreaterOrEqual(t, recon.callCount(), 1)
}

func TestLoopRecordsReconcileErrorAsStatus(t *testing.T) {
	ps, err := peers.ParseHosts(strings.NewReader("1 https://flaky.example.com\n"))
	require.NoError(t, err)

	recon := newFakeReconciler()
	recon.err = context.DeadlineExceeded
	loop := peers.NewLoop(ps, 10*time.Millisecond, recon, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-recon.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconciliation")
	}
	cancel()
	<-done

	require.Contains(t, ps[0].LastStatus(), "error")
}

func TestLoopPeersReturnsStaticSet(t *testing.T) {
	ps, err := peers.ParseHosts(strings.NewReader("5 https://a.example.com\n10 https://b.example.com\n"))
	require.NoError(t, err)
	loop := peers.NewLoop(ps, time.Second, newFakeReconciler(), zap.NewNop())
	require.Equal(t, ps, loop.Peers())
}
