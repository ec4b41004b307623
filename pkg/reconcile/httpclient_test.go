package reconcile_test

import (
	"context"
	"crypto/sha1"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acrucker/keyserver/pkg/digest"
	"github.com/acrucker/keyserver/pkg/idhash"
	"github.com/acrucker/keyserver/pkg/keystore"
	"github.com/acrucker/keyserver/pkg/kpserver"
	"github.com/acrucker/keyserver/pkg/pgpkey"
	"github.com/acrucker/keyserver/pkg/reconcile"
)

func oldFormatPacketH(tag int, body []byte) []byte {
	b0 := byte(0x80 | (tag << 2))
	return append([]byte{b0, byte(len(body))}, body...)
}

func buildKeyBytesH(seed byte, userID string) []byte {
	tail := make([]byte, 16)
	for i := range tail {
		tail[i] = seed + byte(i)
	}
	body := append([]byte{4}, tail...)
	raw := oldFormatPacketH(6, body)
	raw = append(raw, oldFormatPacketH(13, []byte(userID))...)
	return raw
}

func newTestPeerServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := idhash.New(idhash.BigEndian)
	sk, err := keystore.NewSketches(h,
		keystore.IBFFamilyConfig{K: 3, Base: 16, Levels: 2},
		[]keystore.StrataConfig{{K: 3, N: 16, C: 4}},
	)
	require.NoError(t, err)
	idx := keystore.NewIndex(sk)
	store := keystore.NewMemStore()

	raw := buildKeyBytesH(9, "peer-key@example.com")
	key, err := pgpkey.Parse(raw)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), key.Digest(), raw))
	idx.Add(key)

	srv := kpserver.NewServer(idx, store, h, t.TempDir(), "0", nil, zap.NewNop())
	return httptest.NewServer(srv.Router())
}

func TestHTTPPeerClientFetchStrataAndIBF(t *testing.T) {
	ts := newTestPeerServer(t)
	defer ts.Close()

	client := reconcile.NewHTTPPeerClient(ts.URL, idhash.New(idhash.BigEndian))

	strata, err := client.FetchStrata(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, strata)

	_, err = client.FetchStrata(context.Background(), 99)
	require.Error(t, err)

	filter, err := client.FetchIBF(context.Background(), 3, 16)
	require.NoError(t, err)
	require.NotNil(t, filter)

	_, err = client.FetchIBF(context.Background(), 3, 99999)
	require.Error(t, err)
}

func TestHTTPPeerClientFetchKey(t *testing.T) {
	ts := newTestPeerServer(t)
	defer ts.Close()

	raw := buildKeyBytesH(9, "peer-key@example.com")
	d := digest.Digest(sha1.Sum(raw))

	client := reconcile.NewHTTPPeerClient(ts.URL, idhash.New(idhash.BigEndian))
	got, err := client.FetchKey(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, raw, got)

	_, err = client.FetchKey(context.Background(), digest.Digest(sha1.Sum([]byte("nope"))))
	require.Error(t, err)
}
