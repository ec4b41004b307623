package keystore_test

import (
	"context"
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acrucker/keyserver/pkg/digest"
	"github.com/acrucker/keyserver/pkg/keystore"
)

func sha1Digest(s string) digest.Digest {
	return digest.Digest(sha1.Sum([]byte(s)))
}

func TestLocalStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := keystore.NewLocalStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	d := sha1Digest("one")
	require.NoError(t, s.Put(ctx, d, []byte("payload one")))

	got, err := s.Get(ctx, d)
	require.NoError(t, err)
	require.Equal(t, []byte("payload one"), got)
}

func TestLocalStoreGetMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := keystore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(ctx, sha1Digest("absent"))
	require.Error(t, err)
}

func TestLocalStorePutIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s, err := keystore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	d := sha1Digest("dup")
	require.NoError(t, s.Put(ctx, d, []byte("first")))
	require.NoError(t, s.Put(ctx, d, []byte("second")))

	got, err := s.Get(ctx, d)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
}

func TestLocalStoreWalkVisitsEveryBlob(t *testing.T) {
	ctx := context.Background()
	s, err := keystore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	want := map[string]bool{"alpha": true, "beta": true, "gamma": true}
	for name := range want {
		require.NoError(t, s.Put(ctx, sha1Digest(name), []byte(name)))
	}

	got := make(map[string]bool)
	require.NoError(t, s.Walk(ctx, func(raw []byte) error {
		got[string(raw)] = true
		return nil
	}))
	require.Equal(t, want, got)
}

func TestMemStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := keystore.NewMemStore()

	d := sha1Digest("mem")
	require.NoError(t, s.Put(ctx, d, []byte("in memory")))

	got, err := s.Get(ctx, d)
	require.NoError(t, err)
	require.Equal(t, []byte("in memory"), got)

	_, err = s.Get(ctx, sha1Digest("other"))
	require.Error(t, err)
}

func TestMemStorePutIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s := keystore.NewMemStore()

	d := sha1Digest("dup")
	require.NoError(t, s.Put(ctx, d, []byte("first")))
	require.NoError(t, s.Put(ctx, d, []byte("second")))

	got, err := s.Get(ctx, d)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
}
