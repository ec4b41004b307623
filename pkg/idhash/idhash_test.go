package idhash_test

import (
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acrucker/keyserver/pkg/idhash"
)

func TestHashDeterministic(t *testing.T) {
	h := idhash.New(idhash.BigEndian)
	var d [20]byte
	copy(d[:], []byte("abcdefghijklmnopqrst"))

	require.Equal(t, h.Hash(1, d), h.Hash(1, d))
	require.NotEqual(t, h.Hash(1, d), h.Hash(2, d))
}

func TestHashBigEndianMatchesReference(t *testing.T) {
	h := idhash.New(idhash.BigEndian)
	var d [20]byte
	copy(d[:], []byte("abcdefghijklmnopqrst"))

	var buf [28]byte
	copy(buf[:20], d[:])
	binary.BigEndian.PutUint64(buf[20:], 7)
	sum := sha1.Sum(buf[:])
	want := binary.BigEndian.Uint64(sum[8:16])

	require.Equal(t, want, h.Hash(7, d))
}

func TestHashVariantsDiffer(t *testing.T) {
	var d [20]byte
	copy(d[:], []byte("abcdefghijklmnopqrst"))

	be := idhash.New(idhash.BigEndian).Hash(1, d)
	legacy := idhash.New(idhash.LegacyReversed).Hash(1, d)
	require.NotEqual(t, be, legacy)
}

func TestVariantString(t *testing.T) {
	require.Equal(t, "big-endian", idhash.BigEndian.String())
	require.Equal(t, "legacy-reversed", idhash.LegacyReversed.String())
}
