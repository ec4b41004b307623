package ibf_test

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acrucker/keyserver/pkg/digest"
	"github.com/acrucker/keyserver/pkg/ibf"
	"github.com/acrucker/keyserver/pkg/idhash"
)

func sha1Digest(s string) digest.Digest {
	return digest.Digest(sha1.Sum([]byte(s)))
}

func hasher() idhash.Hasher {
	return idhash.New(idhash.BigEndian)
}

func TestNewRejectsBadParameters(t *testing.T) {
	_, err := ibf.New(0, 16, hasher())
	require.Error(t, err)

	_, err = ibf.New(3, 0, hasher())
	require.Error(t, err)

	_, err = ibf.New(4, 3, hasher())
	require.Error(t, err, "k > N must be rejected at construction per spec.md §9")
}

// E1 - empty IBF decode.
func TestEmptyDecode(t *testing.T) {
	f, err := ibf.New(3, 16, hasher())
	require.NoError(t, err)

	_, _, ok := f.Decode()
	require.False(t, ok)
	require.Zero(t, f.Count())
}

// E2 - single-element decode.
func TestSingleElementDecode(t *testing.T) {
	f, err := ibf.New(3, 16, hasher())
	require.NoError(t, err)

	d := sha1Digest("a")
	f.Insert(d)

	got, sign, ok := f.Decode()
	require.True(t, ok)
	require.Equal(t, d, got)
	require.EqualValues(t, 1, sign)

	_, _, ok = f.Decode()
	require.False(t, ok)
	require.Zero(t, f.Count())
}

// E3 - subtract-decode difference over a larger symmetric difference.
func TestSubtractDecodeDifference(t *testing.T) {
	a, err := ibf.New(3, 4096, hasher())
	require.NoError(t, err)
	b, err := ibf.New(3, 4096, hasher())
	require.NoError(t, err)

	for i := 1; i <= 400000; i++ {
		a.Insert(sha1Digest(fmt.Sprint(i)))
	}
	for i := 5; i <= 400000; i++ {
		b.Insert(sha1Digest(fmt.Sprint(i)))
	}
	for i := 1; i <= 9; i++ {
		b.Insert(sha1Digest(fmt.Sprintf("x%d", i)))
	}

	want := make(map[digest.Digest]int64)
	for i := 1; i <= 4; i++ {
		want[sha1Digest(fmt.Sprint(i))] = 1
	}
	for i := 1; i <= 9; i++ {
		want[sha1Digest(fmt.Sprintf("x%d", i))] = -1
	}

	require.NoError(t, a.Subtract(b))

	got := make(map[digest.Digest]int64)
	entries, err := a.DecodeAll()
	require.NoError(t, err)
	for _, e := range entries {
		got[e.Digest] = e.Sign
	}
	require.Equal(t, want, got)
	require.Zero(t, a.Count())
}

// Property 1: insert/delete round trip returns every bucket to zero.
func TestInsertDeleteRoundTrip(t *testing.T) {
	f, err := ibf.New(3, 32, hasher())
	require.NoError(t, err)

	var elems []digest.Digest
	for i := 0; i < 20; i++ {
		elems = append(elems, sha1Digest(fmt.Sprint(i)))
	}
	for _, d := range elems {
		f.Insert(d)
	}
	for _, d := range elems {
		f.Delete(d)
	}

	empty, err := ibf.New(3, 32, hasher())
	require.NoError(t, err)

	var bufF, bufEmpty bytes.Buffer
	require.NoError(t, f.Serialize(&bufF))
	require.NoError(t, empty.Serialize(&bufEmpty))
	require.Equal(t, bufEmpty.String(), bufF.String())
}

// Property 2: subtract symmetry, IBF(A ∪ X).subtract(IBF(A)) == IBF(X).
func TestSubtractSymmetry(t *testing.T) {
	aUX, err := ibf.New(3, 64, hasher())
	require.NoError(t, err)
	a, err := ibf.New(3, 64, hasher())
	require.NoError(t, err)
	x, err := ibf.New(3, 64, hasher())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		d := sha1Digest(fmt.Sprintf("a%d", i))
		aUX.Insert(d)
		a.Insert(d)
	}
	for i := 0; i < 10; i++ {
		d := sha1Digest(fmt.Sprintf("x%d", i))
		aUX.Insert(d)
		x.Insert(d)
	}

	require.NoError(t, aUX.Subtract(a))

	var gotBuf, wantBuf bytes.Buffer
	require.NoError(t, aUX.Serialize(&gotBuf))
	require.NoError(t, x.Serialize(&wantBuf))
	require.Equal(t, wantBuf.String(), gotBuf.String())
}

// Property 4: count invariant holds after any sequence of whole-element
// operations.
func TestCountInvariant(t *testing.T) {
	f, err := ibf.New(3, 32, hasher())
	require.NoError(t, err)
	for i := 0; i < 11; i++ {
		f.Insert(sha1Digest(fmt.Sprint(i)))
	}
	for i := 0; i < 4; i++ {
		f.Delete(sha1Digest(fmt.Sprint(i)))
	}
	require.EqualValues(t, 7, f.Count())
}

func TestSubtractRejectsIncompatible(t *testing.T) {
	a, err := ibf.New(3, 32, hasher())
	require.NoError(t, err)
	b, err := ibf.New(4, 32, hasher())
	require.NoError(t, err)
	require.Error(t, a.Subtract(b))
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	f, err := ibf.New(3, 16, hasher())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		f.Insert(sha1Digest(fmt.Sprint(i)))
	}

	var buf bytes.Buffer
	require.NoError(t, f.Serialize(&buf))

	g, err := ibf.Deserialize(&buf, hasher())
	require.NoError(t, err)

	require.NoError(t, g.Subtract(f))
	require.Zero(t, g.Count())
	_, _, ok := g.Decode()
	require.False(t, ok)
}

func TestDecodeAllNotDecodableWhenOverCapacity(t *testing.T) {
	f, err := ibf.New(3, 4, hasher())
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		f.Insert(sha1Digest(fmt.Sprint(i)))
	}
	_, err = f.DecodeAll()
	require.Error(t, err)
}
