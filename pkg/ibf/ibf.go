// Package ibf implements the Invertible Bloom Filter: a fixed-size,
// symmetric, subtractable, decodable multiset sketch over 160-bit
// digests. It is the wire-level set-reconciliation primitive described
// in spec.md §3-4; this file is the Go rendering of the original's
// ibf.c/ibf.h, generalized from uint64 elements to digest.Digest ones
// and carrying a bucket-level SHA-1 check instead of a second hash
// value, per spec.md §4.3.
package ibf

import (
	"bufio"
	"crypto/sha1"
	"fmt"
	"io"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acrucker/keyserver/pkg/digest"
	"github.com/acrucker/keyserver/pkg/idhash"
)

// bucket holds one cell of the filter: a signed count and the XOR of
// every element's digest and SHA-1(digest) ever inserted into it.
type bucket struct {
	count   int64
	idXor   digest.Digest
	hashXor digest.Digest
}

func (b *bucket) insert(d digest.Digest, sign int64) {
	b.count += sign
	b.idXor = b.idXor.XOR(d)
	b.hashXor = b.hashXor.XOR(digest.Digest(sha1.Sum(d[:])))
}

// pure reports whether b looks like it holds exactly one (or exactly
// minus one) element: |count| == 1 and the recorded id hashes to the
// recorded hash_xor.
func (b *bucket) pure() bool {
	if b.count != 1 && b.count != -1 {
		return false
	}
	return sha1.Sum(b.idXor[:]) == [20]byte(b.hashXor)
}

// IBF is an Invertible Bloom Filter with N buckets, hashing each
// inserted element into k of them. Two IBFs are compatible -- may be
// subtracted from one another -- iff they agree on (k, N) and on the
// Hasher variant.
type IBF struct {
	k      int
	n      int
	hasher idhash.Hasher
	bucket []bucket
}

// New allocates an empty IBF with k hash positions per element and N
// buckets. k must be in [1, N]; k > N is rejected at construction
// (spec.md §9 design note: "the source sometimes accepts k > N at
// allocation; reject this at construction time").
func New(k, n int, hasher idhash.Hasher) (*IBF, error) {
	if k <= 0 {
		return nil, status.Error(codes.InvalidArgument, "ibf: k must be >= 1")
	}
	if n <= 0 {
		return nil, status.Error(codes.InvalidArgument, "ibf: N must be >= 1")
	}
	if k > n {
		return nil, status.Errorf(codes.InvalidArgument, "ibf: k (%d) must not exceed N (%d)", k, n)
	}
	return &IBF{
		k:      k,
		n:      n,
		hasher: hasher,
		bucket: make([]bucket, n),
	}, nil
}

// K returns the number of hash positions per element.
func (f *IBF) K() int { return f.k }

// N returns the number of buckets.
func (f *IBF) N() int { return f.n }

func (f *IBF) positions(d digest.Digest) []int {
	pos := make([]int, f.k)
	for i := 0; i < f.k; i++ {
		h := f.hasher.Hash(uint64(i+1), [20]byte(d))
		pos[i] = int(h % uint64(f.n))
	}
	return pos
}

// Insert adds d to the filter, incrementing the count of each of its k
// buckets.
func (f *IBF) Insert(d digest.Digest) {
	for _, p := range f.positions(d) {
		f.bucket[p].insert(d, 1)
	}
}

// Delete removes d from the filter, the inverse of Insert. Counts may
// go negative; that is required for Subtract to work.
func (f *IBF) Delete(d digest.Digest) {
	for _, p := range f.positions(d) {
		f.bucket[p].insert(d, -1)
	}
}

// compatible reports whether f and other may be combined (same k, N,
// and hasher variant).
func (f *IBF) compatible(other *IBF) bool {
	return f.k == other.k && f.n == other.n && f.hasher.Variant() == other.hasher.Variant()
}

// Subtract subtracts other from f in place, bucket by bucket. Returns
// codes.FailedPrecondition if the two filters are not compatible.
// Calling f.Subtract(other) twice restores f's id_xor and hash_xor
// fields, but not its counts: each call subtracts other's counts again.
func (f *IBF) Subtract(other *IBF) error {
	if !f.compatible(other) {
		return status.Error(codes.FailedPrecondition, "ibf: incompatible parameters in subtract")
	}
	for i := range f.bucket {
		f.bucket[i].count -= other.bucket[i].count
		f.bucket[i].idXor = f.bucket[i].idXor.XOR(other.bucket[i].idXor)
		f.bucket[i].hashXor = f.bucket[i].hashXor.XOR(other.bucket[i].hashXor)
	}
	return nil
}

// Clone returns a deep copy of f.
func (f *IBF) Clone() *IBF {
	c := &IBF{k: f.k, n: f.n, hasher: f.hasher, bucket: make([]bucket, len(f.bucket))}
	copy(c.bucket, f.bucket)
	return c
}

// Decode attempts to extract one pure bucket from the filter: a bucket
// with |count| == 1 whose SHA1(id_xor) == hash_xor. On success it
// applies the inverse operation to the filter (Delete if the element
// was a +1, Insert if it was a -1, returning the filter to a state
// with that bucket's contribution removed) and returns the decoded
// digest and its sign. Sign convention (after A.Subtract(B)): +1 means
// "present in A, absent in B"; -1 means the reverse. ok is false if no
// pure bucket exists (exhaustion: either the filter is empty, or it
// still holds more distinct elements than it can currently resolve).
func (f *IBF) Decode() (d digest.Digest, sign int64, ok bool) {
	for i := range f.bucket {
		b := &f.bucket[i]
		if !b.pure() {
			continue
		}
		d = b.idXor
		sign = b.count
		if sign == 1 {
			f.Delete(d)
		} else {
			f.Insert(d)
		}
		return d, sign, true
	}
	return digest.Digest{}, 0, false
}

// Count returns sum(count)/k, the net number of elements in the filter:
// inserted (+1) elements minus deleted or subtracted (-1) ones, so
// elements of opposite sign cancel in the result. It panics
// if the running total is not evenly divisible by k, which would mean
// the filter's invariant (spec.md §3) has been violated by something
// other than whole-element insert/delete/subtract operations.
func (f *IBF) Count() int64 {
	var total int64
	for _, b := range f.bucket {
		total += b.count
	}
	if total%int64(f.k) != 0 {
		panic("ibf: bucket count sum not divisible by k; invariant violated")
	}
	return total / int64(f.k)
}

// DecodeAll repeatedly calls Decode until it returns ok=false,
// collecting every decoded (digest, sign) pair. If the filter's
// residual Count() is nonzero after exhaustion, it returns
// codes.DataLoss (the NotDecodable kind from spec.md §7): the filter
// had too many undecodable elements for its capacity.
func (f *IBF) DecodeAll() ([]Entry, error) {
	var out []Entry
	for {
		d, sign, ok := f.Decode()
		if !ok {
			break
		}
		out = append(out, Entry{Digest: d, Sign: sign})
	}
	if f.Count() != 0 {
		return out, status.Error(codes.DataLoss, "ibf: residual nonzero after decode exhaustion (not decodable)")
	}
	return out, nil
}

// Entry is one decoded (digest, sign) pair.
type Entry struct {
	Digest digest.Digest
	Sign   int64
}

// Serialize renders the filter in the textual wire format from
// spec.md §6:
//
//	1:<k>:<N>\n
//	<count>:<id_xor_40hex>:<hash_xor_40hex>\n   (repeated N times)
func (f *IBF) Serialize(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "1:%d:%d\n", f.k, f.n); err != nil {
		return status.Errorf(codes.Unavailable, "ibf: write header: %s", err)
	}
	for _, b := range f.bucket {
		if _, err := fmt.Fprintf(w, "%d:%s:%s\n", b.count, b.idXor.StringUpper(), b.hashXor.StringUpper()); err != nil {
			return status.Errorf(codes.Unavailable, "ibf: write bucket: %s", err)
		}
	}
	return nil
}

// SerializeString is a convenience wrapper around Serialize that
// returns the wire text directly, used by handlers that hold the
// read lock only long enough to produce the string (spec.md §5).
func (f *IBF) SerializeString() string {
	var sb strings.Builder
	// Serialize never fails against a strings.Builder.
	_ = f.Serialize(&sb)
	return sb.String()
}

// Deserialize parses the textual wire format produced by Serialize.
// The hasher variant is supplied by the caller (it is negotiated out
// of band, e.g. via configuration, rather than being part of the wire
// text -- see the design note on hasher identity in spec.md §9).
func Deserialize(r io.Reader, hasher idhash.Hasher) (*IBF, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !sc.Scan() {
		return nil, status.Error(codes.InvalidArgument, "ibf: empty input")
	}
	var version, k, n int
	if _, err := fmt.Sscanf(sc.Text(), "%d:%d:%d", &version, &k, &n); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "ibf: malformed header %q: %s", sc.Text(), err)
	}
	if version != 1 {
		return nil, status.Errorf(codes.InvalidArgument, "ibf: unsupported wire version %d", version)
	}
	f, err := New(k, n, hasher)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if !sc.Scan() {
			return nil, status.Errorf(codes.InvalidArgument, "ibf: truncated input at bucket %d of %d", i, n)
		}
		parts := strings.SplitN(sc.Text(), ":", 3)
		if len(parts) != 3 {
			return nil, status.Errorf(codes.InvalidArgument, "ibf: malformed bucket line %q", sc.Text())
		}
		var count int64
		if _, err := fmt.Sscanf(parts[0], "%d", &count); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "ibf: malformed count %q: %s", parts[0], err)
		}
		idXor, err := digest.Parse(strings.ToLower(parts[1]))
		if err != nil {
			return nil, err
		}
		hashXor, err := digest.Parse(strings.ToLower(parts[2]))
		if err != nil {
			return nil, err
		}
		f.bucket[i] = bucket{count: count, idXor: idXor, hashXor: hashXor}
	}
	if err := sc.Err(); err != nil {
		return nil, status.Errorf(codes.Unavailable, "ibf: read: %s", err)
	}
	return f, nil
}
