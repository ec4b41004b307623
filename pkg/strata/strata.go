// Package strata implements the Strata Estimator: a layered collection
// of compatible IBFs used to cheaply estimate |A △ B| before the two
// peers commit to exchanging a full-size IBF. This generalizes the
// original's setdiff.c/setdiff.h to operate on digest.Digest elements.
package strata

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acrucker/keyserver/pkg/digest"
	"github.com/acrucker/keyserver/pkg/ibf"
	"github.com/acrucker/keyserver/pkg/idhash"
)

// Strata is an ordered sequence of c compatible IBFs of parameters
// (k, N). An element with digest d enters exactly one layer:
// layer = min(TrailingZeroBits(d), c-1).
type Strata struct {
	k, n, c int
	hasher  idhash.Hasher
	layer   []*ibf.IBF
}

// New allocates c empty IBFs of parameters (k, N).
func New(k, n, c int, hasher idhash.Hasher) (*Strata, error) {
	if c <= 0 {
		return nil, status.Error(codes.InvalidArgument, "strata: c must be >= 1")
	}
	layers := make([]*ibf.IBF, c)
	for i := range layers {
		f, err := ibf.New(k, n, hasher)
		if err != nil {
			return nil, err
		}
		layers[i] = f
	}
	return &Strata{k: k, n: n, c: c, hasher: hasher, layer: layers}, nil
}

// K, N, and C report the Strata's construction parameters.
func (s *Strata) K() int { return s.k }
func (s *Strata) N() int { return s.n }
func (s *Strata) C() int { return s.c }

func (s *Strata) layerFor(d digest.Digest) int {
	tz := d.TrailingZeroBits()
	if tz >= s.c {
		tz = s.c - 1
	}
	return tz
}

// Insert adds d to the single layer its trailing-zero-bit count
// selects.
func (s *Strata) Insert(d digest.Digest) {
	s.layer[s.layerFor(d)].Insert(d)
}

// Clone returns a deep copy of s: every layer IBF is itself cloned, so
// the result shares no buckets with s and is safe to read after the
// caller has released whatever lock was guarding s (spec.md §5: a
// snapshot must be taken under the lock, then read lock-free).
func (s *Strata) Clone() *Strata {
	layers := make([]*ibf.IBF, len(s.layer))
	for i, l := range s.layer {
		layers[i] = l.Clone()
	}
	return &Strata{k: s.k, n: s.n, c: s.c, hasher: s.hasher, layer: layers}
}

func (s *Strata) compatible(other *Strata) bool {
	return s.k == other.k && s.n == other.n && s.c == other.c && s.hasher.Variant() == other.hasher.Variant()
}

// EstimateDiff estimates |A △ B| between s and other, without mutating
// either: each layer of s is cloned and other's matching layer is
// subtracted from the clone. It walks layers from the sparsest (highest
// index) to the densest, summing the entries decoded from every layer
// whose subtracted IBF decodes completely (residual count zero). At the
// first layer i that does not decode completely, the sum over the
// sparser layers, scaled by 2^(i+1), is the estimate; if that sum is
// zero it returns ok=false ("estimator too small"). If every layer
// decodes, the unscaled sum is the estimate.
func (s *Strata) EstimateDiff(other *Strata) (estimate uint64, ok bool, err error) {
	if !s.compatible(other) {
		return 0, false, status.Error(codes.FailedPrecondition, "strata: incompatible parameters")
	}
	var total uint64
	for i := s.c - 1; i >= 0; i-- {
		diff := s.layer[i].Clone()
		if err := diff.Subtract(other.layer[i]); err != nil {
			return 0, false, err
		}
		entries, decodeErr := diff.DecodeAll()
		if decodeErr != nil {
			// This layer's residual is nonzero: it (and
			// anything denser than it) can't be trusted, but
			// the sparser layers already fully decoded give an
			// estimate once scaled by 2^(i+1). A zero total
			// here means even the sparsest layer tried so far
			// failed to decode -- the estimator is too small.
			if total == 0 {
				return 0, false, nil
			}
			return total * (1 << uint(i+1)), true, nil
		}
		total += uint64(len(entries))
	}
	return total, true, nil
}

// Serialize renders the estimator in the wire format from spec.md §6:
//
//	STRATA:<c>:<k>:<N>\n
//	<IBF block>           (repeated c times)
func (s *Strata) Serialize(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "STRATA:%d:%d:%d\n", s.c, s.k, s.n); err != nil {
		return status.Errorf(codes.Unavailable, "strata: write header: %s", err)
	}
	for _, l := range s.layer {
		if err := l.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

// SerializeString is the read-lock-friendly convenience wrapper, the
// same shape as ibf.IBF.SerializeString.
func (s *Strata) SerializeString() string {
	var sb strings.Builder
	_ = s.Serialize(&sb)
	return sb.String()
}

// Deserialize parses the wire format produced by Serialize.
func Deserialize(r io.Reader, hasher idhash.Hasher) (*Strata, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !sc.Scan() {
		return nil, status.Error(codes.InvalidArgument, "strata: empty input")
	}
	var c, k, n int
	if _, err := fmt.Sscanf(sc.Text(), "STRATA:%d:%d:%d", &c, &k, &n); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "strata: malformed header %q: %s", sc.Text(), err)
	}
	s, err := New(k, n, c, hasher)
	if err != nil {
		return nil, err
	}
	for i := 0; i < c; i++ {
		f, err := ibf.Deserialize(&lineLimitedReader{sc: sc, remaining: n + 1}, hasher)
		if err != nil {
			return nil, err
		}
		s.layer[i] = f
	}
	return s, nil
}

// lineLimitedReader adapts a bufio.Scanner positioned at a header line
// into an io.Reader that yields exactly `remaining` newline-terminated
// lines, so ibf.Deserialize can be called repeatedly against one
// underlying stream without each call consuming past its own block.
type lineLimitedReader struct {
	sc        *bufio.Scanner
	remaining int
	buf       []byte
}

func (l *lineLimitedReader) Read(p []byte) (int, error) {
	for len(l.buf) == 0 {
		if l.remaining <= 0 {
			return 0, io.EOF
		}
		if !l.sc.Scan() {
			if err := l.sc.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		l.buf = append(l.sc.Bytes(), '\n')
		l.remaining--
	}
	n := copy(p, l.buf)
	l.buf = l.buf[n:]
	return n, nil
}
