package keystore

import (
	"github.com/acrucker/keyserver/pkg/digest"
	"github.com/acrucker/keyserver/pkg/ibf"
	"github.com/acrucker/keyserver/pkg/idhash"
	"github.com/acrucker/keyserver/pkg/strata"
)

// IBFFamilyConfig describes the geometric family of IBF sizes the
// server exposes, {base * 2^j : j in [0, levels)}, all sharing the
// same k. spec.md §4.8/§9 ("Layered IBF sizes"): the family must be
// identical on both peers for a given pair to converge.
type IBFFamilyConfig struct {
	K      int
	Base   int
	Levels int
}

// StrataConfig describes one (k, N, c) parameter set the server keeps
// a populated strata estimator for.
type StrataConfig struct {
	K int
	N int
	C int
}

// Sketches holds every IBF and Strata estimator the server maintains
// in sync with the index, plus the hasher they all share. It has no
// locking of its own -- the owning Index's RWMutex is what makes
// concurrent population and serialization safe (spec.md §5).
type Sketches struct {
	hasher  idhash.Hasher
	ibfs    []*ibf.IBF
	stratas []*strata.Strata
}

// NewSketches allocates one IBF per entry of ibfFamily and one Strata
// per entry of strataFamily, all sharing hasher.
func NewSketches(hasher idhash.Hasher, ibfFamily IBFFamilyConfig, strataFamily []StrataConfig) (*Sketches, error) {
	s := &Sketches{hasher: hasher}
	size := ibfFamily.Base
	for j := 0; j < ibfFamily.Levels; j++ {
		f, err := ibf.New(ibfFamily.K, size, hasher)
		if err != nil {
			return nil, err
		}
		s.ibfs = append(s.ibfs, f)
		size *= 2
	}
	for _, sc := range strataFamily {
		st, err := strata.New(sc.K, sc.N, sc.C, hasher)
		if err != nil {
			return nil, err
		}
		s.stratas = append(s.stratas, st)
	}
	return s, nil
}

// Insert adds d to every maintained IBF and every maintained Strata.
// Callers must hold the Index's write lock.
func (s *Sketches) Insert(d digest.Digest) {
	for _, f := range s.ibfs {
		f.Insert(d)
	}
	for _, st := range s.stratas {
		st.Insert(d)
	}
}

// IBFMatching returns the IBF in the family whose (k, N) matches, or
// nil if none does. Callers must hold at least the Index's read lock.
func (s *Sketches) IBFMatching(k, n int) *ibf.IBF {
	for _, f := range s.ibfs {
		if f.K() == k && f.N() == n {
			return f
		}
	}
	return nil
}

// SmallestIBFAtLeast returns the smallest IBF in the family whose
// bucket count N is >= want, or nil if even the largest family member
// is too small. Used by the reconciliation client to pick an IBF size
// "the smallest local IBF size >= 3*est" per spec.md §4.8 step 3.
func (s *Sketches) SmallestIBFAtLeast(want int) *ibf.IBF {
	var best *ibf.IBF
	for _, f := range s.ibfs {
		if f.N() >= want && (best == nil || f.N() < best.N()) {
			best = f
		}
	}
	return best
}

// StrataAt returns the i-th configured strata estimator, or nil if i
// is out of range. Used by the reconciliation client walking
// parameter sets in increasing order per spec.md §4.8 step 1.
func (s *Sketches) StrataAt(i int) *strata.Strata {
	if i < 0 || i >= len(s.stratas) {
		return nil
	}
	return s.stratas[i]
}

// StrataMatching returns the strata estimator matching (k, N, c), or
// nil if none does.
func (s *Sketches) StrataMatching(k, n, c int) *strata.Strata {
	for _, st := range s.stratas {
		if st.K() == k && st.N() == n && st.C() == c {
			return st
		}
	}
	return nil
}

// Hasher returns the hasher shared by every maintained sketch.
func (s *Sketches) Hasher() idhash.Hasher {
	return s.hasher
}
