package keystore

import (
	"context"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acrucker/keyserver/pkg/digest"
	"github.com/acrucker/keyserver/pkg/pgpkey"
)

// Entry is one indexed key's metadata (spec.md §3 "Index entry").
// Entries are never mutated after being appended; UserID is an
// independent owned copy so that queries never pin a key's raw blob in
// memory (spec.md §9 "Ownership of parsed keys").
type Entry struct {
	Version     int
	ID32        uint32
	ID64        uint64
	UserID      string
	Fingerprint digest.Digest
	Digest      digest.Digest
	Size        int
}

// Index is the in-memory, append-only metadata index plus the
// sketches kept in sync with it, all guarded by one reader/writer lock
// (spec.md §5: "one reader/writer lock protects both the in-memory
// index and every sketch"). Readers (Query, sketch serialization) may
// proceed concurrently; writers (Add) are exclusive.
type Index struct {
	mu       sync.RWMutex
	entries  []Entry
	byDigest map[digest.Digest]int
	sketches *Sketches
}

// NewIndex returns an empty Index whose sketches are populated
// alongside every Add.
func NewIndex(sketches *Sketches) *Index {
	return &Index{
		byDigest: make(map[digest.Digest]int),
		sketches: sketches,
	}
}

// Add appends one entry derived from key to the index and inserts its
// digest into every maintained sketch, all under the write lock. It is
// the at-most-once companion to a successful BlobStore.Put (spec.md §4.7,
// §9: a crash between Put and Add is recovered on restart by a cursor
// scan that rebuilds the index).
func (idx *Index) Add(key *pgpkey.Key) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	d := key.Digest()
	if _, exists := idx.byDigest[d]; exists {
		return
	}

	e := Entry{
		Version:     key.Version(),
		ID32:        key.ID32(),
		ID64:        key.ID64(),
		UserID:      string(append([]byte(nil), key.UserID()...)),
		Fingerprint: key.Fingerprint(),
		Digest:      d,
		Size:        len(key.Raw()),
	}
	idx.byDigest[d] = len(idx.entries)
	idx.entries = append(idx.entries, e)
	idx.sketches.Insert(d)
}

// Len returns the number of indexed entries, taken under the read
// lock.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Has reports whether d is already indexed.
func (idx *Index) Has(d digest.Digest) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.byDigest[d]
	return ok
}

// WithSketches runs fn with the read lock held and a reference to the
// maintained Sketches, for callers (HTTP handlers, the reconciliation
// client) that need to serialize or inspect a sketch without letting
// it drift mid-read. fn must not block on I/O; it should copy or
// render what it needs and return (spec.md §5: suspension points like
// HTTP/store I/O must occur outside the lock).
func (idx *Index) WithSketches(fn func(*Sketches)) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	fn(idx.sketches)
}

// QueryKind classifies the HKP "search" parameter, per spec.md §4.7.
type QueryKind int

const (
	// QueryUserID matches entries whose UserID contains q as a
	// substring.
	QueryUserID QueryKind = iota
	QueryID32
	QueryID64
	QueryFingerprint
)

// ClassifyQuery inspects q the way spec.md §4.7 describes: a
// "0x"-prefixed q of total length 10 (8 hex digits) -> id32, total
// length 18 (16 hex digits) -> id64, total length 42 (40 hex digits) ->
// fingerprint, otherwise a substring match against UserID.
func ClassifyQuery(q string) (kind QueryKind, parsed string) {
	if strings.HasPrefix(q, "0x") {
		switch len(q) {
		case 10:
			return QueryID32, q[2:]
		case 18:
			return QueryID64, q[2:]
		case 42:
			return QueryFingerprint, q[2:]
		}
	}
	return QueryUserID, q
}

// Query performs a linear scan over the index under the read lock,
// classifying q per ClassifyQuery, skipping the first offset matches,
// and returning up to max of the remainder. exact controls
// case-sensitivity of the UserID substring match. Query is a pure
// function of q, max, offset, exact, and the index's current contents
// (spec.md §8 property 8).
func (idx *Index) Query(q string, max, offset int, exact bool) ([]Entry, error) {
	kind, parsed := ClassifyQuery(q)

	var id32 uint32
	var id64 uint64
	var fp digest.Digest
	var err error
	switch kind {
	case QueryID32:
		id32, err = parseHexUint32(parsed)
	case QueryID64:
		id64, err = parseHexUint64(parsed)
	case QueryFingerprint:
		fp, err = digest.Parse(strings.ToLower(parsed))
	}
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "keystore: malformed query %q: %s", q, err)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []Entry
	skipped := 0
	for _, e := range idx.entries {
		var match bool
		switch kind {
		case QueryID32:
			match = e.ID32 == id32
		case QueryID64:
			match = e.ID64 == id64
		case QueryFingerprint:
			match = e.Fingerprint.Equal(fp)
		default:
			if exact {
				match = strings.Contains(e.UserID, parsed)
			} else {
				match = strings.Contains(strings.ToLower(e.UserID), strings.ToLower(parsed))
			}
		}
		if !match {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, e)
		if len(out) == max {
			break
		}
	}
	return out, nil
}

// GetByDigest returns the entry for d, or codes.NotFound if absent.
func (idx *Index) GetByDigest(d digest.Digest) (Entry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	i, ok := idx.byDigest[d]
	if !ok {
		return Entry{}, status.Errorf(codes.NotFound, "keystore: digest %s not indexed", d)
	}
	return idx.entries[i], nil
}

func parseHexUint32(s string) (uint32, error) {
	v, err := parseHexUint64(s)
	return uint32(v), err
}

func parseHexUint64(s string) (uint64, error) {
	var v uint64
	for _, c := range s {
		var digitVal uint64
		switch {
		case c >= '0' && c <= '9':
			digitVal = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			digitVal = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			digitVal = uint64(c-'A') + 10
		default:
			return 0, status.Errorf(codes.InvalidArgument, "non-hex character %q", c)
		}
		v = v<<4 | digitVal
	}
	return v, nil
}

// Rebuild replays every blob reachable from store via walk, re-parsing
// and re-adding each to idx. This is the crash-recovery cursor scan
// spec.md §9 describes: the store may hold keys that are not yet in
// the index (a crash between Put and Add), and on restart a scan
// rebuilds the index and repopulates the sketches.
func Rebuild(ctx context.Context, idx *Index, walk func(ctx context.Context, each func(raw []byte) error) error) error {
	return walk(ctx, func(raw []byte) error {
		key, err := pgpkey.Parse(raw)
		if err != nil {
			// Per spec.md §7, parsers never abort the
			// enclosing batch; skip the malformed entry.
			return nil
		}
		idx.Add(key)
		return nil
	})
}
