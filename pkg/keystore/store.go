// Package keystore implements the key/value blob store interface (the
// spec's "external collaborator" backing store, given a concrete
// local-disk implementation here) plus the in-memory Index that
// queries and sketch population read and write under one
// reader/writer lock, per spec.md §3-5.
package keystore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acrucker/keyserver/pkg/digest"
)

// BlobStore is the opaque byte-blob persistence interface keyed by
// digest.Digest. Writes are at-most-once: writing an already-present
// digest is a silent success. This mirrors the teacher's narrow
// BlobAccess-style interfaces (pkg/blobstore.BlobAccess), kept
// intentionally small so alternate backends (local disk here, S3 in
// pkg/keystore/s3store) are trivial to add.
type BlobStore interface {
	// Get returns the raw bytes stored under d, or a codes.NotFound
	// error if absent.
	Get(ctx context.Context, d digest.Digest) ([]byte, error)
	// Put stores raw under d. A second Put of the same digest is a
	// no-op, regardless of whether raw matches the first write (the
	// digest is assumed to uniquely determine the content).
	Put(ctx context.Context, d digest.Digest, raw []byte) error
}

// LocalStore is a BlobStore backed by one file per digest underneath a
// root directory, opened in create-or-open mode.
type LocalStore struct {
	root string
}

// NewLocalStore returns a LocalStore rooted at dir, creating dir if it
// does not already exist.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, status.Errorf(codes.ResourceExhausted, "keystore: create root %s: %s", dir, err)
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) path(d digest.Digest) string {
	hex := d.String()
	// Two levels of fan-out keep any one directory from accumulating
	// millions of entries, the same shape the teacher's local
	// blobstore backends use for their block directories.
	return filepath.Join(s.root, hex[0:2], hex[2:4], hex)
}

// Get implements BlobStore.
func (s *LocalStore) Get(_ context.Context, d digest.Digest) ([]byte, error) {
	data, err := os.ReadFile(s.path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "keystore: digest %s not found", d)
		}
		return nil, status.Errorf(codes.Unavailable, "keystore: read %s: %s", d, err)
	}
	return data, nil
}

// Walk visits every blob currently in the store, calling each with its
// raw bytes, stopping at the first error each returns. Used by
// Rebuild to recover the index after a crash between Put and Add
// (spec.md §9).
func (s *LocalStore) Walk(ctx context.Context, each func(raw []byte) error) error {
	return filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return each(data)
	})
}

// Put implements BlobStore.
func (s *LocalStore) Put(_ context.Context, d digest.Digest, raw []byte) error {
	p := s.path(d)
	if _, err := os.Stat(p); err == nil {
		return nil // at-most-once: already present.
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return status.Errorf(codes.ResourceExhausted, "keystore: mkdir for %s: %s", d, err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return status.Errorf(codes.ResourceExhausted, "keystore: write %s: %s", d, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return status.Errorf(codes.Unavailable, "keystore: commit %s: %s", d, err)
	}
	return nil
}

// MemStore is an in-memory BlobStore, useful for tests. It holds no
// state across restarts and has no Walk method, so the crash-recovery
// cursor scan (Rebuild) does not apply to it.
type MemStore struct {
	data map[digest.Digest][]byte
}

// NewMemStore returns an empty in-memory BlobStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[digest.Digest][]byte)}
}

// Get implements BlobStore.
func (s *MemStore) Get(_ context.Context, d digest.Digest) ([]byte, error) {
	raw, ok := s.data[d]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "keystore: digest %s not found", d)
	}
	return raw, nil
}

// Put implements BlobStore.
func (s *MemStore) Put(_ context.Context, d digest.Digest, raw []byte) error {
	if _, ok := s.data[d]; ok {
		return nil
	}
	cp := append([]byte(nil), raw...)
	s.data[d] = cp
	return nil
}
