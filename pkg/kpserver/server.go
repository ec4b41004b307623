// Package kpserver is the HTTP surface of the keyserver: HKP-style
// lookup/add, IBF/strata sketch download, the /status page, and static
// file serving (spec.md §6). Routing uses github.com/gorilla/mux, the
// teacher's own router.
package kpserver

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/acrucker/keyserver/pkg/idhash"
	"github.com/acrucker/keyserver/pkg/keystore"
	"github.com/acrucker/keyserver/pkg/peers"
)

// Server bundles everything the HTTP handlers need. It holds no lock
// of its own: the Index already serializes access to itself and its
// sketches (spec.md §5).
type Server struct {
	Index      *keystore.Index
	Store      keystore.BlobStore
	Hasher     idhash.Hasher
	StaticRoot string
	ListenPort string
	Peers      *peers.Loop
	Log        *zap.Logger

	MaxResults int

	// StaticETag is a per-process-lifetime token attached to every
	// static file response, so a client's cache is invalidated across
	// a restart even when the underlying file's mtime does not change
	// (e.g. a bind-mounted read-only root).
	StaticETag string
}

// NewServer builds a Server and its gorilla/mux router.
func NewServer(idx *keystore.Index, store keystore.BlobStore, hasher idhash.Hasher, staticRoot, listenPort string, peerLoop *peers.Loop, log *zap.Logger) *Server {
	return &Server{
		Index:      idx,
		Store:      store,
		Hasher:     hasher,
		StaticRoot: staticRoot,
		ListenPort: listenPort,
		Peers:      peerLoop,
		Log:        log,
		MaxResults: 256,
		StaticETag: uuid.New().String(),
	}
}

// Router builds the route table. Kept separate from NewServer so tests
// can construct a Server and rebuild the router after tweaking fields.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/pks/lookup", s.handleLookup).Methods(http.MethodGet)
	r.HandleFunc("/pks/add", s.handleAdd).Methods(http.MethodPost)
	r.HandleFunc("/ibf/{k:[0-9]+}/{n:[0-9]+}", s.handleIBF).Methods(http.MethodGet)
	r.HandleFunc("/strata/{c:[0-9]+}/{k:[0-9]+}/{n:[0-9]+}", s.handleStrata).Methods(http.MethodGet)
	r.HandleFunc("/strata/index/{i:[0-9]+}", s.handleStrataByIndex).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handleStatic).Methods(http.MethodGet)
	return r
}

// ListenAndServe starts the HTTP server on addr, blocking until ctx is
// canceled or a fatal error occurs. Shutdown is cooperative per
// spec.md §7: a canceled context triggers a graceful http.Server
// shutdown rather than an abrupt close.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return httpServer.Shutdown(context.Background())
	}
}
