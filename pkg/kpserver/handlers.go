package kpserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/acrucker/keyserver/pkg/armor"
	"github.com/acrucker/keyserver/pkg/digest"
	"github.com/acrucker/keyserver/pkg/keystore"
	"github.com/acrucker/keyserver/pkg/kperrors"
	"github.com/acrucker/keyserver/pkg/pgpkey"
)

func (s *Server) writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), kperrors.HTTPStatus(err))
}

// handleLookup implements GET /pks/lookup, the HKP query/fetch
// endpoint (spec.md §6). op=vindex is unimplemented, matching the
// original's callback_hkp_lookup, which answers 501 for it too.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	op := q.Get("op")
	search := q.Get("search")
	if op == "" {
		http.Error(w, "specify operation", http.StatusBadRequest)
		return
	}
	if search == "" {
		http.Error(w, "specify search query", http.StatusBadRequest)
		return
	}
	exact := q.Get("exact") == "on"
	mr := hasOption(q.Get("options"), "mr")

	_ = mr // acknowledged but armor output is always machine-readable text

	switch op {
	case "index":
		s.handleLookupIndex(w, search, exact)
	case "vindex":
		http.Error(w, "vindex not supported", http.StatusNotImplemented)
	case "download":
		s.handleLookupDownload(w, r, search)
	case "get":
		s.handleLookupGet(w, r, search, exact)
	default:
		http.Error(w, "invalid operation", http.StatusBadRequest)
	}
}

func hasOption(options, want string) bool {
	for _, opt := range strings.Split(options, ",") {
		if opt == want {
			return true
		}
	}
	return false
}

func (s *Server) handleLookupIndex(w http.ResponseWriter, search string, exact bool) {
	entries, err := s.Index.Query(search, s.MaxResults, 0, exact)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body>\r\n")
	for _, e := range entries {
		fmt.Fprintf(w, "<p>FP=%08X UID=\"%s\"</p>\r\n", e.ID32, escapeUserID(e.UserID))
	}
	fmt.Fprint(w, "</body></html>")
}

func (s *Server) handleLookupDownload(w http.ResponseWriter, r *http.Request, search string) {
	d, err := parseSearchDigest(search)
	if err != nil {
		s.writeError(w, err)
		return
	}
	raw, err := s.Store.Get(r.Context(), d)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=us-ascii")
	io.WriteString(w, armor.Encode(raw))
}

func (s *Server) handleLookupGet(w http.ResponseWriter, r *http.Request, search string, exact bool) {
	entries, err := s.Index.Query(search, s.MaxResults, 0, exact)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(entries) == 0 {
		http.Error(w, search, http.StatusNotFound)
		return
	}
	blobs := make([][]byte, 0, len(entries))
	for _, e := range entries {
		raw, err := s.Store.Get(r.Context(), e.Digest)
		if err != nil {
			continue
		}
		blobs = append(blobs, raw)
	}
	if len(blobs) == 0 {
		http.Error(w, search, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=us-ascii")
	io.WriteString(w, armor.Encode(blobs...))
}

func parseSearchDigest(search string) (digest.Digest, error) {
	search = strings.TrimPrefix(search, "0x")
	return digest.Parse(strings.ToLower(search))
}

// handleAdd implements POST /pks/add: submit a key (spec.md §6).
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	keytext := r.FormValue("keytext")
	if keytext == "" {
		http.Error(w, "missing keytext", http.StatusBadRequest)
		return
	}
	raw, err := armor.Decode(keytext)
	if err != nil {
		s.writeError(w, err)
		return
	}
	key, err := s.ingest(r.Context(), raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/pks/lookup?op=get&search=0x"+key.Fingerprint().String())
	w.WriteHeader(http.StatusCreated)
}

// ingest parses raw, stores it, and indexes it -- the at-most-once
// put-then-add sequence spec.md §4.7/§9 describes.
func (s *Server) ingest(ctx context.Context, raw []byte) (*pgpkey.Key, error) {
	key, err := pgpkey.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := s.Store.Put(ctx, key.Digest(), raw); err != nil {
		return nil, err
	}
	s.Index.Add(key)
	return key, nil
}

// handleIBF implements GET /ibf/<k>/<N>.
func (s *Server) handleIBF(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	k, _ := strconv.Atoi(vars["k"])
	n, _ := strconv.Atoi(vars["n"])

	var text string
	var found bool
	s.Index.WithSketches(func(sk *keystore.Sketches) {
		if f := sk.IBFMatching(k, n); f != nil {
			text = f.SerializeString()
			found = true
		}
	})
	if !found {
		http.Error(w, "size/hash count not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=us-ascii")
	io.WriteString(w, text)
}

// handleStrata implements GET /strata/<c>/<k>/<N>.
func (s *Server) handleStrata(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, _ := strconv.Atoi(vars["c"])
	k, _ := strconv.Atoi(vars["k"])
	n, _ := strconv.Atoi(vars["n"])

	var text string
	var found bool
	s.Index.WithSketches(func(sk *keystore.Sketches) {
		if st := sk.StrataMatching(k, n, c); st != nil {
			text = st.SerializeString()
			found = true
		}
	})
	if !found {
		http.Error(w, "parameters not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=us-ascii")
	io.WriteString(w, text)
}

// handleStrataByIndex implements GET /strata/index/<i>, addressing a
// configured parameter set by its position rather than its (k,N,c)
// triple -- what pkg/reconcile's client actually needs, since it walks
// parameter sets in lockstep with the peer (spec.md §4.8 step 1)
// without first knowing the peer's exact parameters.
func (s *Server) handleStrataByIndex(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	i, _ := strconv.Atoi(vars["i"])

	var text string
	var found bool
	s.Index.WithSketches(func(sk *keystore.Sketches) {
		if st := sk.StrataAt(i); st != nil {
			text = st.SerializeString()
			found = true
		}
	})
	if !found {
		http.Error(w, "no such parameter set", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=us-ascii")
	io.WriteString(w, text)
}

// handleStatus implements GET /status: keycount, peers, and listening
// port (spec.md §6, SPEC_FULL.md §4 "status_t").
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body>\r\n")
	fmt.Fprintf(w, "<p>keys=%d port=%s</p>\r\n", s.Index.Len(), s.ListenPort)
	if s.Peers != nil {
		for _, p := range s.Peers.Peers() {
			fmt.Fprintf(w, "<p>peer=%s interval=%d status=%s</p>\r\n", p.Host, p.IntervalSeconds, escapeUserID(p.LastStatus()))
		}
	}
	fmt.Fprint(w, "</body></html>")
}

// handleRoot implements GET /: a redirect to /index.html.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/index.html", http.StatusFound)
}

// handleStatic implements GET /*: serve a file under StaticRoot,
// rejecting any path containing "..", matching callback_static in the
// original's serv.c.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "..") {
		http.Error(w, "path can't contain ..", http.StatusForbidden)
		return
	}
	w.Header().Set("ETag", `"`+s.StaticETag+`"`)
	http.ServeFile(w, r, s.StaticRoot+r.URL.Path)
	if s.Log != nil {
		s.Log.Debug("kpserver: static request", zap.String("path", r.URL.Path))
	}
}
