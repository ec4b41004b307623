package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acrucker/keyserver/pkg/armor"
	"github.com/acrucker/keyserver/pkg/digest"
	"github.com/acrucker/keyserver/pkg/ibf"
	"github.com/acrucker/keyserver/pkg/idhash"
	"github.com/acrucker/keyserver/pkg/strata"
)

// HTTPPeerClient implements PeerClient against the wire surface
// pkg/kpserver exposes (spec.md §6): GET /strata/index/<i>,
// GET /ibf/<k>/<N>, and GET /pks/lookup?op=download&search=0x<digest>
// for individual keys.
type HTTPPeerClient struct {
	BaseURL string
	Hasher  idhash.Hasher
	HTTP    *http.Client
}

// NewHTTPPeerClient returns a client against baseURL (e.g.
// "http://peer.example.org:8080"), with a sane request timeout if the
// caller doesn't supply its own *http.Client.
func NewHTTPPeerClient(baseURL string, hasher idhash.Hasher) *HTTPPeerClient {
	return &HTTPPeerClient{
		BaseURL: baseURL,
		Hasher:  hasher,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPPeerClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "reconcile: build request: %s", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "reconcile: request %s: %s", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "reconcile: read %s: %s", path, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, status.Errorf(codes.NotFound, "reconcile: %s not found", path)
	case http.StatusNotImplemented:
		return nil, status.Errorf(codes.Unimplemented, "reconcile: peer has no %s", path)
	default:
		return nil, status.Errorf(codes.Unavailable, "reconcile: %s: unexpected status %d", path, resp.StatusCode)
	}
}

// FetchStrata downloads and parses the peer's i-th strata estimator.
// pkg/kpserver resolves "i" to a (k, N, c) triple itself; the client
// addresses estimators by index because that's how the local and
// remote parameter-set lists are walked in lockstep (spec.md §4.8 step
// 1), not by parameters the client would otherwise have to guess.
func (c *HTTPPeerClient) FetchStrata(ctx context.Context, i int) (*strata.Strata, error) {
	body, err := c.get(ctx, fmt.Sprintf("/strata/index/%d", i))
	if err != nil {
		return nil, err
	}
	return strata.Deserialize(bytes.NewReader(body), c.Hasher)
}

// FetchIBF downloads and parses the peer's IBF matching (k, N).
func (c *HTTPPeerClient) FetchIBF(ctx context.Context, k, n int) (*ibf.IBF, error) {
	body, err := c.get(ctx, fmt.Sprintf("/ibf/%d/%d", k, n))
	if err != nil {
		return nil, err
	}
	return ibf.Deserialize(bytes.NewReader(body), c.Hasher)
}

// FetchKey downloads the ascii-armored key blob for d and decodes it.
// Uses op=download rather than op=get: d is a content digest (what the
// IBF sketches are keyed on, spec.md §4.7), and op=download addresses
// the peer's BlobStore directly by that same digest, whereas op=get
// queries the Index by fingerprint/key-ID/User-ID instead.
func (c *HTTPPeerClient) FetchKey(ctx context.Context, d digest.Digest) ([]byte, error) {
	body, err := c.get(ctx, fmt.Sprintf("/pks/lookup?op=download&search=0x%s", d.String()))
	if err != nil {
		return nil, err
	}
	return armor.Decode(string(body))
}
