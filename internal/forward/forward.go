// Package forward implements the C10 leader-forward proxy: when a write
// lands on a non-leader, it performs a single HTTP POST to the leader's
// corresponding endpoint with the original JSON payload and relays the
// response back verbatim.
package forward

import (
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrNoLeader is returned when there is no known leader address to forward
// to, distinct from a timeout/network error reaching a leader that is
// known.
var ErrNoLeader = errors.New("forward: no known leader")

// Proxy relays a single write to the cluster's current leader.
type Proxy struct {
	client  *fasthttp.Client
	timeout time.Duration
}

// New builds a Proxy with the given per-request timeout.
func New(timeout time.Duration) *Proxy {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Proxy{client: &fasthttp.Client{}, timeout: timeout}
}

// Forward POSTs body to scheme://leaderAddr/path and returns the leader's
// status code and body. leaderAddr must already be an http(s) host:port;
// callers resolve the raft bind address to an HTTP address out of band
// (httpapi does so with leaderHTTPAddr, an identity mapping).
func (p *Proxy) Forward(leaderHTTPAddr, path string, body []byte) (statusCode int, respBody []byte, err error) {
	if leaderHTTPAddr == "" {
		return 0, nil, ErrNoLeader
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("http://%s%s", leaderHTTPAddr, path))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := p.client.DoTimeout(req, resp, p.timeout); err != nil {
		return 0, nil, fmt.Errorf("forward: request to leader %s: %w", leaderHTTPAddr, err)
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return resp.StatusCode(), out, nil
}
