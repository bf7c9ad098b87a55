package lb

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/conreg/conreg/internal/model"
	"github.com/valyala/fasthttp"
)

// InstanceSource resolves the current instance list for a service_id, the
// role *client.DiscoveryClient plays for Client below.
type InstanceSource interface {
	GetInstances(serviceID string) ([]model.ServiceInstance, error)
}

// Client rewrites "lb://service_id/path" request URIs to a concrete
// "http://ip:port/path" by resolving through a per-service-id strategy
// before every outbound call, retrying against a freshly resolved
// instance on failure. Grounded on
// original_source/client/src/lb/client.rs's LoadBalanceClient.
type Client struct {
	source InstanceSource

	mu         sync.Mutex
	strategies map[string]Strategy
	newDefault func() Strategy

	hc         *fasthttp.Client
	timeout    time.Duration
	maxRetries int
}

// NewClient builds a Client. newDefaultStrategy is called once per
// service_id the first time it's addressed, lazily building that
// service's strategy (so callers can mix strategies per service, or just
// pass `func() Strategy { return &RoundRobin{} }` for one strategy
// everywhere).
func NewClient(source InstanceSource, newDefaultStrategy func() Strategy) *Client {
	return &Client{
		source:     source,
		strategies: map[string]Strategy{},
		newDefault: newDefaultStrategy,
		hc:         &fasthttp.Client{},
		timeout:    5 * time.Second,
		maxRetries: 3,
	}
}

func (c *Client) strategyFor(serviceID string) Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.strategies[serviceID]; ok {
		return s
	}
	s := c.newDefault()
	c.strategies[serviceID] = s
	return s
}

// Do resolves an "lb://service_id/path" URI and performs the request,
// re-resolving against the service's instance list on each retry.
func (c *Client) Do(method, lbURL string, body []byte) (statusCode int, respBody []byte, err error) {
	serviceID, path, err := parseLBURL(lbURL)
	if err != nil {
		return 0, nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		instances, err := c.source.GetInstances(serviceID)
		if err != nil {
			lastErr = err
			continue
		}

		inst, err := c.strategyFor(serviceID).Pick(instances)
		if err != nil {
			lastErr = err
			continue
		}

		status, rb, err := c.doOnce(method, fmt.Sprintf("http://%s:%d%s", inst.IP, inst.Port, path), body)
		if err == nil {
			return status, rb, nil
		}
		lastErr = err
	}
	return 0, nil, fmt.Errorf("lb: %s %s: %w", method, lbURL, lastErr)
}

func (c *Client) doOnce(method, targetURL string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(targetURL)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := c.hc.DoTimeout(req, resp, c.timeout); err != nil {
		return 0, nil, err
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return resp.StatusCode(), out, nil
}

// parseLBURL splits "lb://service_id/path?query" into its service_id and
// the path+query fasthttp should dial against the resolved instance.
func parseLBURL(lbURL string) (serviceID, path string, err error) {
	const scheme = "lb://"
	if !strings.HasPrefix(lbURL, scheme) {
		return "", "", fmt.Errorf("lb: url %q does not use the lb:// scheme", lbURL)
	}

	u, err := url.Parse(lbURL)
	if err != nil {
		return "", "", fmt.Errorf("lb: parse url %q: %w", lbURL, err)
	}
	serviceID = u.Host
	if serviceID == "" {
		return "", "", fmt.Errorf("lb: url %q has no service id", lbURL)
	}

	path = u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return serviceID, path, nil
}
