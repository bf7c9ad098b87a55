package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/conreg/conreg/internal/model"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// heartbeatInterval and syncInterval match spec §4.11: "a heartbeat task
// every 5 s ... a sync task every 30 s".
const (
	heartbeatInterval = 5 * time.Second
	syncInterval      = 30 * time.Second
)

// heartbeatResult mirrors the server's 3-valued /discovery/heartbeat
// response (spec §6).
type heartbeatResult string

const (
	heartbeatOk              heartbeatResult = "Ok"
	heartbeatNoInstanceFound heartbeatResult = "NoInstanceFound"
	heartbeatUnknown         heartbeatResult = "Unknown"
)

// DiscoveryClient registers this process as a service instance, keeps it
// alive with heartbeats, and resolves other services' instance lists
// through a local cache refreshed on a timer.
type DiscoveryClient struct {
	cfg  Config
	self model.ServiceInstance
	hc   *fasthttp.Client

	mu      sync.RWMutex
	tracked map[string][]model.ServiceInstance // service_id -> cached instances

	logger *zap.Logger
}

// NewDiscoveryClient builds a DiscoveryClient for the descriptor carried
// in cfg (service_id/address/port). cfg.Namespace scopes both the self
// registration and every instance lookup.
func NewDiscoveryClient(cfg Config, metadata map[string]string) *DiscoveryClient {
	return &DiscoveryClient{
		cfg: cfg,
		self: model.ServiceInstance{
			NamespaceID: cfg.Namespace,
			ServiceID:   cfg.ServiceID,
			IP:          cfg.ClientAddress,
			Port:        cfg.ClientPort,
			Metadata:    metadata,
		},
		hc:      &fasthttp.Client{},
		tracked: map[string][]model.ServiceInstance{},
		logger:  zap.L().Named("client.discovery"),
	}
}

// Start registers this instance and launches the heartbeat and sync
// background tasks. Per spec §4.11, a freshly registered instance starts
// non-available (Ready) until its first successful heartbeat — this is a
// deliberate tradeoff against registering flapping instances as
// immediately available.
func (d *DiscoveryClient) Start(ctx context.Context) error {
	if err := d.register(); err != nil {
		return err
	}
	go d.heartbeatLoop(ctx)
	go d.syncLoop(ctx)
	return nil
}

func (d *DiscoveryClient) register() error {
	body, err := json.Marshal(map[string]any{
		"namespace_id": d.self.NamespaceID,
		"service_id":   d.self.ServiceID,
		"ip":           d.self.IP,
		"port":         d.self.Port,
		"metadata":     d.self.Metadata,
	})
	if err != nil {
		return err
	}

	env, err := d.post("/api/discovery/instance/register", body)
	if err != nil {
		return err
	}

	var inst model.ServiceInstance
	if err := remarshal(env.Data, &inst); err != nil {
		return fmt.Errorf("client: decode registered instance: %w", err)
	}
	d.self = inst
	return nil
}

func (d *DiscoveryClient) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.heartbeatOnce()
		}
	}
}

func (d *DiscoveryClient) heartbeatOnce() {
	body, err := json.Marshal(map[string]string{
		"namespace_id": d.self.NamespaceID,
		"service_id":   d.self.ServiceID,
		"instance_id":  d.self.InstanceID,
	})
	if err != nil {
		d.logger.Warn("encode heartbeat body", zap.Error(err))
		return
	}

	env, err := d.post("/api/discovery/heartbeat", body)
	if err != nil {
		d.logger.Warn("heartbeat request failed", zap.Error(err))
		return
	}

	var data string
	if err := remarshal(env.Data, &data); err != nil {
		d.logger.Warn("decode heartbeat result", zap.Error(err))
		return
	}

	switch heartbeatResult(data) {
	case heartbeatOk:
	case heartbeatNoInstanceFound:
		d.logger.Info("instance unknown to server, re-registering")
		if err := d.register(); err != nil {
			d.logger.Warn("re-register after NoInstanceFound failed", zap.Error(err))
		}
	case heartbeatUnknown:
		d.logger.Warn("heartbeat returned Unknown")
	}
}

// syncLoop periodically refreshes the cached instance list for every
// service_id this client has ever queried, per spec §4.11's "sync task".
func (d *DiscoveryClient) syncLoop(ctx context.Context) {
	t := time.NewTicker(syncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.mu.RLock()
			serviceIDs := make([]string, 0, len(d.tracked))
			for id := range d.tracked {
				serviceIDs = append(serviceIDs, id)
			}
			d.mu.RUnlock()

			for _, id := range serviceIDs {
				if _, err := d.fetchInstances(id); err != nil {
					d.logger.Warn("sync refresh failed", zap.String("service_id", id), zap.Error(err))
				}
			}
		}
	}
}

// GetInstances returns the cached instance list for serviceID if present;
// otherwise it performs a synchronous fetch, caches the result, and
// returns it (spec §4.11 "Instance lookup").
func (d *DiscoveryClient) GetInstances(serviceID string) ([]model.ServiceInstance, error) {
	d.mu.RLock()
	cached, ok := d.tracked[serviceID]
	d.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return d.fetchInstances(serviceID)
}

func (d *DiscoveryClient) fetchInstances(serviceID string) ([]model.ServiceInstance, error) {
	addr, err := pickAddr(d.cfg.DiscoveryServerAddrs)
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("http://%s/api/discovery/instance/available?namespace_id=%s&service_id=%s",
		addr, d.self.NamespaceID, serviceID))
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := d.hc.DoTimeout(req, resp, 5*time.Second); err != nil {
		return nil, fmt.Errorf("client: fetch instances for %s: %w", serviceID, err)
	}

	var env struct {
		Code int                      `json:"code"`
		Msg  string                   `json:"msg"`
		Data []model.ServiceInstance `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("client: decode instances response: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("client: fetch instances for %s: %s", serviceID, env.Msg)
	}

	d.mu.Lock()
	d.tracked[serviceID] = env.Data
	d.mu.Unlock()
	return env.Data, nil
}

func (d *DiscoveryClient) post(path string, body []byte) (model.Envelope, error) {
	addr, err := pickAddr(d.cfg.DiscoveryServerAddrs)
	if err != nil {
		return model.Envelope{}, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("http://%s%s", addr, path))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := d.hc.DoTimeout(req, resp, 5*time.Second); err != nil {
		return model.Envelope{}, fmt.Errorf("client: request to %s: %w", addr, err)
	}

	var env model.Envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return model.Envelope{}, fmt.Errorf("client: decode response: %w", err)
	}
	return env, nil
}

func remarshal(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
