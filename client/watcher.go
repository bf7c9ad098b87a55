package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// watchTimeout is the client-side deadline for a single /config/watch
// call. Spec §4.11 requires "a per-request timeout greater than 29 s" to
// clear the server's WatchTimeout cap with room to spare.
const watchTimeout = 35 * time.Second

// compensateInterval is how often the watcher re-fetches every subscribed
// config regardless of change notifications, to cover missed events
// (spec §4.11 "Compensating refresh").
const compensateInterval = 60 * time.Second

// errBackoff is how long the watcher sleeps after a failed watch request
// before retrying (spec §4.11: "On error, sleep 500 ms before retry").
const errBackoff = 500 * time.Millisecond

// Listener is invoked with the freshly rebuilt flattened config view
// after every rebuild (the initial fetch, a watch-triggered reload or a
// compensating refresh), whether or not any value changed.
type Listener func(flat map[string]any)

// ConfigClient fetches, flattens, and keeps fresh the set of config_ids a
// bootstrap file subscribes to.
type ConfigClient struct {
	cfg Config
	hc  *fasthttp.Client

	mu  sync.RWMutex
	raw map[string]map[string]any // config_id -> parsed document
	flat map[string]any

	listenersMu sync.Mutex
	listeners   []Listener

	logger *zap.Logger
}

// NewConfigClient builds a ConfigClient from a parsed bootstrap config. It
// does not fetch anything until Start is called.
func NewConfigClient(cfg Config) *ConfigClient {
	return &ConfigClient{
		cfg: cfg,
		hc:  &fasthttp.Client{},
		raw: map[string]map[string]any{},
		flat: map[string]any{},
		logger: zap.L().Named("client.config"),
	}
}

// OnChange registers a listener invoked with the new flattened view any
// time it's rebuilt.
func (c *ConfigClient) OnChange(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Flat returns the current flattened config view. Safe for concurrent use
// while Start's background tasks are running.
func (c *ConfigClient) Flat() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.flat))
	for k, v := range c.flat {
		out[k] = v
	}
	return out
}

// Start performs the initial fetch of every subscribed config_id, then
// runs the long-poll watcher and the compensating refresh task until ctx
// is canceled.
func (c *ConfigClient) Start(ctx context.Context) error {
	if err := c.refreshAll(); err != nil {
		return err
	}
	go c.watchLoop(ctx)
	go c.compensateLoop(ctx)
	return nil
}

// refreshAll re-fetches every subscribed config_id, rebuilds the merged
// and flattened views, swaps them in under the write lock, and notifies
// listeners (spec §4.11: "rebuild the flattened view, swap it under a
// write lock").
func (c *ConfigClient) refreshAll() error {
	docs := make([]any, 0, len(c.cfg.ConfigIDs))
	newRaw := make(map[string]map[string]any, len(c.cfg.ConfigIDs))

	for _, id := range c.cfg.ConfigIDs {
		content, format, err := c.fetchOne(id)
		if err != nil {
			return err
		}
		doc, err := parseDocument(content, format)
		if err != nil {
			return err
		}
		m, _ := doc.(map[string]any)
		newRaw[id] = m
		docs = append(docs, doc)
	}

	merged := MergeDocuments(docs)
	flat := Flatten(merged)

	c.mu.Lock()
	c.raw = newRaw
	c.flat = flat
	c.mu.Unlock()

	c.notify(flat)
	return nil
}

func (c *ConfigClient) notify(flat map[string]any) {
	c.listenersMu.Lock()
	ls := append([]Listener(nil), c.listeners...)
	c.listenersMu.Unlock()
	for _, l := range ls {
		l(flat)
	}
}

// fetchOne issues GET /config/get?namespace_id=…&id=… against a
// server address chosen per spec §4.11's selection rule.
func (c *ConfigClient) fetchOne(configID string) (content, format string, err error) {
	addr, err := pickAddr(c.cfg.ConfigServerAddrs)
	if err != nil {
		return "", "", err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("http://%s/api/config/get?namespace_id=%s&id=%s", addr, c.cfg.Namespace, configID))
	req.Header.SetMethod(fasthttp.MethodGet)
	if c.cfg.NamespaceToken != "" {
		req.Header.Set("X-NS-Token", c.cfg.NamespaceToken)
	}

	if err := c.hc.DoTimeout(req, resp, 10*time.Second); err != nil {
		return "", "", fmt.Errorf("client: fetch config %s: %w", configID, err)
	}

	var env struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Content string `json:"content"`
			Format  string `json:"format"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return "", "", fmt.Errorf("client: decode config %s response: %w", configID, err)
	}
	if env.Code != 0 {
		return "", "", fmt.Errorf("client: config %s: %s", configID, env.Msg)
	}
	return env.Data.Content, env.Data.Format, nil
}

// watchResponse is /config/watch's body: an absent/empty changed_config_id
// means nothing changed during this long-poll window.
type watchResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data string `json:"data"`
}

// watchLoop issues the long-poll in a tight loop per spec §4.11.
func (c *ConfigClient) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		changed, err := c.watchOnce()
		if err != nil {
			c.logger.Warn("watch failed, backing off", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(errBackoff):
			}
			continue
		}

		if changed == "" {
			continue // immediately re-poll
		}

		c.logger.Info("config changed, reloading", zap.String("config_id", changed))
		if err := c.refreshAll(); err != nil {
			c.logger.Warn("reload after change notification failed", zap.Error(err))
		}
	}
}

func (c *ConfigClient) watchOnce() (changedConfigID string, err error) {
	addr, err := pickAddr(c.cfg.ConfigServerAddrs)
	if err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("http://%s/api/config/watch?namespace_id=%s", addr, c.cfg.Namespace))
	req.Header.SetMethod(fasthttp.MethodGet)
	if c.cfg.NamespaceToken != "" {
		req.Header.Set("X-NS-Token", c.cfg.NamespaceToken)
	}

	if err := c.hc.DoTimeout(req, resp, watchTimeout); err != nil {
		return "", fmt.Errorf("client: watch: %w", err)
	}

	var wr watchResponse
	if err := json.Unmarshal(resp.Body(), &wr); err != nil {
		return "", fmt.Errorf("client: decode watch response: %w", err)
	}
	if wr.Code != 0 {
		return "", fmt.Errorf("client: watch: %s", wr.Msg)
	}
	c.logger.Debug("no changed", zap.Bool("changed", wr.Data != ""))
	return wr.Data, nil
}

// compensateLoop periodically re-fetches everything regardless of change
// notifications, covering any watch notification this client missed.
func (c *ConfigClient) compensateLoop(ctx context.Context) {
	t := time.NewTicker(compensateInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.refreshAll(); err != nil {
				c.logger.Warn("compensating refresh failed", zap.Error(err))
			}
		}
	}
}
