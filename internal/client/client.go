// Package client talks to a running agent over its /_agent control surface
// and exposes it to the update coordinator.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/evagent/agent"
	"github.com/briangreenhill/evagent/coordinator"
)

// ErrNotRegistered is returned when the agent has no registration
var ErrNotRegistered = errors.New("client: agent not registered")

// CacheInfo mirrors one row of GET /_agent/caches
type CacheInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

// Client is a remote coordinator.Container
type Client struct {
	baseURL      string
	token        string
	http         *http.Client
	pollInterval time.Duration
	log          zerolog.Logger

	mu   sync.Mutex
	regs []*Registration
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// New creates a client for the agent at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: 2 * time.Second,
		log:          zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// statusError is a non-2xx reply from the agent
type statusError struct {
	Method string
	Path   string
	Code   int
	Msg    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Msg)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close response body")
		}
	}()

	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		return &statusError{Method: method, Path: path, Code: resp.StatusCode, Msg: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func statusIs(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.Code == code
}

// Info returns the agent's registration snapshot
func (c *Client) Info(ctx context.Context) (agent.Info, error) {
	var info agent.Info
	err := c.do(ctx, http.MethodGet, "/_agent/registration", &info)
	if statusIs(err, http.StatusNotFound) {
		return agent.Info{}, ErrNotRegistered
	}
	return info, err
}

// Update asks the agent to re-read its manifest and install a new version
func (c *Client) Update(ctx context.Context) (agent.Info, error) {
	var info agent.Info
	err := c.do(ctx, http.MethodPost, "/_agent/update", &info)
	return info, err
}

// SkipWaiting asks the waiting worker to take over
func (c *Client) SkipWaiting(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/_agent/skip-waiting", nil)
	switch {
	case statusIs(err, http.StatusConflict):
		return agent.ErrNoWaiting
	case statusIs(err, http.StatusNotFound):
		return ErrNotRegistered
	}
	return err
}

// Caches lists the agent's cache generations
func (c *Client) Caches(ctx context.Context) ([]CacheInfo, error) {
	var out []CacheInfo
	err := c.do(ctx, http.MethodGet, "/_agent/caches", &out)
	return out, err
}

// Register attaches to the agent's registration, asking the agent to
// install its manifest first when nothing is registered. The returned
// registration polls the agent until Close.
func (c *Client) Register(ctx context.Context) (coordinator.Registration, error) {
	info, err := c.Info(ctx)
	if errors.Is(err, ErrNotRegistered) {
		info, err = c.Update(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return c.watch(info), nil
}

// Registrations returns the agent's registration, if any
func (c *Client) Registrations(ctx context.Context) ([]coordinator.Registration, error) {
	info, err := c.Info(ctx)
	if errors.Is(err, ErrNotRegistered) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []coordinator.Registration{c.watch(info)}, nil
}

// Unregister removes the agent's registration and stops polling it
func (c *Client) Unregister(ctx context.Context, reg coordinator.Registration) error {
	if r, ok := reg.(*Registration); ok {
		r.Close()
	}
	err := c.do(ctx, http.MethodDelete, "/_agent/registration", nil)
	if statusIs(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// Close stops every registration this client is polling
func (c *Client) Close() {
	c.mu.Lock()
	regs := c.regs
	c.regs = nil
	c.mu.Unlock()
	for _, r := range regs {
		r.Close()
	}
}

func (c *Client) watch(info agent.Info) *Registration {
	r := newRegistration(c, info)
	c.mu.Lock()
	c.regs = append(c.regs, r)
	c.mu.Unlock()
	go r.run(c.pollInterval)
	return r
}
