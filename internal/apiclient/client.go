// Package apiclient talks to the REST backend. Every response comes back in
// the backend's {data, error} envelope. Mutating calls that fail while the
// device is offline are handed to the retry queue and replayed once per
// offline-to-online transition.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"slidesync/internal/netmon"
	"slidesync/internal/retryqueue"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrQueued means the request could not reach the backend and was queued
	// for replay. The optimistic local state stands.
	ErrQueued = errors.New("request queued for replay")

	ErrUnauthorized = errors.New("unauthorized")
)

// Response is the backend's uniform response envelope.
type Response struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
	queue   *retryqueue.Queue
	net     *netmon.Monitor
	log     *slog.Logger
	devMode bool

	// SignOutCallback fires on a 401 from the backend: the stored session is
	// no longer valid.
	SignOutCallback func()
}

type Config struct {
	BaseURL string
	Queue   *retryqueue.Queue
	Net     *netmon.Monitor
	Logger  *slog.Logger
	DevMode bool
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	c := &Client{
		baseURL: cfg.BaseURL,
		http:    httpClient,
		queue:   cfg.Queue,
		net:     cfg.Net,
		log:     cfg.Logger.With("component", "apiclient"),
		devMode: cfg.DevMode,
	}
	if cfg.Net != nil && cfg.Queue != nil {
		cfg.Net.Subscribe(func(online bool) {
			if online {
				go c.replayQueued()
			}
		})
	}
	return c
}

// Do executes one request against the backend and decodes the envelope. For
// mutating verbs, a transport-level failure while offline enqueues the
// request and returns ErrQueued.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	resp, err := c.execute(ctx, method, path, payload)
	if err != nil {
		if isMutating(method) {
			return nil, c.enqueue(method, path, payload, err)
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) execute(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.log.Debug("api request", "method", method, "path", path)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode == http.StatusUnauthorized {
		if c.SignOutCallback != nil {
			c.SignOutCallback()
		}
		return nil, ErrUnauthorized
	}

	var resp Response
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}

	if httpResp.StatusCode >= http.StatusInternalServerError && isMutating(method) && c.devMode {
		// Diagnostic surface for development builds only.
		c.log.Warn("backend returned 5xx on mutating request",
			"method", method, "path", path, "status", httpResp.StatusCode, "error", resp.Error)
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		msg := resp.Error
		if msg == "" {
			msg = httpResp.Status
		}
		return &resp, fmt.Errorf("backend error: %s", msg)
	}
	return &resp, nil
}

func (c *Client) enqueue(method, path string, payload []byte, cause error) error {
	if c.queue == nil || (c.net != nil && c.net.Online()) {
		// Online failures are real errors, not connectivity blips.
		return cause
	}

	c.log.Debug("queueing failed request", "method", method, "path", path, "cause", cause)
	err := c.queue.Enqueue(retryqueue.Request{
		ID:        gonanoid.Must(),
		Method:    method,
		Path:      path,
		Body:      payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("enqueue failed request: %w", err)
	}
	return ErrQueued
}

func (c *Client) replayQueued() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	err := c.queue.Replay(ctx, func(ctx context.Context, req retryqueue.Request) error {
		_, err := c.execute(ctx, req.Method, req.Path, req.Body)
		return err
	})
	if err != nil {
		c.log.Warn("replay of queued requests stopped", "error", err)
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
