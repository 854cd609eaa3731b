// Package client provides the outbound HTTP client that talks to relay targets.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cors-relay-go/internal/config"
	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/model"
)

// ErrResponseTimeout is returned when the upstream does not produce response
// headers within the configured response timeout.
var ErrResponseTimeout = errors.New("upstream response timeout")

// UpstreamClient sends relayed requests to their target origin.
type UpstreamClient struct {
	httpClient      *http.Client
	responseTimeout time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and
// timeouts. Redirects are never followed. The metrics parameter is optional;
// pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.ConnectTimeout.Duration,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// The relay forwards Accept-Encoding untouched; bodies pass through as-is.
		DisableCompression: true,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		responseTimeout: cfg.Upstream.ResponseTimeout.Duration,
		logger:          logger.With("component", "upstream_client"),
		metrics:         m,
	}
}

// DoStream sends one request to target and returns the response with its body
// still streaming. The caller must close the returned body.
//
// ctx controls the whole exchange: canceling it (e.g. the client disconnects)
// aborts the upstream request and closes its connection. The response timeout
// only covers the wait for response headers.
func (c *UpstreamClient) DoStream(ctx context.Context, method, target string, header http.Header, body io.ReadCloser, contentLength int64) (*model.RelayResponse, error) {
	ctx, cancel := context.WithCancelCause(ctx)

	if contentLength == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	req.ContentLength = contentLength

	c.logger.Debug("upstream request",
		"method", method,
		"host", req.URL.Host,
	)

	var timer *time.Timer
	if c.responseTimeout > 0 {
		timer = time.AfterFunc(c.responseTimeout, func() { cancel(ErrResponseTimeout) })
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via RelayResponse
	timedOut := timer != nil && !timer.Stop()
	c.observe(method, start, resp, err)

	if err != nil {
		cause := context.Cause(ctx)
		cancel(nil)
		if errors.Is(cause, ErrResponseTimeout) {
			c.countError("timeout")
			return nil, fmt.Errorf("upstream request: %w", ErrResponseTimeout)
		}
		c.countError("transport")
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if timedOut {
		// Headers arrived as the timer fired; the context is already canceled.
		_ = resp.Body.Close()
		cancel(nil)
		c.countError("timeout")
		return nil, fmt.Errorf("upstream request: %w", ErrResponseTimeout)
	}

	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }},
		TargetURL:  target,
	}, nil
}

func (c *UpstreamClient) observe(method string, start time.Time, resp *http.Response, err error) {
	if c.metrics == nil {
		return
	}
	m := metrics.NormalizeMethod(method)
	c.metrics.UpstreamDuration.WithLabelValues(m).Observe(time.Since(start).Seconds())
	if err == nil {
		c.metrics.UpstreamResponses.WithLabelValues(m, strconv.Itoa(resp.StatusCode)).Inc()
	}
}

func (c *UpstreamClient) countError(kind string) {
	if c.metrics != nil {
		c.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
	}
}

// cancelOnClose releases the per-request context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	once   sync.Once
	cancel func()
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.cancel)
	return err
}
