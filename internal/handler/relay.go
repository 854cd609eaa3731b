package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/client"
	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/middleware"
	"cors-relay-go/internal/model"
	"cors-relay-go/internal/service"
)

// streamBufSize is the chunk size used when copying upstream bodies.
const streamBufSize = 32 * 1024

// RelayHandler relays requests to the origin named in the request path.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayHandler creates a RelayHandler. m may be nil.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger, m *metrics.Metrics) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
		metrics: m,
	}
}

// Handle answers preflight requests locally and relays everything else,
// streaming the upstream response back. CORS headers are added by
// middleware.CORSHeaders.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		return c.NoContent(http.StatusOK)
	}

	pr := &model.RelayRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		URI:           requestURI(req),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}
	if target, err := service.ParseTarget(pr.URI); err == nil {
		c.Set(middleware.TargetKey, target.Host)
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already sent; a failure here (client gone, upstream
	// reset) can only truncate the body, so it is logged and not reported.
	if err := stream(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"target_host", c.Get(middleware.TargetKey),
		)
	}

	return nil
}

// stream copies body to w in order, flushing after every chunk so that
// incremental responses (e.g. server-sent events) reach the client as they
// arrive.
func stream(w *echo.Response, body io.Reader) error {
	buf := make([]byte, streamBufSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// requestURI returns the raw request target, falling back to the parsed URL
// when the request did not come off the wire.
func requestURI(req *http.Request) string {
	if req.RequestURI != "" {
		return req.RequestURI
	}
	return req.URL.RequestURI()
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrMalformedTarget) {
		h.reject("malformed_target")
		return c.String(http.StatusBadRequest,
			fmt.Sprintf("Invalid relay target (%v). Use /<absolute http or https URL>, e.g. /https://api.example.com/Patient/123\n", err))
	}

	if errors.Is(err, service.ErrMissingRequiredHeader) {
		h.reject("missing_required_header")
		return c.NoContent(http.StatusNotFound)
	}

	var originErr *service.OriginError
	if errors.As(err, &originErr) {
		reason, verb := "origin_not_allowed", "not whitelisted"
		if errors.Is(err, service.ErrOriginDenied) {
			reason, verb = "origin_denied", "blacklisted"
		}
		h.reject(reason)
		h.logger.Warn("relay rejected",
			"reason", reason,
			"target_origin", originErr.Origin,
			"origin", c.Request().Header.Get(echo.HeaderOrigin),
			"remote_ip", c.RealIP(),
		)
		return c.String(http.StatusForbidden,
			fmt.Sprintf("The target origin %q was %s by the operator of this relay.\n", originErr.Origin, verb))
	}

	host := c.Get(middleware.TargetKey)

	// Raised while the request body streams upstream, e.g. by BodyLimit on a
	// chunked body; it reaches here wrapped in a *url.Error.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		h.logger.Debug("request body rejected", "status", he.Code, "upstream_host", host)
		return c.String(he.Code, http.StatusText(he.Code)+"\n")
	}

	// A *url.Error prints the full target URL; only its cause is logged.
	logErr := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		logErr = urlErr.Err
	}

	if errors.Is(err, client.ErrResponseTimeout) {
		h.logger.Error("upstream timeout", "err", logErr, "upstream_host", host)
		return c.String(http.StatusGatewayTimeout, "Upstream timeout.\n")
	}

	if errors.Is(err, context.Canceled) {
		h.logger.Debug("client disconnected before upstream responded", "upstream_host", host)
		return c.String(http.StatusBadGateway, "Client disconnected.\n")
	}

	h.logger.Error("upstream error", "err", logErr, "upstream_host", host)

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.String(http.StatusBadGateway, "Upstream host unreachable.\n")
	}

	if urlErr != nil {
		return c.String(http.StatusBadGateway, "Upstream unreachable.\n")
	}

	return c.String(http.StatusBadGateway, "Upstream request failed.\n")
}

func (h *RelayHandler) reject(reason string) {
	if h.metrics != nil {
		h.metrics.Rejections.WithLabelValues(reason).Inc()
	}
}
