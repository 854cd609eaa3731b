// Package service implements the relay policy: which requests may be relayed,
// where they go, and which headers cross the relay in each direction.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"cors-relay-go/internal/client"
	"cors-relay-go/internal/config"
	"cors-relay-go/internal/model"
)

var (
	// ErrMalformedTarget is returned when the request path does not carry an
	// absolute http(s) URL.
	ErrMalformedTarget = errors.New("malformed target URL")
	// ErrMissingRequiredHeader is returned when none of the required headers is present.
	ErrMissingRequiredHeader = errors.New("missing required header")
	// ErrOriginNotAllowed is returned when the target origin is not whitelisted.
	ErrOriginNotAllowed = errors.New("target origin not whitelisted")
	// ErrOriginDenied is returned when the target origin is blacklisted.
	ErrOriginDenied = errors.New("target origin blacklisted")
)

// OriginError carries the rejected target origin.
type OriginError struct {
	Origin string
	Err    error
}

func (e *OriginError) Error() string { return fmt.Sprintf("%s: %s", e.Err, e.Origin) }

func (e *OriginError) Unwrap() error { return e.Err }

// hopByHopHeaders are connection-scoped and never cross the relay.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// headerSet is a case-insensitive set of header names.
type headerSet map[string]struct{}

func newHeaderSet(names []string) headerSet {
	s := make(headerSet, len(names))
	for _, n := range names {
		s[textproto.CanonicalMIMEHeaderKey(n)] = struct{}{}
	}
	return s
}

func (s headerSet) has(name string) bool {
	_, ok := s[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// RelayService decides whether a request may be relayed and forwards it.
// All policy is derived from the config at construction and is read-only
// afterwards, so a RelayService is safe for concurrent use.
type RelayService struct {
	client *client.UpstreamClient
	logger *slog.Logger

	requireHeader []string
	removeHeaders headerSet
	setHeaders    http.Header
	whitelist     map[string]struct{}
	blacklist     map[string]struct{}
}

// NewRelayService creates a RelayService from the relay section of cfg.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *RelayService {
	setHeaders := make(http.Header, len(cfg.Relay.SetHeaders))
	for k, v := range cfg.Relay.SetHeaders {
		setHeaders.Set(k, v)
	}

	return &RelayService{
		client:        c,
		logger:        logger.With("component", "relay_service"),
		requireHeader: cfg.Relay.RequireHeader,
		removeHeaders: newHeaderSet(cfg.Relay.RemoveHeaders),
		setHeaders:    setHeaders,
		whitelist:     originSet(cfg.Relay.OriginWhitelist),
		blacklist:     originSet(cfg.Relay.OriginBlacklist),
	}
}

func originSet(origins []string) map[string]struct{} {
	s := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		s[o] = struct{}{}
	}
	return s
}

// Forward checks pr against the relay policy and, if it passes, sends it to
// the target origin. No upstream call is made when a check fails.
// The caller is responsible for closing the response body.
func (s *RelayService) Forward(pr *model.RelayRequest) (*model.RelayResponse, error) {
	target, err := ParseTarget(pr.URI)
	if err != nil {
		return nil, err
	}
	if err := s.checkRequiredHeader(pr.Header); err != nil {
		return nil, err
	}
	if err := s.checkOrigin(target); err != nil {
		return nil, err
	}

	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("relaying request",
		"method", pr.Method,
		"target_host", target.Host,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target.String(), header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("relay to %s: %w", target.Host, err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header, target)
	return resp, nil
}

// ParseTarget extracts the absolute target URL from a relay request URI such
// as "/https://api.example.com/Patient/123?x=1".
func ParseTarget(uri string) (*url.URL, error) {
	raw := strings.TrimPrefix(uri, "/")
	if raw == "" {
		return nil, fmt.Errorf("%w: empty target", ErrMalformedTarget)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrMalformedTarget)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrMalformedTarget)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: credentials in target URL", ErrMalformedTarget)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

func (s *RelayService) checkRequiredHeader(h http.Header) error {
	if len(s.requireHeader) == 0 {
		return nil
	}
	for _, name := range s.requireHeader {
		if len(h.Values(name)) > 0 {
			return nil
		}
	}
	return ErrMissingRequiredHeader
}

func (s *RelayService) checkOrigin(target *url.URL) error {
	origin := config.OriginOf(target)
	if _, denied := s.blacklist[origin]; denied {
		return &OriginError{Origin: origin, Err: ErrOriginDenied}
	}
	if len(s.whitelist) == 0 {
		return nil
	}
	if _, ok := s.whitelist[origin]; !ok {
		return &OriginError{Origin: origin, Err: ErrOriginNotAllowed}
	}
	return nil
}

// filterRequestHeaders copies src without hop-by-hop headers, the configured
// strip-list and Host, then applies the configured outbound headers.
func (s *RelayService) filterRequestHeaders(src http.Header) http.Header {
	drop := connectionHeaders(src)
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if drop.has(key) || s.removeHeaders.has(key) || strings.EqualFold(key, "Host") {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	for key, vals := range s.setHeaders {
		dst[key] = vals
	}
	if _, ok := dst["User-Agent"]; !ok {
		// Keep net/http from adding its own User-Agent.
		dst["User-Agent"] = []string{""}
	}
	return dst
}

// filterResponseHeaders drops hop-by-hop headers, makes redirects point back
// through the relay and records the resolved target URL.
func (s *RelayService) filterResponseHeaders(src http.Header, target *url.URL) http.Header {
	drop := connectionHeaders(src)
	dst := make(http.Header, len(src)+1)
	for key, vals := range src {
		if drop.has(key) {
			continue
		}
		dst[key] = vals
	}
	if loc := dst.Get("Location"); loc != "" {
		if rewritten, ok := rewriteLocation(loc, target); ok {
			dst.Set("Location", rewritten)
		}
	}
	dst.Set("X-Request-Url", target.String())
	return dst
}

// connectionHeaders returns the hop-by-hop set plus any header named in the
// Connection header.
func connectionHeaders(h http.Header) headerSet {
	drop := newHeaderSet(hopByHopHeaders)
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				drop[textproto.CanonicalMIMEHeaderKey(name)] = struct{}{}
			}
		}
	}
	return drop
}

// rewriteLocation resolves loc against the target and prefixes it with "/"
// so that following the redirect goes through the relay again.
func rewriteLocation(loc string, target *url.URL) (string, bool) {
	ref, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	abs := target.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	return "/" + abs.String(), true
}
