package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// DefaultAllowMethods is advertised when the upstream sends no Allow header.
const DefaultAllowMethods = "GET,POST,PUT,PATCH,DELETE,OPTIONS"

// CORSHeaders returns an Echo middleware that sets the relay's CORS header set
// on every response, including preflight, error and relayed responses.
// Headers are applied just before the status line is written so they
// overwrite any Access-Control-Allow-* headers copied from the upstream.
// maxAge (seconds) is sent on preflight responses when positive.
func CORSHeaders(maxAge int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			res.Before(func() {
				setCORSHeaders(req, res.Header(), maxAge)
			})
			return next(c)
		}
	}
}

func setCORSHeaders(req *http.Request, h http.Header, maxAge int) {
	preflight := req.Method == http.MethodOptions

	var expose []string
	if !preflight {
		for key := range h {
			if !strings.HasPrefix(key, "Access-Control-") {
				expose = append(expose, key)
			}
		}
		slices.Sort(expose)
	}

	for _, key := range []string{
		echo.HeaderAccessControlAllowOrigin,
		echo.HeaderAccessControlAllowMethods,
		echo.HeaderAccessControlAllowHeaders,
		echo.HeaderAccessControlAllowCredentials,
		echo.HeaderAccessControlExposeHeaders,
		echo.HeaderAccessControlMaxAge,
	} {
		h.Del(key)
	}

	origin := req.Header.Get(echo.HeaderOrigin)
	if origin == "" {
		origin = "*"
	}
	h.Set(echo.HeaderAccessControlAllowOrigin, origin)

	methods := h.Get(echo.HeaderAllow)
	if methods == "" {
		methods = DefaultAllowMethods
	}
	h.Set(echo.HeaderAccessControlAllowMethods, methods)

	if reqHeaders := req.Header.Get(echo.HeaderAccessControlRequestHeaders); reqHeaders != "" {
		h.Set(echo.HeaderAccessControlAllowHeaders, reqHeaders)
	}
	if origin != "*" {
		h.Set(echo.HeaderAccessControlAllowCredentials, "true")
		h.Add(echo.HeaderVary, echo.HeaderOrigin)
	}
	if len(expose) > 0 {
		h.Set(echo.HeaderAccessControlExposeHeaders, strings.Join(expose, ","))
	}
	if preflight && maxAge > 0 {
		h.Set(echo.HeaderAccessControlMaxAge, strconv.Itoa(maxAge))
	}
}
