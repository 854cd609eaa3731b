package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRequestLogger_TargetHost(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.Any("/*", func(c echo.Context) error {
		c.Set(TargetKey, "api.example.com")
		return c.NoContent(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/https://api.example.com/x", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if !strings.Contains(out, "target_host=api.example.com") {
		t.Errorf("log line missing target_host: %q", out)
	}
	if !strings.Contains(out, "status=204") {
		t.Errorf("log line missing status: %q", out)
	}
}

func TestRequestLogger_ErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/boom", func(c echo.Context) error {
		return errors.New("boom")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", http.NoBody))

	if !strings.Contains(buf.String(), "status=500") {
		t.Errorf("log line should report 500 for a plain error: %q", buf.String())
	}
}

func TestRequestLogger_RedactsRelayPath(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.Any("/*", func(c echo.Context) error {
		c.Set(TargetKey, "fhir.example.com")
		return c.NoContent(http.StatusOK)
	})

	e.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/https://fhir.example.com/Patient/123?name=doe", http.NoBody))

	out := buf.String()
	if !strings.Contains(out, "path=relay") {
		t.Errorf("log line should collapse the relay path: %q", out)
	}
	if !strings.Contains(out, "target_host=fhir.example.com") {
		t.Errorf("log line missing target_host: %q", out)
	}
	for _, leaked := range []string{"Patient", "name=doe"} {
		if strings.Contains(out, leaked) {
			t.Errorf("log line leaks %q from the target URL: %q", leaked, out)
		}
	}
}

func TestLogPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/https://fhir.example.com/Patient/123", "relay"},
		{"/http://localhost:9001/hello", "relay"},
		{"/healthz", "/healthz"},
		{"/favicon.ico", "/favicon.ico"},
	}
	for _, tt := range tests {
		if got := LogPath(tt.path); got != tt.want {
			t.Errorf("LogPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
