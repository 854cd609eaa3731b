// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
)

// RelayRequest represents an inbound client request to be relayed.
// URI is the raw request URI (path and query) as received, e.g.
// "/https://api.example.com/Patient/123?_format=json".
type RelayRequest struct {
	Ctx           context.Context
	Method        string
	URI           string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// RelayResponse represents the upstream response to be streamed back.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// TargetURL is the resolved upstream URL the request was sent to.
	TargetURL string
}
