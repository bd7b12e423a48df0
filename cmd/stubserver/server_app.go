package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pingcap/errors"
)

const defaultAddress = "localhost:8080"

// HTTPServer bundles the listener and the HTTP server serving the map API.
type HTTPServer struct {
	lis net.Listener
	s   *http.Server
}

// NewHTTPServer listens on STUB_ADDRESS (default localhost:8080) and
// prepares the map API handlers.
func NewHTTPServer() (*HTTPServer, error) {
	addr := os.Getenv("STUB_ADDRESS")
	if strings.TrimSpace(addr) == "" {
		addr = defaultAddress
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to listen on %s", addr)
	}

	s := &http.Server{
		Handler:           newMapsHandler(newMapStore()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &HTTPServer{lis: lis, s: s}, nil
}

// Serve blocks serving requests until Stop is called.
func (h *HTTPServer) Serve() error {
	if err := h.s.Serve(h.lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the network address the server is bound to.
func (h *HTTPServer) Addr() net.Addr { return h.lis.Addr() }

// Stop lets in-flight requests finish, bounded by ctx.
func (h *HTTPServer) Stop(ctx context.Context) error { return h.s.Shutdown(ctx) }
