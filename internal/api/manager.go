// Package api exposes the command surface (spec.md §6 / SPEC_FULL.md §4.6)
// as JSON-over-HTTP handlers served on a Unix domain socket, mirroring the
// teacher's functional-options ApiServer.
package api

import (
	"context"
	"net"
	"net/http"
)

// ApiServer wraps http.Server with a known socket-file path for cleanup.
type ApiServer struct {
	*http.Server
	sockFile string
}

// Option configures an ApiServer at construction time.
type Option func(*ApiServer)

// NewApiServer builds a server from the given options.
func NewApiServer(options ...Option) *ApiServer {
	srv := &ApiServer{Server: &http.Server{}}
	for _, o := range options {
		o(srv)
	}
	return srv
}

// WithSockFile records the Unix socket path the server is bound to, for
// later cleanup by the caller.
func WithSockFile(sockFile string) Option {
	return func(a *ApiServer) { a.sockFile = sockFile }
}

// WithBaseContext makes ctx the base context for every accepted connection,
// so handlers observe shutdown via ctx.Done().
func WithBaseContext(ctx context.Context) Option {
	return func(a *ApiServer) {
		a.BaseContext = func(net.Listener) context.Context { return ctx }
	}
}

// WithHandler sets the server's router.
func WithHandler(mux *http.ServeMux) Option {
	return func(a *ApiServer) { a.Handler = mux }
}

// SockFile returns the bound socket path, or "" if none was configured.
func (a *ApiServer) SockFile() string { return a.sockFile }
