package main

import (
	"net/http"
	"time"

	"github.com/floegence/wsfetch/correlate"
	"github.com/floegence/wsfetch/session"
)

const (
	handshakeHeaderTimeout  = 5 * time.Second
	handshakeMaxHeaderBytes = 8 << 10 // videoID query, User-Agent and a bearer token
)

// newHTTPServer bounds the plain HTTP phase (handshake, /healthz, /metrics) by the
// session's own budgets: a response gets one write budget, and a kept-alive
// connection may sit idle for one fetch budget. Upgraded connections are hijacked
// and leave these deadlines behind.
func newHTTPServer(handler http.Handler, opts session.Options) *http.Server {
	write := opts.WriteTimeout
	if write <= 0 {
		write = session.DefaultWriteTimeout
	}
	idle := opts.Timeout
	if idle <= 0 {
		idle = correlate.DefaultTimeout
	}
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: handshakeHeaderTimeout,
		ReadTimeout:       handshakeHeaderTimeout + write,
		WriteTimeout:      write,
		IdleTimeout:       idle,
		MaxHeaderBytes:    handshakeMaxHeaderBytes,
	}
}
