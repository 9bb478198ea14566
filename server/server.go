// Package server accepts peer websocket connections and runs one fetch session per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/floegence/wsfetch/chunk"
	"github.com/floegence/wsfetch/observability"
	"github.com/floegence/wsfetch/ratelimit"
	"github.com/floegence/wsfetch/realtime/ws"
	"github.com/floegence/wsfetch/session"
)

// VideoIDLength is the exact length of an accepted videoID.
const VideoIDLength = 11

var (
	ErrMissingTask = errors.New("missing task factory")
	ErrChunkSize   = errors.New("invalid max chunk size")
)

// TaskFactory builds the domain task for one accepted connection.
type TaskFactory func(videoID string) session.Task

type Config struct {
	Path string // WebSocket endpoint path (e.g. "/v1").

	AllowedOrigins []string // Allowed Origin values; empty admits all.
	AllowNoOrigin  bool     // Whether to allow requests without Origin.

	MaxConns  int   // Maximum concurrent sessions.
	ReadLimit int64 // Max bytes per inbound websocket message.

	JWTSecret   []byte // HS256 secret; empty disables bearer authentication.
	JWTIssuer   string // Expected "iss" when set.
	JWTAudience string // Expected "aud" when set.

	RateLimit ratelimit.Config // Per-User-Agent admission limit.

	Session session.Options // Per-connection session options (logger and observers are filled in).

	Task TaskFactory // Required.

	Logger        *log.Logger
	Observer      observability.SessionObserver
	FetchObserver observability.FetchObserver
}

// DefaultConfig returns conservative defaults for a fetch server.
func DefaultConfig() Config {
	return Config{
		Path:          "/v1",
		AllowNoOrigin: true,
		MaxConns:      1000,
		ReadLimit:     16 << 20,
		RateLimit:     ratelimit.DefaultConfig(),
		Observer:      observability.NoopSessionObserver,
		FetchObserver: observability.NoopFetchObserver,
	}
}

// Server admits websocket peers and runs their sessions.
type Server struct {
	cfg     Config
	auth    *Authenticator
	limiter *ratelimit.Limiter
	logger  *log.Logger
	obs     observability.SessionObserver

	connCount int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// mu orders wg.Add in handlers against Close's wg.Wait.
	mu      sync.Mutex
	closing bool
}

// Stats captures a snapshot of server counts.
type Stats struct {
	Sessions int64
}

// New validates config and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Task == nil {
		return nil, ErrMissingTask
	}
	if cfg.Path == "" {
		cfg.Path = "/v1"
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 1000
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 16 << 20
	}
	if err := checkChunking(cfg); err != nil {
		return nil, err
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopSessionObserver
	}
	if cfg.FetchObserver == nil {
		cfg.FetchObserver = observability.NoopFetchObserver
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		auth:    NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		limiter: ratelimit.New(cfg.RateLimit),
		logger:  cfg.Logger,
		obs:     cfg.Observer,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// checkChunking rejects an advertised chunk size whose frames the read limit would
// refuse, or whose largest reassembled message would need more chunks than
// reassembly accepts.
func checkChunking(cfg Config) error {
	size := cfg.Session.MaxChunkSize
	switch {
	case size == 0:
		return nil
	case size < 0:
		return fmt.Errorf("%w: %d", ErrChunkSize, size)
	case int64(size)+chunk.HeaderSize > cfg.ReadLimit:
		return fmt.Errorf("%w: %d-byte chunks exceed the %d-byte read limit", ErrChunkSize, size, cfg.ReadLimit)
	}
	maxChunks := cfg.Session.Reassembly.MaxChunks
	if maxChunks <= 0 {
		maxChunks = chunk.DefaultMaxChunks
	}
	maxBytes := cfg.Session.Reassembly.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = chunk.DefaultMaxMessageBytes
	}
	if need := (maxBytes + size - 1) / size; need > maxChunks {
		return fmt.Errorf("%w: a %d-byte message would span %d chunks of %d bytes; reassembly accepts %d",
			ErrChunkSize, maxBytes, need, size, maxChunks)
	}
	return nil
}

// Register installs the websocket and health endpoints on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Stats returns a point-in-time view of session counts.
func (s *Server) Stats() Stats {
	return Stats{Sessions: atomic.LoadInt64(&s.connCount)}
}

// SetRateLimit swaps the admission policy without dropping sessions.
func (s *Server) SetRateLimit(cfg ratelimit.Config) {
	s.limiter.SetConfig(cfg)
}

// Close cancels running sessions and waits for them to finish or ctx to end.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stopOnce.Do(s.cancel)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ValidVideoID reports whether id has the shape of a YouTube video id.
func ValidVideoID(id string) bool {
	if len(id) != VideoIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// enterHandler registers a handler with the shutdown wait group unless Close has begun.
func (s *Server) enterHandler() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.enterHandler() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()
	videoID := r.URL.Query().Get("videoID")
	if videoID == "" {
		s.obs.Accept(observability.AcceptResultFail, observability.AcceptReasonInvalidVideoID)
		http.Error(w, "Missing videoID", http.StatusBadRequest)
		return
	}
	if !ValidVideoID(videoID) {
		s.obs.Accept(observability.AcceptResultFail, observability.AcceptReasonInvalidVideoID)
		http.Error(w, "Invalid videoID", http.StatusBadRequest)
		return
	}
	if s.auth != nil {
		if _, err := s.auth.Authenticate(r); err != nil {
			s.obs.Accept(observability.AcceptResultFail, observability.AcceptReasonUnauthorized)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if !s.limiter.Allow(ratelimit.KeyFromRequest(r)) {
		s.obs.Accept(observability.AcceptResultFail, observability.AcceptReasonRateLimited)
		w.Header().Set("Retry-After", "60")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}
	if !s.trackConn() {
		s.obs.Accept(observability.AcceptResultFail, observability.AcceptReasonTooManyConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.untrackConn()

	c, err := ws.Upgrade(w, r, ws.UpgraderOptions{
		ReadLimit:   s.cfg.ReadLimit,
		CheckOrigin: ws.NewOriginChecker(s.cfg.AllowedOrigins, s.cfg.AllowNoOrigin),
	})
	if err != nil {
		s.obs.Accept(observability.AcceptResultFail, observability.AcceptReasonUpgradeError)
		return
	}
	s.obs.Accept(observability.AcceptResultOK, observability.AcceptReasonOK)

	opts := s.cfg.Session
	opts.Logger = s.logger
	opts.Observer = s.obs
	opts.FetchObserver = s.cfg.FetchObserver
	start := time.Now()
	err = session.New(c, opts).Run(s.ctx, s.cfg.Task(videoID))
	if err != nil {
		s.logger.Printf("server: session %s from %s failed after %s: %v", videoID, c.RemoteAddr(), time.Since(start).Round(time.Millisecond), err)
		return
	}
	s.logger.Printf("server: session %s from %s done in %s", videoID, c.RemoteAddr(), time.Since(start).Round(time.Millisecond))
}

// trackConn increments the session count and enforces MaxConns.
func (s *Server) trackConn() bool {
	n := atomic.AddInt64(&s.connCount, 1)
	if n > int64(s.cfg.MaxConns) {
		n = atomic.AddInt64(&s.connCount, -1)
		s.obs.SessionCount(n)
		return false
	}
	s.obs.SessionCount(n)
	return true
}

func (s *Server) untrackConn() {
	s.obs.SessionCount(atomic.AddInt64(&s.connCount, -1))
}
