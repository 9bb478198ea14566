// Package peer is a reference implementation of the peer side: it performs the
// server's url_request envelopes with a real HTTP client and streams the answers back.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/floegence/wsfetch/chunk"
	"github.com/floegence/wsfetch/fetcherr"
	"github.com/floegence/wsfetch/observability"
	"github.com/floegence/wsfetch/protocol"
	"github.com/floegence/wsfetch/realtime/ws"
	"github.com/gorilla/websocket"
)

const (
	DefaultMaxChunkSize   = 64 << 10
	DefaultMaxRedirects   = 10
	DefaultRequestTimeout = 20 * time.Second
	DefaultMaxConcurrent  = 8
	DefaultMaxBodyBytes   = 32 << 20
	DefaultWriteTimeout   = 10 * time.Second

	// ErrorHeader carries the fetcherr code when the peer could not perform a request.
	ErrorHeader = "x-wsfetch-error"
)

var ErrUnexpectedClose = errors.New("server closed the connection without a result")

// RemoteError is the server's terminal error envelope.
type RemoteError struct {
	Message string
	Code    fetcherr.Code // Derived from the close frame, when one arrived.
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error (%s): %s", e.Code, e.Message)
	}
	return "server error: " + e.Message
}

type Config struct {
	// HTTPClient supplies the transport for upstream requests. Its redirect policy
	// and jar are replaced per request.
	HTTPClient *http.Client

	MaxChunkSize   int           // Used when a request does not advertise max_message_chunk_size.
	MaxRedirects   int           // Redirect hops followed per request.
	RequestTimeout time.Duration // Per upstream request, including redirects.
	MaxConcurrent  int           // Requests performed in parallel.
	MaxBodyBytes   int64         // Upstream body limit.
	WriteTimeout   time.Duration // Per outbound websocket message.

	Logger   *log.Logger
	Observer observability.PeerObserver
}

// DefaultConfig returns the reference peer defaults.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize:   DefaultMaxChunkSize,
		MaxRedirects:   DefaultMaxRedirects,
		RequestTimeout: DefaultRequestTimeout,
		MaxConcurrent:  DefaultMaxConcurrent,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		WriteTimeout:   DefaultWriteTimeout,
	}
}

// Peer answers url_request envelopes on one connection at a time.
type Peer struct {
	cfg    Config
	logger *log.Logger
	obs    observability.PeerObserver

	nextPacket atomic.Uint32
}

// New normalizes cfg and returns a Peer.
func New(cfg Config) *Peer {
	def := DefaultConfig()
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = def.MaxChunkSize
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = 0
	} else if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	p := &Peer{cfg: cfg, logger: cfg.Logger, obs: cfg.Observer}
	if p.logger == nil {
		p.logger = log.New(io.Discard, "", 0)
	}
	if p.obs == nil {
		p.obs = observability.NoopPeerObserver
	}
	return p
}

// Connect dials the server endpoint and serves it until the terminal envelope.
func (p *Peer) Connect(ctx context.Context, url string, header http.Header) (json.RawMessage, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	c, resp, err := ws.Dial(dialCtx, url, ws.DialOptions{Header: header})
	cancel()
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	defer c.Close()
	return p.Serve(ctx, c)
}

// Serve answers requests on c until the server sends result or error.
//
// A result envelope returns its content. An error envelope returns *RemoteError.
func (p *Peer) Serve(ctx context.Context, c *ws.Conn) (json.RawMessage, error) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	sem := make(chan struct{}, p.cfg.MaxConcurrent)

	var remoteErr *RemoteError
	for {
		_, b, err := c.ReadMessage(ctx)
		if err != nil {
			if remoteErr != nil {
				if code, ok := fetcherr.ClassifyCloseCode(err); ok {
					remoteErr.Code = code
				}
				return nil, remoteErr
			}
			if _, ok := fetcherr.ClassifyCloseCode(err); ok {
				return nil, ErrUnexpectedClose
			}
			return nil, err
		}
		var env protocol.ServerMessage
		if err := json.Unmarshal(b, &env); err != nil {
			p.logger.Printf("peer: bad server message: %v", err)
			continue
		}
		switch env.Type {
		case protocol.TypeURLRequest:
			var req protocol.URLRequest
			if err := json.Unmarshal(env.Content, &req); err != nil || req.ID == "" {
				p.logger.Printf("peer: bad url_request: %v", err)
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				p.handle(ctx, c, &req)
			}()
		case protocol.TypeResult:
			return env.Content, nil
		case protocol.TypeError:
			// Keep reading so the close frame can refine the error.
			remoteErr = &RemoteError{Message: env.Message}
		default:
			p.logger.Printf("peer: ignoring message type %q", env.Type)
		}
	}
}

func (p *Peer) handle(ctx context.Context, c *ws.Conn, req *protocol.URLRequest) {
	start := time.Now()
	resp, err := p.Perform(ctx, req)
	if err != nil {
		code := fetcherr.ClassifyUpstreamCode(err)
		if errors.Is(err, ErrInvalidRequest) {
			code = fetcherr.CodeInvalidRequest
		}
		p.logger.Printf("peer: %s %s failed (%s): %v", req.Method, req.URL, code, err)
		p.obs.Request(observability.PeerResultError, time.Since(start))
		resp = errorResponse(req.ID, code, err)
	} else {
		p.obs.Request(observability.PeerResultOK, time.Since(start))
	}
	if err := p.reply(ctx, c, req, resp); err != nil {
		p.logger.Printf("peer: reply %s: %v", req.ID, err)
	}
}

func errorResponse(id string, code fetcherr.Code, err error) *protocol.URLResponse {
	return &protocol.URLResponse{
		ID:         id,
		StatusCode: http.StatusBadGateway,
		Headers:    map[string]string{ErrorHeader: string(code)},
		Data:       protocol.EncodeBody([]byte(err.Error())),
	}
}

// reply sends resp as one text message, or as chunk frames when it exceeds the chunk size.
func (p *Peer) reply(ctx context.Context, c *ws.Conn, req *protocol.URLRequest, resp *protocol.URLResponse) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	size := req.MaxMessageChunkSize
	if size <= 0 {
		size = p.cfg.MaxChunkSize
	}
	if len(b) <= size {
		return p.write(ctx, c, websocket.TextMessage, b)
	}
	frames, err := chunk.Split(p.nextPacket.Add(1), b, size)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := p.write(ctx, c, websocket.BinaryMessage, f); err != nil {
			return err
		}
	}
	p.obs.ChunkedReply(len(frames))
	return nil
}

func (p *Peer) write(ctx context.Context, c *ws.Conn, mt int, b []byte) error {
	wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	return c.WriteMessage(wctx, mt, b)
}
