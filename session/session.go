// Package session runs one server-side peer connection: it routes inbound frames,
// resolves fetches, and sends the terminal result or error envelope.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/floegence/wsfetch/chunk"
	"github.com/floegence/wsfetch/correlate"
	"github.com/floegence/wsfetch/fetch"
	"github.com/floegence/wsfetch/observability"
	"github.com/floegence/wsfetch/protocol"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	DefaultWriteTimeout       = 10 * time.Second
	DefaultFailureCloseCode   = websocket.ClosePolicyViolation
	DefaultFailureCloseReason = "Failed to get video info"
)

var (
	ErrDecodeFailed = errors.New("decode inbound message")
	ErrPeerGone     = errors.New("peer connection ended")
)

// Conn is the message-oriented connection a Session runs on.
//
// WriteMessage must be safe for concurrent use; ReadMessage is only called from the read loop.
type Conn interface {
	ReadMessage(ctx context.Context) (int, []byte, error)
	WriteMessage(ctx context.Context, messageType int, data []byte) error
	CloseWithStatus(code int, reason string) error
}

// Task is the domain work a session performs using the peer's fetch capability.
// Its result is JSON-encoded into the result envelope.
type Task func(ctx context.Context, proxy *fetch.Proxy) (any, error)

// Options configures a Session. Zero values select defaults.
type Options struct {
	// Timeout bounds each fetch (correlate.DefaultTimeout when <= 0).
	Timeout time.Duration
	// MaxPending caps outstanding fetches (correlate.DefaultMaxPending when <= 0).
	MaxPending int
	// Reassembly bounds chunk reassembly state. OnDiscard is chained, not replaced.
	Reassembly chunk.Options
	// MaxChunkSize is advertised to the peer in every url_request (omitted when 0).
	MaxChunkSize int
	// WriteTimeout bounds each outbound write.
	WriteTimeout time.Duration
	// SaveIntermediateResponses asks the peer to report redirect hops.
	SaveIntermediateResponses bool

	FailureCloseCode   int
	FailureCloseReason string

	Logger        *log.Logger
	Observer      observability.SessionObserver
	FetchObserver observability.FetchObserver
}

// Session owns one connection, its chunk buffers, and its pending-request table.
type Session struct {
	conn   Conn
	opts   Options
	logger *log.Logger
	obs    observability.SessionObserver

	corr  *correlate.Correlator
	reasm *chunk.Reassembler
	proxy *fetch.Proxy

	closeOnce sync.Once
	peerGone  atomic.Bool

	// Chunk-level drops can arrive at frame rate; their log lines are sampled.
	dropLog rate.Sometimes
}

// New builds a session over conn. It does not start reading until Run.
func New(conn Conn, opts Options) *Session {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.FailureCloseCode == 0 {
		opts.FailureCloseCode = DefaultFailureCloseCode
	}
	if opts.FailureCloseReason == "" {
		opts.FailureCloseReason = DefaultFailureCloseReason
	}
	s := &Session{
		conn:    conn,
		opts:    opts,
		logger:  opts.Logger,
		obs:     opts.Observer,
		dropLog: rate.Sometimes{First: 16, Interval: time.Second},
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	if s.obs == nil {
		s.obs = observability.NoopSessionObserver
	}
	s.corr = correlate.New(correlate.Options{Timeout: opts.Timeout, MaxPending: opts.MaxPending})

	reasmOpts := opts.Reassembly
	userDiscard := reasmOpts.OnDiscard
	reasmOpts.OnDiscard = func(packetID uint32, reason error) {
		s.obs.FrameDrop(dropReason(reason))
		s.logDrop("session: discarded packet %d: %v", packetID, reason)
		if userDiscard != nil {
			userDiscard(packetID, reason)
		}
	}
	s.reasm = chunk.NewReassembler(reasmOpts)

	// The session is the only Sender, so New cannot fail here.
	s.proxy, _ = fetch.New(fetch.Options{
		Correlator:   s.corr,
		Sender:       fetch.SenderFunc(s.send),
		MaxChunkSize: opts.MaxChunkSize,
		Observer:     opts.FetchObserver,

		SaveIntermediateResponses: opts.SaveIntermediateResponses,
	})
	return s
}

// Proxy returns the fetch capability bound to this session.
func (s *Session) Proxy() *fetch.Proxy { return s.proxy }

// Run reads from the connection while task executes, then sends the terminal
// envelope and closes the connection exactly once.
//
// On success the result envelope is sent and the connection closes normally. On
// failure an error envelope is sent and the connection closes with the configured
// failure code. If the peer goes away first, pending fetches fail and the task's
// context is canceled. Run returns the task error.
func (s *Session) Run(ctx context.Context, task Task) error {
	start := time.Now()
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		err := s.readLoop(taskCtx)
		if taskCtx.Err() == nil {
			s.peerGone.Store(true)
			s.logger.Printf("session: read loop ended: %v", err)
		}
		s.corr.Close(ErrPeerGone)
		cancel()
	}()

	result, err := task(taskCtx, s.proxy)

	// Stop reading before the terminal envelope so our own close is not
	// mistaken for the peer going away.
	cancel()
	<-readDone
	s.reasm.Reset()

	if err == nil {
		err = s.finishOK(ctx, result)
	} else {
		s.finishErr(ctx, err)
	}

	switch {
	case s.peerGone.Load():
		s.obs.SessionEnd(observability.SessionResultPeerClosed, time.Since(start))
	case err != nil:
		s.obs.SessionEnd(observability.SessionResultTaskError, time.Since(start))
	default:
		s.obs.SessionEnd(observability.SessionResultOK, time.Since(start))
	}
	return err
}

func (s *Session) finishOK(ctx context.Context, result any) error {
	msg, err := protocol.NewResultMessage(result)
	if err != nil {
		err = fmt.Errorf("encode result: %w", err)
		s.finishErr(ctx, err)
		return err
	}
	if err := s.send(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Printf("session: send result: %v", err)
	}
	s.close(websocket.CloseNormalClosure, "")
	return nil
}

func (s *Session) finishErr(ctx context.Context, taskErr error) {
	msg, err := protocol.NewErrorMessage(taskErr.Error())
	if err == nil {
		err = s.send(context.WithoutCancel(ctx), msg)
	}
	if err != nil && !s.peerGone.Load() {
		s.logger.Printf("session: send error envelope: %v", err)
	}
	s.close(s.opts.FailureCloseCode, s.opts.FailureCloseReason)
}

func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		_ = s.conn.CloseWithStatus(code, reason)
	})
}

func (s *Session) send(ctx context.Context, msg []byte) error {
	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	return s.conn.WriteMessage(wctx, websocket.TextMessage, msg)
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		mt, data, err := s.conn.ReadMessage(ctx)
		if err != nil {
			return err
		}
		s.handleFrame(mt, data)
	}
}

func (s *Session) handleFrame(messageType int, data []byte) {
	kind := ClassifyFrame(messageType, data)
	if kind == FrameIgnored {
		return
	}
	s.obs.Frame(kind.metric(), len(data))

	msg := data
	if kind == FrameChunk {
		var err error
		msg, err = s.reasm.Feed(data)
		if err != nil {
			s.obs.FrameDrop(dropReason(err))
			s.logDrop("session: dropped chunk frame: %v", err)
			return
		}
		if msg == nil {
			return
		}
	}
	s.deliver(msg)
}

func (s *Session) logDrop(format string, args ...any) {
	s.dropLog.Do(func() { s.logger.Printf(format, args...) })
}

func (s *Session) deliver(msg []byte) {
	resp, err := protocol.DecodeResponse(msg)
	if err != nil {
		s.obs.FrameDrop(observability.DropReasonDecodeFailed)
		s.logger.Printf("session: %v", fmt.Errorf("%w: %v", ErrDecodeFailed, err))
		return
	}
	if !s.corr.Resolve(resp) {
		s.obs.FrameDrop(observability.DropReasonUnmatched)
		s.logger.Printf("session: unmatched response id=%s", resp.ID)
	}
}

func dropReason(err error) observability.DropReason {
	switch {
	case errors.Is(err, chunk.ErrMalformedFrame):
		return observability.DropReasonMalformedFrame
	case errors.Is(err, chunk.ErrUnknownPacket):
		return observability.DropReasonUnknownPacket
	case errors.Is(err, chunk.ErrChunkCountMismatch):
		return observability.DropReasonCountMismatch
	case errors.Is(err, chunk.ErrDuplicateChunk):
		return observability.DropReasonDuplicateChunk
	case errors.Is(err, chunk.ErrChunkOutOfRange):
		return observability.DropReasonOutOfRange
	case errors.Is(err, chunk.ErrInvalidTotal):
		return observability.DropReasonInvalidTotal
	case errors.Is(err, chunk.ErrMessageTooLarge):
		return observability.DropReasonTooLarge
	case errors.Is(err, chunk.ErrPacketRestarted):
		return observability.DropReasonRestarted
	case errors.Is(err, chunk.ErrBufferEvicted):
		return observability.DropReasonEvicted
	default:
		return observability.DropReasonMalformedFrame
	}
}
