// Package fetch turns a request/response call into url_request envelopes answered by a remote peer.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/floegence/wsfetch/correlate"
	"github.com/floegence/wsfetch/fetcherr"
	"github.com/floegence/wsfetch/observability"
	"github.com/floegence/wsfetch/protocol"
	"github.com/google/uuid"
)

// ErrTimeout reports that the peer did not answer within the correlator timeout.
var ErrTimeout = correlate.ErrTimeout

var (
	ErrMissingURL        = errors.New("missing url")
	ErrMissingSender     = errors.New("missing sender")
	ErrMissingCorrelator = errors.New("missing correlator")
)

// Sender delivers one complete outbound message to the peer.
type Sender interface {
	Send(ctx context.Context, msg []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg []byte) error

func (f SenderFunc) Send(ctx context.Context, msg []byte) error { return f(ctx, msg) }

// Request describes an HTTP call for the peer to perform.
type Request struct {
	URL    string
	Method string // Defaults to GET.
	Header http.Header
	Body   io.Reader // Optional; read fully before sending.
}

// Response is the peer's answer with the body already decoded.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	URL           string // Final URL after peer-side redirects, if reported.
	Intermediates []*Response
}

// Options configures a Proxy.
type Options struct {
	Correlator *correlate.Correlator // Required.
	Sender     Sender                // Required.

	// MaxChunkSize is advertised to the peer as max_message_chunk_size. Zero omits it.
	MaxChunkSize int
	// SaveIntermediateResponses asks the peer to report redirect hops.
	SaveIntermediateResponses bool

	Observer observability.FetchObserver
	// NewID generates request ids. Defaults to random UUIDs.
	NewID func() string
}

// Proxy issues fetches over one peer connection.
type Proxy struct {
	corr   *correlate.Correlator
	sender Sender
	opts   Options
	obs    observability.FetchObserver
	newID  func() string
}

// New validates opts and returns a Proxy.
func New(opts Options) (*Proxy, error) {
	if opts.Correlator == nil {
		return nil, ErrMissingCorrelator
	}
	if opts.Sender == nil {
		return nil, ErrMissingSender
	}
	p := &Proxy{
		corr:   opts.Correlator,
		sender: opts.Sender,
		opts:   opts,
		obs:    opts.Observer,
		newID:  opts.NewID,
	}
	if p.obs == nil {
		p.obs = observability.NoopFetchObserver
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	return p, nil
}

// Fetch sends req to the peer and waits for the matching response.
//
// Every call emits exactly one url_request message and completes on the first of:
// the matching response, the correlator timeout (ErrTimeout), ctx ending, or the
// connection closing. Failures are *fetcherr.Error.
func (p *Proxy) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || strings.TrimSpace(req.URL) == "" {
		return nil, fetcherr.Wrap(fetcherr.StageValidate, fetcherr.CodeInvalidInput, ErrMissingURL)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body string
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fetcherr.Wrap(fetcherr.StageValidate, fetcherr.CodeInvalidInput, fmt.Errorf("read body: %w", err))
		}
		if len(b) > 0 {
			body = protocol.EncodeBody(b)
		}
	}

	id := p.newID()
	msg, err := protocol.NewURLRequestMessage(&protocol.URLRequest{
		ID:                        id,
		URL:                       req.URL,
		Method:                    method,
		Headers:                   protocol.FlattenHeader(req.Header),
		Body:                      body,
		AllowRedirects:            true,
		ApplyCookiesOnRedirect:    true,
		SaveIntermediateResponses: p.opts.SaveIntermediateResponses,
		MaxMessageChunkSize:       p.opts.MaxChunkSize,
	})
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.StageValidate, fetcherr.CodeInvalidInput, err)
	}

	start := time.Now()
	// Register before sending so an immediate reply always finds its waiter.
	w, err := p.corr.Register(id)
	if err != nil {
		p.obs.Fetch(observability.FetchResultRejected, 0)
		return nil, fetcherr.Wrap(fetcherr.StageFetch, fetcherr.ClassifyFetchCode(err), err)
	}
	p.obs.Pending(p.corr.Pending())
	if err := p.sender.Send(ctx, msg); err != nil {
		w.Cancel()
		p.obs.Fetch(observability.FetchResultSendError, time.Since(start))
		p.obs.Pending(p.corr.Pending())
		return nil, fetcherr.Wrap(fetcherr.StageFetch, fetcherr.ClassifyFetchCode(err), err)
	}

	resp, err := w.Wait(ctx)
	p.obs.Fetch(fetchResult(err), time.Since(start))
	p.obs.Pending(p.corr.Pending())
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.StageFetch, fetcherr.ClassifyFetchCode(err), err)
	}
	out, err := convertResponse(resp)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.StageDecode, fetcherr.CodeDecodeFailed, err)
	}
	return out, nil
}

func fetchResult(err error) observability.FetchResult {
	switch {
	case err == nil:
		return observability.FetchResultOK
	case errors.Is(err, correlate.ErrTimeout):
		return observability.FetchResultTimeout
	case errors.Is(err, correlate.ErrClosed):
		return observability.FetchResultClosed
	default:
		return observability.FetchResultCanceled
	}
}

func convertResponse(resp *protocol.URLResponse) (*Response, error) {
	body, err := protocol.DecodeBody(resp.Data)
	if err != nil {
		return nil, err
	}
	out := &Response{
		StatusCode: resp.Status(),
		Header:     make(http.Header, len(resp.Headers)),
		Body:       body,
		URL:        resp.URL,
	}
	for k, v := range resp.Headers {
		out.Header.Set(k, v)
	}
	for i := range resp.Intermediates {
		hop, err := convertResponse(&resp.Intermediates[i])
		if err != nil {
			return nil, fmt.Errorf("intermediate %d: %w", i, err)
		}
		out.Intermediates = append(out.Intermediates, hop)
	}
	return out, nil
}
