package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/floegence/wsfetch/protocol"
	"golang.org/x/net/publicsuffix"
)

var (
	ErrInvalidRequest   = errors.New("invalid url_request")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrBodyTooLarge     = errors.New("upstream body exceeds limit")
)

// Perform executes req upstream and builds the matching response.
//
// Redirects are followed by hand so each hop can be recorded as an intermediate.
func (p *Peer) Perform(ctx context.Context, req *protocol.URLRequest) (*protocol.URLResponse, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("%w: bad url %q", ErrInvalidRequest, req.URL)
	}
	body, err := protocol.DecodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	client := *p.cfg.HTTPClient
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	client.Jar = nil
	if req.ApplyCookiesOnRedirect {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
		client.Jar = jar
	}

	var intermediates []protocol.URLResponse
	for hop := 0; ; hop++ {
		hreq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if len(body) == 0 {
			hreq.Body = http.NoBody
			hreq.ContentLength = 0
		}
		for k, v := range req.Headers {
			if strings.EqualFold(k, "host") {
				hreq.Host = v
				continue
			}
			hreq.Header.Set(k, v)
		}

		resp, err := client.Do(hreq)
		if err != nil {
			return nil, err
		}
		data, err := p.readBody(resp)
		if err != nil {
			return nil, err
		}
		out := protocol.URLResponse{
			ID:         req.ID,
			URL:        target.String(),
			StatusCode: resp.StatusCode,
			Headers:    protocol.FlattenHeader(resp.Header),
			Data:       protocol.EncodeBody(data),
		}

		loc := resp.Header.Get("Location")
		if !req.AllowRedirects || !isRedirect(resp.StatusCode) || loc == "" {
			out.Intermediates = intermediates
			return &out, nil
		}
		if hop >= p.cfg.MaxRedirects {
			return nil, fmt.Errorf("%w (%d)", ErrTooManyRedirects, p.cfg.MaxRedirects)
		}
		next, err := target.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("redirect location %q: %w", loc, err)
		}
		if req.SaveIntermediateResponses {
			out.ID = ""
			intermediates = append(intermediates, out)
		}
		if resp.StatusCode == http.StatusSeeOther ||
			((resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound) && method == http.MethodPost) {
			if method != http.MethodHead {
				method = http.MethodGet
			}
			body = nil
		}
		target = next
	}
}

func (p *Peer) readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > p.cfg.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
