package fetch

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// RoundTrip implements http.RoundTripper on top of Fetch.
//
// The returned response's Request carries the final URL the peer reported,
// so callers see the post-redirect location as they would from a direct client.
func (p *Proxy) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	req := &Request{
		URL:    r.URL.String(),
		Method: r.Method,
		Header: r.Header.Clone(),
		Body:   r.Body,
	}
	if r.Host != "" && r.Host != r.URL.Host {
		if req.Header == nil {
			req.Header = make(http.Header)
		}
		req.Header.Set("Host", r.Host)
	}
	resp, err := p.Fetch(r.Context(), req)
	if err != nil {
		return nil, err
	}
	final := r
	if resp.URL != "" && resp.URL != r.URL.String() {
		if u, err := url.Parse(resp.URL); err == nil {
			final = r.Clone(r.Context())
			final.URL = u
			final.Host = u.Host
		}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       final,
	}, nil
}

// HTTPClient returns a client whose requests are performed by the peer.
//
// The peer already follows redirects, so the client never does.
func (p *Proxy) HTTPClient() *http.Client {
	return &http.Client{
		Transport: p,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
