// Package protocol defines the JSON envelopes exchanged between the fetch server and its peer.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// MessageType tags an outbound server envelope.
type MessageType string

const (
	TypeURLRequest MessageType = "url_request"
	TypeResult     MessageType = "result"
	TypeError      MessageType = "error"
)

var ErrMissingID = errors.New("response missing id")

// ServerMessage is the envelope the server sends to the peer.
//
// Content is set for url_request and result; Message is set for error.
type ServerMessage struct {
	Type    MessageType     `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
	Message string          `json:"message,omitempty"`
}

// URLRequest asks the peer to perform one HTTP call.
type URLRequest struct {
	ID                        string            `json:"id"`
	URL                       string            `json:"url"`
	Method                    string            `json:"method"`
	Headers                   map[string]string `json:"headers"`
	Body                      string            `json:"body,omitempty"` // base64
	AllowRedirects            bool              `json:"allow_redirects"`
	ApplyCookiesOnRedirect    bool              `json:"apply_cookies_on_redirect"`
	SaveIntermediateResponses bool              `json:"save_intermediate_responses"`
	MaxMessageChunkSize       int               `json:"max_message_chunk_size,omitempty"`
}

// URLResponse is the peer's answer to a URLRequest, correlated by ID.
type URLResponse struct {
	ID            string            `json:"id"`
	URL           string            `json:"url,omitempty"`
	StatusCode    int               `json:"status_code,omitempty"`
	Headers       map[string]string `json:"headers"`
	Data          string            `json:"data"` // base64
	Intermediates []URLResponse     `json:"intermediates,omitempty"`
}

// NewURLRequestMessage wraps req in a url_request envelope.
func NewURLRequestMessage(req *URLRequest) ([]byte, error) {
	content, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ServerMessage{Type: TypeURLRequest, Content: content})
}

// NewResultMessage wraps a domain result in a result envelope.
func NewResultMessage(result any) ([]byte, error) {
	content, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ServerMessage{Type: TypeResult, Content: content})
}

// NewErrorMessage builds an error envelope.
func NewErrorMessage(message string) ([]byte, error) {
	return json.Marshal(ServerMessage{Type: TypeError, Message: message})
}

// DecodeResponse parses one complete inbound message.
func DecodeResponse(b []byte) (*URLResponse, error) {
	var resp URLResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, ErrMissingID
	}
	return &resp, nil
}

// EncodeBody returns the text-safe form of an HTTP body.
func EncodeBody(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody reverses EncodeBody.
func DecodeBody(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return b, nil
}

// Status returns the response status, treating an absent status_code as 200.
func (r *URLResponse) Status() int {
	if r.StatusCode == 0 {
		return 200
	}
	return r.StatusCode
}

// FlattenHeader lowercases names and joins repeated values with ", ".
func FlattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vs := h[k]
		if len(vs) == 0 {
			continue
		}
		name := strings.ToLower(k)
		v := strings.Join(vs, ", ")
		if prev, ok := out[name]; ok {
			v = prev + ", " + v
		}
		out[name] = v
	}
	return out
}
