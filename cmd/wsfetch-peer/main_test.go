package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/floegence/wsfetch/fetch"
	"github.com/floegence/wsfetch/server"
	"github.com/floegence/wsfetch/session"
)

func TestEndpoint(t *testing.T) {
	got, err := endpoint("ws://localhost:8080/v1?x=1", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("endpoint() failed: %v", err)
	}
	if got != "ws://localhost:8080/v1?videoID=dQw4w9WgXcQ&x=1" {
		t.Fatalf("unexpected endpoint: %q", got)
	}
	if _, err := endpoint("http://localhost/v1", "x"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestRun_RequiresVideoID(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
}

func newServer(t *testing.T, task server.TaskFactory) string {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Task = task
	s, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New() failed: %v", err)
	}
	mux := http.NewServeMux()
	s.Register(mux)
	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		hs.Close()
		_ = s.Close(context.Background())
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1"
}

func TestConnectPrintsResult(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello from upstream")
	}))
	defer upstream.Close()

	url := newServer(t, func(videoID string) session.Task {
		return func(ctx context.Context, p *fetch.Proxy) (any, error) {
			resp, err := p.Fetch(ctx, &fetch.Request{URL: upstream.URL})
			if err != nil {
				return nil, err
			}
			return map[string]string{"video": videoID, "body": string(resp.Body)}, nil
		}
	})

	o, err := envOptions()
	if err != nil {
		t.Fatalf("envOptions() failed: %v", err)
	}
	o.serverURL = url
	o.videoID = "dQw4w9WgXcQ"

	var stdout bytes.Buffer
	if err := connect(context.Background(), o, &stdout, log.New(io.Discard, "", 0)); err != nil {
		t.Fatalf("connect() failed: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got["video"] != "dQw4w9WgXcQ" || got["body"] != "hello from upstream" {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestRun_RemoteErrorExitCode(t *testing.T) {
	url := newServer(t, func(string) session.Task {
		return func(context.Context, *fetch.Proxy) (any, error) {
			return nil, errors.New("no formats")
		}
	})
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--server-url", url, "dQw4w9WgXcQ"}, &stdout, &stderr)
	if code != 3 {
		t.Fatalf("expected exit 3, got %d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "no formats") {
		t.Fatalf("expected remote message in stderr, got %q", stderr.String())
	}
}
