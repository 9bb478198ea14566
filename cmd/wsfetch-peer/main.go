package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/floegence/wsfetch/internal/cmdutil"
	"github.com/floegence/wsfetch/internal/version"
	"github.com/floegence/wsfetch/observability/prom"
	"github.com/floegence/wsfetch/peer"
	"github.com/spf13/cobra"
)

const program = "wsfetch-peer"

type options struct {
	serverURL     string
	videoID       string
	token         string
	metricsListen string

	maxChunkSize   int
	maxRedirects   int
	maxConcurrent  int
	requestTimeout time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func envOptions() (options, error) {
	def := peer.DefaultConfig()
	o := options{
		serverURL:     cmdutil.EnvString(cmdutil.EnvKey("server-url"), "ws://127.0.0.1:8080/v1"),
		token:         cmdutil.EnvString(cmdutil.EnvKey("token"), ""),
		metricsListen: cmdutil.EnvString(cmdutil.EnvKey("peer-metrics-listen"), ""),
	}
	var err error
	if o.maxChunkSize, err = cmdutil.EnvInt(cmdutil.EnvKey("peer-max-chunk-size"), def.MaxChunkSize); err != nil {
		return o, err
	}
	if o.maxRedirects, err = cmdutil.EnvInt(cmdutil.EnvKey("peer-max-redirects"), def.MaxRedirects); err != nil {
		return o, err
	}
	if o.maxConcurrent, err = cmdutil.EnvInt(cmdutil.EnvKey("peer-max-concurrent"), def.MaxConcurrent); err != nil {
		return o, err
	}
	if o.requestTimeout, err = cmdutil.EnvDuration(cmdutil.EnvKey("peer-request-timeout"), def.RequestTimeout); err != nil {
		return o, err
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := envOptions()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	cmd := newRootCmd(&o, stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		var re *peer.RemoteError
		if errors.As(err, &re) {
			return 3
		}
		return 1
	}
	return 0
}

func newRootCmd(o *options, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           program + " VIDEO_ID",
		Short:         "Connect to a wsfetch server and perform its HTTP requests",
		Version:       version.String(version.Version, version.Commit, version.Date),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.videoID = args[0]
			logger := log.New(stderr, "", log.LstdFlags)
			return connect(cmd.Context(), *o, stdout, logger)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("{{.Version}}\n")

	f := cmd.Flags()
	f.StringVar(&o.serverURL, "server-url", o.serverURL, "websocket endpoint of the server (env: WSFETCH_SERVER_URL)")
	f.StringVar(&o.token, "token", o.token, "bearer token sent with the handshake (env: WSFETCH_TOKEN)")
	f.StringVar(&o.metricsListen, "metrics-listen", o.metricsListen, "listen address for /metrics (empty disables) (env: WSFETCH_PEER_METRICS_LISTEN)")
	f.IntVar(&o.maxChunkSize, "max-chunk-size", o.maxChunkSize, "chunk payload size when the server advertises none (env: WSFETCH_PEER_MAX_CHUNK_SIZE)")
	f.IntVar(&o.maxRedirects, "max-redirects", o.maxRedirects, "redirect hops followed per request (env: WSFETCH_PEER_MAX_REDIRECTS)")
	f.IntVar(&o.maxConcurrent, "max-concurrent", o.maxConcurrent, "requests performed in parallel (env: WSFETCH_PEER_MAX_CONCURRENT)")
	f.DurationVar(&o.requestTimeout, "request-timeout", o.requestTimeout, "per-request upstream timeout (env: WSFETCH_PEER_REQUEST_TIMEOUT)")
	return cmd
}

// endpoint appends the videoID query parameter to the server URL.
func endpoint(serverURL, videoID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid server url: scheme must be ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("videoID", videoID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func connect(ctx context.Context, o options, stdout io.Writer, logger *log.Logger) error {
	target, err := endpoint(o.serverURL, o.videoID)
	if err != nil {
		return err
	}
	cfg := peer.Config{
		MaxChunkSize:   o.maxChunkSize,
		MaxRedirects:   o.maxRedirects,
		MaxConcurrent:  o.maxConcurrent,
		RequestTimeout: o.requestTimeout,
		Logger:         logger,
	}

	if o.metricsListen != "" {
		reg := prom.NewRegistry()
		cfg.Observer = prom.NewPeerObserver(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler(reg))
		ln, err := net.Listen("tcp", o.metricsListen)
		if err != nil {
			return err
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() { _ = srv.Serve(ln) }()
		defer srv.Close()
	}

	header := http.Header{}
	header.Set("User-Agent", program+"/"+version.Version)
	if o.token != "" {
		header.Set("Authorization", "Bearer "+o.token)
	}

	result, err := peer.New(cfg).Connect(ctx, target, header)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		return fmt.Errorf("result: %w", err)
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(stdout)
	return err
}
