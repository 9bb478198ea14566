package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/floegence/wsfetch/internal/cmdutil"
	"github.com/floegence/wsfetch/internal/config"
	"github.com/floegence/wsfetch/internal/version"
	"github.com/floegence/wsfetch/observability/prom"
	"github.com/floegence/wsfetch/ratelimit"
	"github.com/floegence/wsfetch/server"
	"github.com/floegence/wsfetch/streams"
	"github.com/spf13/cobra"
)

const program = "wsfetch-server"

type options struct {
	configFile    string
	listen        string
	metricsListen string
	path          string

	allowOrigins  []string
	allowNoOrigin bool
	maxConns      int

	jwtSecret   string
	jwtIssuer   string
	jwtAudience string

	rateWindow time.Duration
	rateMax    int

	fetchTimeout time.Duration
	maxChunkSize int

	youtubeBaseURL  string
	shutdownTimeout time.Duration
}

type ready struct {
	Version    string `json:"version"`
	Listen     string `json:"listen"`
	WSURL      string `json:"ws_url"`
	HealthzURL string `json:"healthz_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// envOptions reads WSFETCH_* variables; they become the flag defaults.
func envOptions() (options, error) {
	def := server.DefaultConfig()
	o := options{
		configFile:     cmdutil.EnvString(cmdutil.EnvKey("config"), ""),
		listen:         cmdutil.EnvString(cmdutil.EnvKey("listen"), "127.0.0.1:8080"),
		metricsListen:  cmdutil.EnvString(cmdutil.EnvKey("metrics-listen"), ""),
		path:           cmdutil.EnvString(cmdutil.EnvKey("path"), def.Path),
		allowOrigins:   cmdutil.EnvCSV(cmdutil.EnvKey("allow-origin")),
		jwtSecret:      cmdutil.EnvString(cmdutil.EnvKey("jwt-secret"), ""),
		jwtIssuer:      cmdutil.EnvString(cmdutil.EnvKey("jwt-issuer"), ""),
		jwtAudience:    cmdutil.EnvString(cmdutil.EnvKey("jwt-audience"), ""),
		youtubeBaseURL: cmdutil.EnvString(cmdutil.EnvKey("youtube-base-url"), streams.DefaultBaseURL),
	}
	var err error
	if o.allowNoOrigin, err = cmdutil.EnvBool(cmdutil.EnvKey("allow-no-origin"), def.AllowNoOrigin); err != nil {
		return o, err
	}
	if o.maxConns, err = cmdutil.EnvInt(cmdutil.EnvKey("max-conns"), def.MaxConns); err != nil {
		return o, err
	}
	if o.rateWindow, err = cmdutil.EnvDuration(cmdutil.EnvKey("rate-window"), def.RateLimit.Window); err != nil {
		return o, err
	}
	if o.rateMax, err = cmdutil.EnvInt(cmdutil.EnvKey("rate-max"), def.RateLimit.MaxRequests); err != nil {
		return o, err
	}
	if o.fetchTimeout, err = cmdutil.EnvDuration(cmdutil.EnvKey("fetch-timeout"), 30*time.Second); err != nil {
		return o, err
	}
	if o.maxChunkSize, err = cmdutil.EnvInt(cmdutil.EnvKey("max-chunk-size"), 0); err != nil {
		return o, err
	}
	if o.shutdownTimeout, err = cmdutil.EnvDuration(cmdutil.EnvKey("shutdown-timeout"), 5*time.Second); err != nil {
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
		return 1
	}
	return 0
}

func newRootCmd(o *options, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           program,
		Short:         "Accept peer websocket connections and run remote-fetch sessions",
		Version:       version.String(version.Version, version.Commit, version.Date),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := log.New(stderr, "", log.LstdFlags)
			return serve(cmd.Context(), *o, stdout, logger)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("{{.Version}}\n")

	f := cmd.Flags()
	f.StringVar(&o.configFile, "config", o.configFile, "YAML config file; rate limits reload on change (env: WSFETCH_CONFIG)")
	f.StringVar(&o.listen, "listen", o.listen, "listen address (env: WSFETCH_LISTEN)")
	f.StringVar(&o.metricsListen, "metrics-listen", o.metricsListen, "listen address for /metrics (empty disables) (env: WSFETCH_METRICS_LISTEN)")
	f.StringVar(&o.path, "path", o.path, "websocket path (env: WSFETCH_PATH)")
	f.StringSliceVar(&o.allowOrigins, "allow-origin", o.allowOrigins, "allowed Origin value, repeatable; empty admits all (env: WSFETCH_ALLOW_ORIGIN)")
	f.BoolVar(&o.allowNoOrigin, "allow-no-origin", o.allowNoOrigin, "allow requests without Origin header (env: WSFETCH_ALLOW_NO_ORIGIN)")
	f.IntVar(&o.maxConns, "max-conns", o.maxConns, "max concurrent sessions (env: WSFETCH_MAX_CONNS)")
	f.StringVar(&o.jwtSecret, "jwt-secret", o.jwtSecret, "HS256 secret; empty disables bearer auth (env: WSFETCH_JWT_SECRET)")
	f.StringVar(&o.jwtIssuer, "jwt-issuer", o.jwtIssuer, "expected token issuer (env: WSFETCH_JWT_ISSUER)")
	f.StringVar(&o.jwtAudience, "jwt-audience", o.jwtAudience, "expected token audience (env: WSFETCH_JWT_AUDIENCE)")
	f.DurationVar(&o.rateWindow, "rate-window", o.rateWindow, "rate limit window per User-Agent (env: WSFETCH_RATE_WINDOW)")
	f.IntVar(&o.rateMax, "rate-max", o.rateMax, "connections per window per User-Agent; 0 disables (env: WSFETCH_RATE_MAX)")
	f.DurationVar(&o.fetchTimeout, "fetch-timeout", o.fetchTimeout, "per-fetch timeout (env: WSFETCH_FETCH_TIMEOUT)")
	f.IntVar(&o.maxChunkSize, "max-chunk-size", o.maxChunkSize, "chunk payload size advertised to peers; 0 omits it (env: WSFETCH_MAX_CHUNK_SIZE)")
	f.StringVar(&o.youtubeBaseURL, "youtube-base-url", o.youtubeBaseURL, "base URL of the watch page (env: WSFETCH_YOUTUBE_BASE_URL)")
	f.DurationVar(&o.shutdownTimeout, "shutdown-timeout", o.shutdownTimeout, "grace period for running sessions (env: WSFETCH_SHUTDOWN_TIMEOUT)")
	return cmd
}

func (o options) serverConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.Path = o.path
	cfg.AllowedOrigins = o.allowOrigins
	cfg.AllowNoOrigin = o.allowNoOrigin
	cfg.MaxConns = o.maxConns
	if o.jwtSecret != "" {
		cfg.JWTSecret = []byte(o.jwtSecret)
	}
	cfg.JWTIssuer = o.jwtIssuer
	cfg.JWTAudience = o.jwtAudience
	cfg.RateLimit = ratelimit.Config{Window: o.rateWindow, MaxRequests: o.rateMax}
	cfg.Session.Timeout = o.fetchTimeout
	cfg.Session.MaxChunkSize = o.maxChunkSize
	cfg.Task = streams.TaskFactory(streams.Options{BaseURL: o.youtubeBaseURL})
	return cfg
}

func serve(ctx context.Context, o options, stdout io.Writer, logger *log.Logger) error {
	cfg := o.serverConfig()
	cfg.Logger = logger
	rateBase := cfg.RateLimit

	if o.configFile != "" {
		file, err := config.Load(o.configFile)
		if err != nil {
			return err
		}
		file.Apply(&cfg)
		if file.Listen != "" {
			o.listen = file.Listen
		}
		if file.MetricsListen != "" {
			o.metricsListen = file.MetricsListen
		}
	}

	var metricsMux *http.ServeMux
	if o.metricsListen != "" {
		reg := prom.NewRegistry()
		cfg.Observer = prom.NewSessionObserver(reg)
		cfg.FetchObserver = prom.NewFetchObserver(reg)
		metricsMux = http.NewServeMux()
		metricsMux.Handle("/metrics", prom.Handler(reg))
	}

	s, err := server.New(cfg)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	s.Register(mux)

	ln, err := net.Listen("tcp", o.listen)
	if err != nil {
		return err
	}
	srv := newHTTPServer(mux, cfg.Session)
	errc := make(chan error, 2)
	go func() { errc <- srv.Serve(ln) }()

	out := ready{
		Version:    version.String(version.Version, version.Commit, version.Date),
		Listen:     ln.Addr().String(),
		WSURL:      "ws://" + ln.Addr().String() + cfg.Path,
		HealthzURL: "http://" + ln.Addr().String() + "/healthz",
	}

	var metricsSrv *http.Server
	if metricsMux != nil {
		mln, err := net.Listen("tcp", o.metricsListen)
		if err != nil {
			_ = srv.Close()
			return err
		}
		metricsSrv = newHTTPServer(metricsMux, cfg.Session)
		go func() { errc <- metricsSrv.Serve(mln) }()
		out.MetricsURL = "http://" + mln.Addr().String() + "/metrics"
	}
	_ = json.NewEncoder(stdout).Encode(out)

	if o.configFile != "" {
		go func() {
			err := config.Watch(ctx, o.configFile, logger, func(f *config.File) {
				rl := f.RateLimitConfig(rateBase)
				s.SetRateLimit(rl)
				logger.Printf("server: rate limit now %d per %s", rl.MaxRequests, rl.Window)
			})
			if err != nil {
				logger.Printf("config: watch disabled: %v", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	logger.Printf("server: shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(sctx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(sctx)
	}
	if err := s.Close(sctx); err != nil {
		logger.Printf("server: sessions still running after %s: %v", o.shutdownTimeout, err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}
