package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/getmockd/replayd/pkg/config"
	"github.com/getmockd/replayd/pkg/httputil"
	"github.com/getmockd/replayd/pkg/logging"
	"github.com/getmockd/replayd/pkg/proxy"
	"github.com/getmockd/replayd/pkg/recording"
	"github.com/getmockd/replayd/pkg/store/file"
	"github.com/getmockd/replayd/pkg/validation"
)

// shutdownTimeout is the maximum time to wait for graceful shutdown.
const shutdownTimeout = 30 * time.Second

// serveFlags holds all parsed command-line flags for the serve command.
type serveFlags struct {
	configFile string
	envFile    string

	// Proxy flags
	port       int
	targetURL  string
	mode       string
	dataPath   string
	errorCodes string

	// Upstream flags
	upstreamTimeout time.Duration
	volatileHeaders []string

	// Listener flags
	cors    bool
	tlsCert string
	tlsKey  string

	// Logging flags
	logLevel  string
	logFormat string
	logFile   string

	// Record filter flags
	includePaths []string
	excludePaths []string
	includeHosts []string
	excludeHosts []string
}

// serveFunc runs the server for a resolved configuration.
type serveFunc func(ctx context.Context, cfg *config.Config, stderr io.Writer) error

func newServeCmd(lookupEnv func(string) (string, bool), run serveFunc) *cobra.Command {
	f := &serveFlags{}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the record-and-replay proxy (default command)",
		Long: `Start the proxy in one of three modes:

  proxy   Forward to the target, record successes, replay on failure (default)
  record  Forward to the target and record successes, never replay
  mock    Replay recordings only, never contact the target

Recordings are read from and written to the fixture at --data-path.`,
		Example: `  # Record traffic to an API and fall back to recordings when it fails
  replayd serve -t https://api.example.com

  # Only fall back on 500 and 503
  replayd serve -t https://api.example.com -e 500,503

  # Serve recordings without the upstream
  replayd serve -m mock -d fixtures/api.json

  # Skip recording health checks
  replayd serve -t https://api.example.com --exclude-path '/health/**'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, f, lookupEnv)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	flags := serveCmd.Flags()
	flags.StringVarP(&f.configFile, "config", "c", "", "Path to a YAML or JSON configuration file")
	flags.StringVar(&f.envFile, "env-file", config.DefaultEnvFile, "Dotenv file with REPLAYD_* variables (read when present)")

	flags.IntVarP(&f.port, "port", "p", config.DefaultPort, "Port to listen on")
	flags.StringVarP(&f.targetURL, "target-url", "t", "", "Upstream API base URL")
	flags.StringVarP(&f.mode, "mode", "m", string(config.ModeProxy), "Operating mode (proxy, record, mock)")
	flags.StringVarP(&f.dataPath, "data-path", "d", config.DefaultDataPath, "Fixture file holding recordings")
	flags.StringVarP(&f.errorCodes, "error-codes", "e", "*", "Upstream statuses that may be replaced by a recording (comma-separated, * = any)")

	flags.DurationVar(&f.upstreamTimeout, "upstream-timeout", 0, "Timeout for each upstream call (0 = none)")
	flags.StringSliceVar(&f.volatileHeaders, "volatile-header", nil, "Extra response header to leave out of recordings (repeatable)")

	flags.BoolVar(&f.cors, "cors", false, "Answer CORS preflight requests and add CORS headers")
	flags.StringVar(&f.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	flags.StringVar(&f.tlsKey, "tls-key", "", "Path to TLS private key file")

	flags.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&f.logFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVar(&f.logFile, "log-file", "", "Also write JSON logs to this file")

	flags.StringSliceVar(&f.includePaths, "include-path", nil, "Record only paths matching this glob (repeatable)")
	flags.StringSliceVar(&f.excludePaths, "exclude-path", nil, "Never record paths matching this glob (repeatable)")
	flags.StringSliceVar(&f.includeHosts, "include-host", nil, "Record only from target hosts matching this glob (repeatable)")
	flags.StringSliceVar(&f.excludeHosts, "exclude-host", nil, "Never record from target hosts matching this glob (repeatable)")

	return serveCmd
}

// resolveConfig layers defaults, the config file, the environment and the
// flags the user actually set, then validates the result.
func resolveConfig(cmd *cobra.Command, f *serveFlags, lookupEnv func(string) (string, bool)) (*config.Config, error) {
	cfg := config.Default()

	if f.configFile != "" {
		if err := config.LoadFile(f.configFile, cfg); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()

	if f.envFile != "" {
		values, err := config.ReadEnvFile(f.envFile)
		switch {
		case err == nil:
			lookupEnv = config.WithEnvFile(lookupEnv, values)
		case errors.Is(err, config.ErrFileNotFound) && !flags.Changed("env-file"):
			// The default .env is optional.
		default:
			return nil, err
		}
	}

	if lookupEnv != nil {
		if err := config.ApplyEnv(cfg, lookupEnv); err != nil {
			return nil, err
		}
	}

	if flags.Changed("port") {
		cfg.Port = f.port
	}
	if flags.Changed("target-url") {
		cfg.TargetURL = f.targetURL
	}
	if flags.Changed("mode") {
		mode, err := config.ParseMode(f.mode)
		if err != nil {
			return nil, err
		}
		cfg.Mode = mode
	}
	if flags.Changed("data-path") {
		cfg.DataPath = f.dataPath
	}
	if flags.Changed("error-codes") {
		codes, err := config.ParseErrorCodes(f.errorCodes)
		if err != nil {
			return nil, err
		}
		cfg.ErrorCodes = codes
	}
	if flags.Changed("upstream-timeout") {
		cfg.UpstreamTimeout = f.upstreamTimeout
	}
	if flags.Changed("volatile-header") {
		cfg.VolatileHeaders = f.volatileHeaders
	}
	if flags.Changed("cors") {
		cfg.CORS = f.cors
	}
	if flags.Changed("tls-cert") {
		cfg.TLSCert = f.tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.TLSKey = f.tlsKey
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if flags.Changed("log-file") {
		cfg.LogFile = f.logFile
	}
	if flags.Changed("include-path") {
		cfg.Record.IncludePaths = f.includePaths
	}
	if flags.Changed("exclude-path") {
		cfg.Record.ExcludePaths = f.excludePaths
	}
	if flags.Changed("include-host") {
		cfg.Record.IncludeHosts = f.includeHosts
	}
	if flags.Changed("exclude-host") {
		cfg.Record.ExcludeHosts = f.excludeHosts
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runServe opens the listener and logger for cfg and serves until ctx ends.
func runServe(ctx context.Context, cfg *config.Config, stderr io.Writer) error {
	log, closeLog, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	data, err := loadFixture(cfg.DataPath)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("port %d is not available: %w", cfg.Port, err)
	}
	return serve(ctx, cfg, data, ln, log)
}

// loadFixture reads and validates the fixture at path. An absent file yields
// no data.
func loadFixture(path string) ([]byte, error) {
	data, err := file.Read(path)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateFixture(data); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return data, nil
}

// newLogger builds the process logger. With a log file configured, records
// are mirrored to it as JSON.
func newLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, func(), error) {
	lc := logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
		Output: stderr,
	}
	closeFn := func() {}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		lc.Mirror = f
		closeFn = func() { _ = f.Close() }
	}
	return logging.New(lc), closeFn, nil
}

// serve wires the proxy around the fixture data and serves on ln until ctx
// ends. Pending recordings are flushed before it returns.
func serve(ctx context.Context, cfg *config.Config, data []byte, ln net.Listener, log *slog.Logger) error {
	writer := file.NewAsyncWriter(file.NewPersister(cfg.DataPath), file.AsyncOptions{
		Logger: log.With("component", "writer"),
	})
	defer func() { _ = writer.Close() }()

	store, err := recording.LoadMatchStore(data, recording.StoreOptions{
		Persister: writer,
		Logger:    log.With("component", "store"),
	})
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("fixture %s: %w", cfg.DataPath, err)
	}

	handler, err := newHandler(cfg, store, log)
	if err != nil {
		_ = ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	log.Info("replayd started",
		"addr", ln.Addr().String(),
		"mode", cfg.Mode,
		"target", cfg.TargetURL,
		"data_path", cfg.DataPath,
		"error_codes", cfg.ErrorCodes.String(),
		"recordings", store.Len(),
		"tls", cfg.TLSEnabled(),
	)

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSEnabled() {
			errCh <- srv.ServeTLS(ln, cfg.TLSCert, cfg.TLSKey)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", "error", err)
	}
	log.Info("server stopped", "recordings", store.Len())
	return nil
}

// newHandler builds the proxy for cfg behind panic recovery, plus CORS
// handling when enabled.
func newHandler(cfg *config.Config, store *recording.MatchStore, log *slog.Logger) (http.Handler, error) {
	var target *url.URL
	if cfg.TargetURL != "" {
		var err error
		if target, err = cfg.Target(); err != nil {
			return nil, err
		}
	}

	filter, err := proxy.NewFilter(cfg.Record)
	if err != nil {
		return nil, err
	}

	p, err := proxy.New(proxy.Options{
		Mode:            cfg.Mode,
		Target:          target,
		ErrorCodes:      cfg.ErrorCodes,
		Store:           store,
		Filter:          filter,
		VolatileHeaders: cfg.VolatileHeaders,
		UpstreamTimeout: cfg.UpstreamTimeout,
		Logger:          log.With("component", "proxy"),
	})
	if err != nil {
		return nil, err
	}

	middlewares := chi.Middlewares{middleware.Recoverer}
	if cfg.CORS {
		middlewares = append(middlewares, httputil.CORS)
	}
	return middlewares.Handler(p), nil
}
