// Package proxy provides the record-and-replay HTTP proxy handler.
package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/getmockd/replayd/pkg/config"
	"github.com/getmockd/replayd/pkg/logging"
	"github.com/getmockd/replayd/pkg/recording"
	"github.com/getmockd/replayd/pkg/replay"
)

// DefaultMaxBodySize is the default maximum body size to capture (10MB).
const DefaultMaxBodySize = 10 * 1024 * 1024

// ErrMissingStore is returned by New when no store is configured.
var ErrMissingStore = errors.New("proxy: store is required")

// State names the path a single request took through the proxy.
type State string

const (
	// StateForwardLive means the upstream answered with an error that was
	// passed through to the client.
	StateForwardLive State = "forward-live"
	// StateRecordSuccess means a 2xx upstream response was recorded and returned.
	StateRecordSuccess State = "record-success"
	// StateMockOnly means the response came from recordings without an upstream call.
	StateMockOnly State = "mock-only"
	// StateErrorFallback means the upstream failed and a recording was served instead.
	StateErrorFallback State = "error-fallback"
)

// Store is the recording storage the proxy reads from and appends to.
type Store interface {
	replay.Source
	Append(keys []string, ex recording.Exchange) bool
	IsEmpty() bool
}

// Options configures proxy behavior.
type Options struct {
	// Mode is the initial operating mode (default proxy).
	Mode config.Mode
	// Target is the upstream base URL. Required unless Mode is mock.
	Target *url.URL
	// ErrorCodes limits which upstream statuses may fall back to a recording.
	// Nil allows every status.
	ErrorCodes config.ErrorCodes
	// Store holds recorded exchanges.
	Store Store
	// Filter decides which successful exchanges are recorded (nil = all).
	Filter *FilterConfig
	// VolatileHeaders are stripped from recorded responses in addition to
	// recording.DefaultVolatileHeaders.
	VolatileHeaders []string
	// Client performs upstream calls (default: a new http.Client).
	Client *http.Client
	// UpstreamTimeout bounds each upstream call. Zero means no limit.
	UpstreamTimeout time.Duration
	// MaxBodySize caps captured request and response bodies.
	MaxBodySize int64
	// Logger receives one line per request (nil = no logging).
	Logger *slog.Logger
}

// Proxy forwards, records and replays HTTP traffic for a single upstream.
type Proxy struct {
	mu     sync.RWMutex
	mode   config.Mode
	filter *FilterConfig

	target      *url.URL
	errorCodes  config.ErrorCodes
	store       Store
	resolver    *replay.Resolver
	volatile    []string
	client      *http.Client
	timeout     time.Duration
	maxBodySize int64
	logger      *slog.Logger
}

// New creates a new Proxy with the given options.
func New(opts Options) (*Proxy, error) {
	if opts.Store == nil {
		return nil, ErrMissingStore
	}

	mode := opts.Mode
	if mode == "" {
		mode = config.ModeProxy
	}
	if mode != config.ModeMock && opts.Target == nil {
		return nil, config.ErrMissingTarget
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	volatile := make([]string, 0, len(recording.DefaultVolatileHeaders)+len(opts.VolatileHeaders))
	volatile = append(volatile, recording.DefaultVolatileHeaders...)
	volatile = append(volatile, opts.VolatileHeaders...)

	return &Proxy{
		mode:        mode,
		filter:      opts.Filter,
		target:      opts.Target,
		errorCodes:  opts.ErrorCodes,
		store:       opts.Store,
		resolver:    replay.NewResolver(opts.Store),
		volatile:    volatile,
		client:      client,
		timeout:     opts.UpstreamTimeout,
		maxBodySize: maxBody,
		logger:      logger,
	}, nil
}

// Mode returns the current proxy mode.
func (p *Proxy) Mode() config.Mode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// SetMode changes the proxy operating mode at runtime. Switching away from
// mock mode requires a target.
func (p *Proxy) SetMode(mode config.Mode) error {
	if mode != config.ModeMock && p.target == nil {
		return config.ErrMissingTarget
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
	p.logger.Info("proxy mode changed", "mode", mode)
	return nil
}

// Filter returns the current filter configuration.
func (p *Proxy) Filter() *FilterConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filter
}

// SetFilter updates the filter configuration.
func (p *Proxy) SetFilter(filter *FilterConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter = filter
}

// Store returns the recording store.
func (p *Proxy) Store() Store {
	return p.store
}

// targetString is the base the request identity is built from.
func (p *Proxy) targetString() string {
	if p.target == nil {
		return ""
	}
	return p.target.String()
}
