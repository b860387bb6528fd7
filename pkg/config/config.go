package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPort     = 4280
	DefaultDataPath = "replayd-data.json"
)

// Configuration errors.
var (
	ErrInvalidMode       = errors.New("invalid mode")
	ErrMissingTarget     = errors.New("target URL is required unless mode is mock")
	ErrInvalidTarget     = errors.New("invalid target URL")
	ErrInvalidPort       = errors.New("invalid port")
	ErrInvalidErrorCodes = errors.New("invalid error codes")
	ErrIncompleteTLS     = errors.New("both TLS certificate and key are required")
	ErrMissingDataPath   = errors.New("data path is required")
)

// Mode selects how the proxy treats inbound requests.
type Mode string

const (
	// ModeProxy forwards live traffic, records successes and replays a
	// recording when the upstream fails.
	ModeProxy Mode = "proxy"
	// ModeRecord forwards live traffic and records successes, never replaying.
	ModeRecord Mode = "record"
	// ModeMock never contacts the upstream and only replays.
	ModeMock Mode = "mock"
)

// ParseMode parses a mode name. The empty string and "passthrough" select
// ModeProxy.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "proxy", "passthrough":
		return ModeProxy, nil
	case "record":
		return ModeRecord, nil
	case "mock":
		return ModeMock, nil
	default:
		return "", fmt.Errorf("%w: %q (must be proxy, record or mock)", ErrInvalidMode, s)
	}
}

// UnmarshalYAML accepts any spelling ParseMode accepts.
func (m *Mode) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseMode(node.Value)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ErrorCodes is the allow-list of upstream statuses that may be replaced by a
// recording. A nil list allows every status.
type ErrorCodes []int

// ParseErrorCodes parses a comma separated status list. "*" or an empty
// string yields nil.
func ParseErrorCodes(s string) (ErrorCodes, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, "*") {
		return nil, nil
	}
	var codes ErrorCodes
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidErrorCodes, part)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// Allows reports whether status may be replaced by a recording.
func (c ErrorCodes) Allows(status int) bool {
	return c == nil || slices.Contains(c, status)
}

// String returns the comma separated form, or "*" for nil.
func (c ErrorCodes) String() string {
	if c == nil {
		return "*"
	}
	parts := make([]string, len(c))
	for i, code := range c {
		parts[i] = strconv.Itoa(code)
	}
	return strings.Join(parts, ",")
}

// UnmarshalYAML accepts a list of integers or a comma separated string.
func (c *ErrorCodes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		codes, err := ParseErrorCodes(node.Value)
		if err != nil {
			return err
		}
		*c = codes
		return nil
	case yaml.SequenceNode:
		var list []int
		if err := node.Decode(&list); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidErrorCodes, err)
		}
		*c = list
		return nil
	default:
		return fmt.Errorf("%w: expected list or string", ErrInvalidErrorCodes)
	}
}

// RecordFilter limits which successful exchanges are recorded. Patterns use
// doublestar glob syntax.
type RecordFilter struct {
	IncludePaths []string `json:"includePaths,omitempty" yaml:"includePaths,omitempty"`
	ExcludePaths []string `json:"excludePaths,omitempty" yaml:"excludePaths,omitempty"`
	IncludeHosts []string `json:"includeHosts,omitempty" yaml:"includeHosts,omitempty"`
	ExcludeHosts []string `json:"excludeHosts,omitempty" yaml:"excludeHosts,omitempty"`
}

// Config is the resolved configuration of a replayd process.
type Config struct {
	Port       int        `json:"port" yaml:"port"`
	TargetURL  string     `json:"targetUrl" yaml:"targetUrl"`
	DataPath   string     `json:"dataPath" yaml:"dataPath"`
	Mode       Mode       `json:"mode" yaml:"mode"`
	ErrorCodes ErrorCodes `json:"errorCodes,omitempty" yaml:"errorCodes,omitempty"`

	CORS    bool   `json:"cors,omitempty" yaml:"cors,omitempty"`
	TLSCert string `json:"tlsCert,omitempty" yaml:"tlsCert,omitempty"`
	TLSKey  string `json:"tlsKey,omitempty" yaml:"tlsKey,omitempty"`

	// UpstreamTimeout bounds each forwarded call. Zero means no timeout.
	UpstreamTimeout time.Duration `json:"upstreamTimeout,omitempty" yaml:"upstreamTimeout,omitempty"`
	// VolatileHeaders are response headers dropped before recording, in
	// addition to the built-in list.
	VolatileHeaders []string     `json:"volatileHeaders,omitempty" yaml:"volatileHeaders,omitempty"`
	Record          RecordFilter `json:"record,omitempty" yaml:"record,omitempty"`

	LogLevel  string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	LogFormat string `json:"logFormat,omitempty" yaml:"logFormat,omitempty"`
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:      DefaultPort,
		DataPath:  DefaultDataPath,
		Mode:      ModeProxy,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if c.DataPath == "" {
		return ErrMissingDataPath
	}
	if c.TargetURL == "" {
		if c.Mode != ModeMock {
			return ErrMissingTarget
		}
	} else if _, err := c.Target(); err != nil {
		return err
	}
	for _, code := range c.ErrorCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("%w: %d is not an HTTP status", ErrInvalidErrorCodes, code)
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return ErrIncompleteTLS
	}
	if c.UpstreamTimeout < 0 {
		return fmt.Errorf("upstream timeout must not be negative: %s", c.UpstreamTimeout)
	}
	return nil
}

// Target parses TargetURL. Only absolute http and https URLs are accepted.
func (c *Config) Target() (*url.URL, error) {
	u, err := url.Parse(c.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https: %q", ErrInvalidTarget, c.TargetURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host: %q", ErrInvalidTarget, c.TargetURL)
	}
	return u, nil
}

// TLSEnabled reports whether the listener should serve TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
