package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config file errors.
var (
	ErrFileNotFound     = errors.New("configuration file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidSyntax    = errors.New("invalid configuration syntax")
	ErrEmptyFile        = errors.New("configuration file is empty")
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "REPLAYD_"

// DefaultEnvFile is read when present and no other env file is named.
const DefaultEnvFile = ".env"

// LoadFile reads a YAML or JSON config file and overlays it onto cfg. Fields
// absent from the file keep their current value.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	return Parse(data, cfg)
}

// Parse overlays a YAML or JSON document onto cfg.
func Parse(data []byte, cfg *Config) error {
	// JSON documents are valid YAML, one decoder covers both.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if errors.Is(err, ErrInvalidMode) || errors.Is(err, ErrInvalidErrorCodes) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidSyntax, err)
	}
	return nil
}

// ApplyEnv overlays REPLAYD_* variables onto cfg. lookup is usually
// os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPrefix + "PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sPORT=%q", ErrInvalidPort, EnvPrefix, v)
		}
		cfg.Port = port
	}
	if v, ok := lookup(EnvPrefix + "TARGET_URL"); ok {
		cfg.TargetURL = v
	}
	if v, ok := lookup(EnvPrefix + "DATA_PATH"); ok {
		cfg.DataPath = v
	}
	if v, ok := lookup(EnvPrefix + "MODE"); ok {
		mode, err := ParseMode(v)
		if err != nil {
			return err
		}
		cfg.Mode = mode
	}
	if v, ok := lookup(EnvPrefix + "ERROR_CODES"); ok {
		codes, err := ParseErrorCodes(v)
		if err != nil {
			return err
		}
		cfg.ErrorCodes = codes
	}
	if v, ok := lookup(EnvPrefix + "UPSTREAM_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sUPSTREAM_TIMEOUT: %w", EnvPrefix, err)
		}
		cfg.UpstreamTimeout = d
	}
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup(EnvPrefix + "LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	return nil
}

// ReadEnvFile parses a dotenv file. A missing file reports ErrFileNotFound.
func ReadEnvFile(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSyntax, path, err)
	}
	return values, nil
}

// WithEnvFile returns a lookup that consults lookup first and falls back to
// values read from an env file, so the process environment wins.
func WithEnvFile(lookup func(string) (string, bool), values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if lookup != nil {
			if v, ok := lookup(key); ok {
				return v, true
			}
		}
		v, ok := values[key]
		return v, ok
	}
}
