// Package config loads the onerpc server configuration from the environment.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/middleware"
)

// Prefix is the prefix of every configuration variable.
const Prefix = "ONERPC"

// minJWTSecret matches the shortest secret auth.NewHMACVerifier accepts.
const minJWTSecret = 32

// Config is the server configuration. Each field is read from ONERPC_<NAME>,
// e.g. ONERPC_MAX_IN_FLIGHT.
type Config struct {
	Addr string `default:":8080"`
	Path string `default:"/rpc"`

	Ordering         jsonrpc.Ordering `default:"unordered"`
	MaxInFlight      int              `split_words:"true" default:"64"`
	BatchConcurrency int              `split_words:"true"`
	ReadLimit        int64            `split_words:"true" default:"1048576"`
	WriteTimeout     time.Duration    `split_words:"true" default:"10s"`
	PingInterval     time.Duration    `split_words:"true" default:"30s"`
	HTTPPost         bool             `envconfig:"HTTP_POST" default:"true"`
	// OriginPatterns are the cross-origin hosts allowed to connect.
	OriginPatterns []string `split_words:"true"`

	JWTSecret    string `envconfig:"JWT_SECRET"`
	JWTIssuer    string `envconfig:"JWT_ISSUER" default:"onerpc"`
	OIDCIssuer   string `envconfig:"OIDC_ISSUER"`
	OIDCClientID string `envconfig:"OIDC_CLIENT_ID"`
	// AuthOptional admits callers without credentials.
	AuthOptional bool `split_words:"true"`

	// SessionKeys maps key ids to base64 keys, as "id:key,id:key".
	SessionKeys   map[string]string `split_words:"true"`
	SessionKeyID  string            `split_words:"true"`
	SessionSecure bool              `split_words:"true" default:"true"`

	LogLevel    string `split_words:"true" default:"info"`
	Development bool
	MetricsPath string `split_words:"true" default:"/metrics"`
}

// Load reads the dotenv files, ".env" when none is given, then the
// environment. Missing dotenv files are ignored. Variables already set in
// the environment win over dotenv files.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: %w", err)
	}
	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

// AuthEnabled reports whether any token verifier is configured.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != "" || c.OIDCIssuer != ""
}

// SessionsEnabled reports whether session cookies are configured.
func (c *Config) SessionsEnabled() bool {
	return len(c.SessionKeys) > 0
}

// SessionKeyBytes decodes SessionKeys.
func (c *Config) SessionKeyBytes() (map[string][]byte, error) {
	keys := make(map[string][]byte, len(c.SessionKeys))
	var errs *multierror.Error
	for id, enc := range c.SessionKeys {
		key, err := decodeKey(enc)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("session key %q: %w", id, err))
			continue
		}
		keys[id] = key
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return keys, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not valid base64")
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Addr == "" {
		add("addr must be set")
	}
	if !strings.HasPrefix(c.Path, "/") {
		add("path %q must start with /", c.Path)
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		add("metrics path %q must start with /", c.MetricsPath)
	}
	if c.MetricsPath != "" && c.MetricsPath == c.Path {
		add("metrics path and path must differ")
	}
	if c.MaxInFlight < 1 {
		add("max in flight must be at least 1, got %d", c.MaxInFlight)
	}
	if c.BatchConcurrency < 0 {
		add("batch concurrency must not be negative, got %d", c.BatchConcurrency)
	}
	if c.ReadLimit <= 0 {
		add("read limit must be positive, got %d", c.ReadLimit)
	}
	if c.WriteTimeout < 0 || c.PingInterval < 0 {
		add("timeouts must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		add("log level: %v", err)
	}

	if c.JWTSecret != "" && len(c.JWTSecret) < minJWTSecret {
		add("jwt secret must be at least %d bytes", minJWTSecret)
	}
	if (c.OIDCIssuer == "") != (c.OIDCClientID == "") {
		add("oidc issuer and oidc client id must be set together")
	}

	if c.SessionsEnabled() {
		keys, err := c.SessionKeyBytes()
		if err != nil {
			errs = multierror.Append(errs, err)
		} else if _, err := middleware.NewSealer(c.SessionKeyID, keys); err != nil {
			errs = multierror.Append(errs, err)
		}
	} else if c.SessionKeyID != "" {
		add("session key id %q set without session keys", c.SessionKeyID)
	}
	return errs.ErrorOrNil()
}

// NewLogger builds the process logger.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
