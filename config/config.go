// Package config holds the client settings shared by the library facade and
// the command line.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/layer-3/gatekeeper/core"
	log "github.com/sirupsen/logrus"
)

// Credential store kinds
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config is the client configuration. The struct tags double as the command
// line and environment definition.
type Config struct {
	// BaseURL is the protected API root
	BaseURL string `help:"Protected API base URL" name:"base-url" env:"GATEKEEPER_BASE_URL"`

	// IdentityURL is the identity service root, BaseURL when empty
	IdentityURL string `help:"Identity service base URL (defaults to the base URL)" name:"identity-url" env:"GATEKEEPER_IDENTITY_URL"`

	// Store selects where the credential lives
	Store string `help:"Credential store" enum:"memory,file,redis" default:"file" env:"GATEKEEPER_STORE"`

	// StorePath is the credential file of the file store
	StorePath string `help:"Credential file for the file store" name:"store-path" env:"GATEKEEPER_STORE_PATH"`

	// RedisURL enables the redis store and the session event stream
	RedisURL string `help:"Redis URL" name:"redis-url" env:"GATEKEEPER_REDIS_URL"`

	// Profile namespaces stored credentials
	Profile string `help:"Credential profile" default:"default" env:"GATEKEEPER_PROFILE"`

	// CredentialTTL expires the redis entry, zero keeps it until logout
	CredentialTTL time.Duration `help:"Redis credential TTL (0 keeps it)" name:"credential-ttl" default:"0s" env:"GATEKEEPER_CREDENTIAL_TTL"`

	RequestTimeout    time.Duration `help:"Timeout of a single request" name:"request-timeout" default:"30s" env:"GATEKEEPER_REQUEST_TIMEOUT"`
	RenewalTimeout    time.Duration `help:"Timeout of a credential renewal" name:"renewal-timeout" default:"30s" env:"GATEKEEPER_RENEWAL_TIMEOUT"`
	RenewalAttempts   int           `help:"Renewal attempts on transport errors" name:"renewal-attempts" default:"3" env:"GATEKEEPER_RENEWAL_ATTEMPTS"`
	RenewalBackoff    time.Duration `help:"Base wait between renewal attempts" name:"renewal-backoff" default:"200ms" env:"GATEKEEPER_RENEWAL_BACKOFF"`
	RenewalBackoffCap time.Duration `help:"Maximum wait between renewal attempts" name:"renewal-backoff-cap" default:"2s" env:"GATEKEEPER_RENEWAL_BACKOFF_CAP"`

	// EventsTopic is the stream session events are published to
	EventsTopic string `help:"Session event topic" name:"events-topic" default:"gatekeeper.session" env:"GATEKEEPER_EVENTS_TOPIC"`

	LogLevel string `help:"Log level" name:"log-level" enum:"trace,debug,info,warn,error" default:"info" env:"GATEKEEPER_LOG_LEVEL"`
}

// Load reads an optional .env file, then resolves the configuration from
// defaults and GATEKEEPER_* variables. envFile may be empty. The parser runs
// Validate, so the returned Config is already validated; Validate is safe to
// call again.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var cfg Config
	parser, err := kong.New(&cfg, kong.Name("gatekeeper"))
	if err != nil {
		return Config{}, fmt.Errorf("failed to build config parser: %w", err)
	}
	if _, err := parser.Parse(nil); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and fills in derived values
func (c *Config) Validate() error {
	if err := checkURL(c.BaseURL); err != nil {
		return err
	}
	if c.IdentityURL == "" {
		c.IdentityURL = c.BaseURL
	} else if err := checkURL(c.IdentityURL); err != nil {
		return fmt.Errorf("identity url: %w", err)
	}

	if c.Profile == "" {
		c.Profile = "default"
	}

	switch c.Store {
	case "", StoreFile:
		c.Store = StoreFile
		if c.StorePath == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("no store path and no config dir: %w", err)
			}
			c.StorePath = filepath.Join(dir, "gatekeeper", "credentials-"+c.Profile+".json")
		}
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("redis store requires a redis url")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	if c.RenewalAttempts < 1 {
		return fmt.Errorf("renewal attempts must be at least 1, got %d", c.RenewalAttempts)
	}
	if c.CredentialTTL < 0 {
		return errors.New("credential ttl must not be negative")
	}
	if _, err := log.ParseLevel(c.LogLevel); c.LogLevel != "" && err != nil {
		return err
	}
	return nil
}

// ConfigureLogging applies the log level to the standard logger
func ConfigureLogging(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

func checkURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return core.ErrMissingBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q", core.ErrInvalidBaseURL, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", core.ErrInvalidBaseURL, u.Scheme)
	}
	return nil
}
