package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/gatekeeper"
	"github.com/layer-3/gatekeeper/adapters/events"
	"github.com/layer-3/gatekeeper/adapters/store"
	"github.com/layer-3/gatekeeper/adapters/tokenizer"
	"github.com/layer-3/gatekeeper/config"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/layer-3/gatekeeper/service"
	transport "github.com/layer-3/gatekeeper/transport/http"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CLI represents command structure
type CLI struct {
	// Serve runs the development identity and resource server
	Serve ServeCmd `cmd:"true" help:"Run the development identity and resource server"`

	Login  LoginCmd  `cmd:"true" help:"Log in and store the credential"`
	Call   CallCmd   `cmd:"true" help:"Call a protected endpoint"`
	Logout LogoutCmd `cmd:"true" help:"Revoke and clear the stored credential"`
	Status StatusCmd `cmd:"true" help:"Show the session state"`
}

// ServeCmd is the serve command configuration
type ServeCmd struct {
	Listen     string        `help:"Listen address" default:":9000" env:"GATEKEEPER_LISTEN"`
	Accounts   []string      `help:"Accounts as subject=secret" required:"true" env:"GATEKEEPER_ACCOUNTS"`
	KeyFile    string        `help:"PEM encoded ECDSA signing key, generated when empty" name:"key-file" type:"existingfile" env:"GATEKEEPER_KEY_FILE"`
	AccessTTL  time.Duration `help:"Access token lifetime" name:"access-ttl" default:"5m" env:"GATEKEEPER_ACCESS_TTL"`
	RefreshTTL time.Duration `help:"Refresh token lifetime" name:"refresh-ttl" default:"120h" env:"GATEKEEPER_REFRESH_TTL"`
	Credits    string        `help:"Opening credit balance of every subject" default:"100.00" env:"GATEKEEPER_CREDITS"`
	RedisURL   string        `help:"Redis URL for revocations and session events" name:"redis-url" env:"GATEKEEPER_REDIS_URL"`
	Topic      string        `help:"Session event topic" default:"gatekeeper.session" env:"GATEKEEPER_EVENTS_TOPIC"`
	LogLevel   string        `help:"Log level" name:"log-level" enum:"trace,debug,info,warn,error" default:"info" env:"GATEKEEPER_LOG_LEVEL"`
}

// Run starts the server and blocks until it is interrupted
func (c *ServeCmd) Run() error {
	if err := config.ConfigureLogging(c.LogLevel); err != nil {
		return err
	}
	logger := log.WithField("component", "server")

	accounts, err := parseAccounts(c.Accounts)
	if err != nil {
		return err
	}
	opening, err := decimal.NewFromString(c.Credits)
	if err != nil {
		return fmt.Errorf("invalid credits %q: %w", c.Credits, err)
	}
	key, err := c.signingKey()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var revocations ports.RevocationStore = store.NewMemoryRevocations(nil)
	var publisher ports.EventPublisher
	if c.RedisURL != "" {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}

		streams, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{Client: redisClient},
			watermill.NewStdLogger(false, false),
		)
		if err != nil {
			return fmt.Errorf("failed to create redis publisher: %w", err)
		}
		defer streams.Close()

		revocations = store.NewRedisRevocations(redisClient)
		publisher = events.NewWatermillPublisher(streams, c.Topic)
	}

	authService := service.NewAuthService(tokenizer.NewJWTTokenizer(key, nil), revocations, service.AuthConfig{
		Accounts:   accounts,
		AccessTTL:  c.AccessTTL,
		RefreshTTL: c.RefreshTTL,
		Publisher:  publisher,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              c.Listen,
		Handler:           transport.SetupRouter(authService, transport.NewLedger(opening), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", c.Listen).Info("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (c *ServeCmd) signingKey() (*ecdsa.PrivateKey, error) {
	if c.KeyFile == "" {
		log.Warn("no key file, signing with an ephemeral key")
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	pem, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", c.KeyFile, err)
	}
	return key, nil
}

func parseAccounts(entries []string) (map[string]string, error) {
	accounts := make(map[string]string, len(entries))
	for _, entry := range entries {
		subject, secret, ok := strings.Cut(entry, "=")
		if !ok || subject == "" || secret == "" {
			return nil, fmt.Errorf("account %q is not subject=secret", entry)
		}
		accounts[subject] = secret
	}
	return accounts, nil
}

// LoginCmd is the login command configuration
type LoginCmd struct {
	config.Config `embed:""`

	Subject string `arg:"" help:"Subject to log in as"`
	Secret  string `help:"Secret of the subject" required:"true" env:"GATEKEEPER_SECRET"`
}

// Run logs in and stores the credential
func (c *LoginCmd) Run() error {
	return withSession(c.Config, func(ctx context.Context, g *gatekeeper.Gatekeeper) error {
		cred, err := g.Login(ctx, c.Subject, c.Secret)
		if err != nil {
			return err
		}
		fmt.Printf("logged in as %s\n", cred.Subject)
		return nil
	})
}

// CallCmd is the call command configuration
type CallCmd struct {
	config.Config `embed:""`

	Path        string   `arg:"" help:"Path below the base URL"`
	Method      string   `help:"HTTP method" short:"X" default:"GET"`
	Data        string   `help:"Request body, sent as is" short:"d"`
	ContentType string   `help:"Content type of the request body" name:"content-type"`
	Headers     []string `help:"Extra headers as Name:Value" short:"H" name:"header"`
}

// Run issues the call and prints the response body
func (c *CallCmd) Run() error {
	req := core.ProtectedRequest{
		Method: strings.ToUpper(c.Method),
		Path:   c.Path,
		Header: http.Header{},
	}
	for _, h := range c.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("header %q is not Name:Value", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if c.Data != "" {
		req.Body = core.RawBody(c.Data)
		if c.ContentType != "" {
			req.Header.Set("Content-Type", c.ContentType)
		}
	}

	return withSession(c.Config, func(ctx context.Context, g *gatekeeper.Gatekeeper) error {
		resp, err := g.Call(ctx, req)
		if err != nil {
			return err
		}
		if _, err := os.Stdout.Write(resp.Body); err != nil {
			return err
		}
		fmt.Println()
		return nil
	})
}

// LogoutCmd is the logout command configuration
type LogoutCmd struct {
	config.Config `embed:""`
}

// Run logs out
func (c *LogoutCmd) Run() error {
	return withSession(c.Config, func(ctx context.Context, g *gatekeeper.Gatekeeper) error {
		return g.Logout(ctx)
	})
}

// StatusCmd is the status command configuration
type StatusCmd struct {
	config.Config `embed:""`

	JSON bool `help:"Print the status as JSON" name:"json"`
}

type status struct {
	State     string     `json:"state"`
	Subject   string     `json:"subject,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Run prints the session state
func (c *StatusCmd) Run() error {
	return withSession(c.Config, func(ctx context.Context, g *gatekeeper.Gatekeeper) error {
		st := status{State: g.State(ctx).String()}
		cred, err := g.Credential(ctx)
		if err != nil {
			return err
		}
		if cred != nil {
			st.Subject = cred.Subject
			if !cred.ExpiresAt.IsZero() {
				st.ExpiresAt = &cred.ExpiresAt
			}
		}

		if c.JSON {
			return json.NewEncoder(os.Stdout).Encode(st)
		}
		fmt.Println(st.State)
		if st.Subject != "" {
			fmt.Printf("subject: %s\n", st.Subject)
		}
		if st.ExpiresAt != nil {
			fmt.Printf("expires: %s\n", st.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	})
}

// withSession wires a Gatekeeper from cfg for the duration of fn
func withSession(cfg config.Config, fn func(context.Context, *gatekeeper.Gatekeeper) error) error {
	if err := config.ConfigureLogging(cfg.LogLevel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := gatekeeper.New(ctx, cfg, gatekeeper.WithLogger(log.WithField("profile", cfg.Profile)))
	if err != nil {
		return err
	}
	defer g.Close()

	unsubscribe := g.Subscribe(func(e core.SessionEvent) {
		log.WithFields(log.Fields{
			"from":   e.From.String(),
			"to":     e.To.String(),
			"reason": e.Reason,
		}).Debug("session changed")
	})
	defer unsubscribe()

	return fn(ctx, g)
}
