package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jonboulle/clockwork"
	"github.com/layer-3/gatekeeper/adapters/events"
	"github.com/layer-3/gatekeeper/adapters/identity"
	"github.com/layer-3/gatekeeper/adapters/store"
	"github.com/layer-3/gatekeeper/adapters/tokenizer"
	"github.com/layer-3/gatekeeper/client"
	"github.com/layer-3/gatekeeper/config"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/layer-3/gatekeeper/service"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

var _ Client = (*Gatekeeper)(nil)

// Option customizes the wiring done by New
type Option func(*options)

type options struct {
	store      ports.CredentialStore
	publisher  message.Publisher
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *log.Entry
}

// WithStore replaces the configured credential store
func WithStore(s ports.CredentialStore) Option {
	return func(o *options) { o.store = s }
}

// WithPublisher sends session events to a Watermill publisher instead of the
// Redis stream derived from the configuration
func WithPublisher(p message.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithHTTPClient sets the HTTP client used for identity and protected calls
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithClock sets the clock
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *log.Entry) Option {
	return func(o *options) { o.logger = l }
}

// Gatekeeper is a fully wired authenticated client
type Gatekeeper struct {
	session     *service.SessionService
	coordinator *service.RenewalCoordinator
	client      *client.Client

	closers []func() error
}

// New validates cfg and wires the store, identity client, session,
// renewal coordinator and request client together
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Gatekeeper, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.NewEntry(log.StandardLogger())
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gatekeeper{}
	ok := false
	defer func() {
		if !ok {
			_ = g.Close()
		}
	}()

	var redisClient redis.UniversalClient
	if cfg.RedisURL != "" && ((o.store == nil && cfg.Store == config.StoreRedis) || o.publisher == nil) {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		rc := redis.NewClient(redisOpts)
		g.closers = append(g.closers, rc.Close)
		if err := rc.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		redisClient = rc
	}

	credentials, err := newStore(cfg, o.store, redisClient)
	if err != nil {
		return nil, err
	}

	publisher := o.publisher
	if publisher == nil && redisClient != nil {
		p, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{Client: redisClient},
			watermill.NewStdLogger(false, false),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		// Closed before the redis client it writes to
		g.closers = append([]func() error{p.Close}, g.closers...)
		publisher = p
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	idp, err := identity.New(identity.Config{
		BaseURL:    cfg.IdentityURL,
		Attempts:   cfg.RenewalAttempts,
		Backoff:    cfg.RenewalBackoff,
		BackoffCap: cfg.RenewalBackoffCap,
		HTTPClient: httpClient,
		Clock:      o.clock,
		Logger:     o.logger,
	})
	if err != nil {
		return nil, err
	}

	sessionOpts := []service.Option{
		service.WithClock(o.clock),
		service.WithTokenizer(tokenizer.NewJWTInspector()),
		service.WithLogger(o.logger),
	}
	if publisher != nil {
		sessionOpts = append(sessionOpts, service.WithPublisher(events.NewWatermillPublisher(publisher, cfg.EventsTopic)))
	}
	g.session = service.NewSessionService(credentials, idp, sessionOpts...)
	g.coordinator = service.NewRenewalCoordinator(g.session, cfg.RenewalTimeout)

	g.client, err = client.New(client.Config{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.RequestTimeout,
		HTTPClient: httpClient,
		Clock:      o.clock,
		Logger:     o.logger,
	}, credentials, g.coordinator, g.session)
	if err != nil {
		return nil, err
	}

	ok = true
	return g, nil
}

func newStore(cfg config.Config, override ports.CredentialStore, redisClient redis.UniversalClient) (ports.CredentialStore, error) {
	if override != nil {
		return override, nil
	}
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StoreRedis:
		return store.NewRedisStore(redisClient, cfg.Profile, cfg.CredentialTTL), nil
	default:
		return store.NewFileStore(cfg.StorePath)
	}
}

// Login authenticates the subject and stores the credential
func (g *Gatekeeper) Login(ctx context.Context, subject, secret string) (core.Credential, error) {
	return g.session.Login(ctx, subject, secret)
}

// Logout revokes the session and clears the stored credential
func (g *Gatekeeper) Logout(ctx context.Context) error {
	return g.session.Logout(ctx)
}

// Call issues a protected request
func (g *Gatekeeper) Call(ctx context.Context, req core.ProtectedRequest) (*core.Response, error) {
	return g.client.Call(ctx, req)
}

// State returns the current session state
func (g *Gatekeeper) State(ctx context.Context) core.SessionState {
	return g.session.State(ctx)
}

// Subscribe registers an observer of session transitions
func (g *Gatekeeper) Subscribe(fn func(core.SessionEvent)) (unsubscribe func()) {
	return g.session.Subscribe(fn)
}

// Credential returns a copy of the stored credential, or nil
func (g *Gatekeeper) Credential(ctx context.Context) (*core.Credential, error) {
	return g.session.Credential(ctx)
}

// Renewals is the number of renewal calls made to the identity service
func (g *Gatekeeper) Renewals() int64 {
	return g.coordinator.Renewals()
}

// Close releases the connections New opened. Publishers passed with
// WithPublisher are left to the caller.
func (g *Gatekeeper) Close() error {
	var errs []error
	for _, closer := range g.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}
