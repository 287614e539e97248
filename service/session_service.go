package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
	log "github.com/sirupsen/logrus"
)

// Option configures a SessionService
type Option func(*SessionService)

// WithClock sets the clock used to stamp credentials and events
func WithClock(clock clockwork.Clock) Option {
	return func(s *SessionService) { s.clock = clock }
}

// WithTokenizer sets the tokenizer used to label credentials with their
// subject and expiry
func WithTokenizer(tokenizer ports.Tokenizer) Option {
	return func(s *SessionService) { s.tokenizer = tokenizer }
}

// WithPublisher forwards every session event to an external publisher
func WithPublisher(publisher ports.EventPublisher) Option {
	return func(s *SessionService) { s.publisher = publisher }
}

// WithLogger sets the logger
func WithLogger(logger *log.Entry) Option {
	return func(s *SessionService) { s.log = logger }
}

type observer struct {
	id int
	fn func(core.SessionEvent)
}

// SessionService owns the session lifecycle. The state is never stored: it is
// Renewing while a renewal is in flight, otherwise Authenticated when the
// store holds a credential and Anonymous when it does not.
type SessionService struct {
	store     ports.CredentialStore
	identity  ports.IdentityService
	tokenizer ports.Tokenizer
	publisher ports.EventPublisher
	clock     clockwork.Clock
	log       *log.Entry

	renewing atomic.Bool

	// writeMu pairs store writes with epoch bumps so that a renewal started
	// before a login or logout never overwrites its result.
	writeMu sync.Mutex
	epoch   uint64

	observersMu sync.Mutex
	observers   []observer
	nextID      int
}

// NewSessionService creates the session lifecycle over a credential store
// and an identity service
func NewSessionService(store ports.CredentialStore, identity ports.IdentityService, opts ...Option) *SessionService {
	s := &SessionService{
		store:    store,
		identity: identity,
		clock:    clockwork.NewRealClock(),
		log:      log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "session")
	return s
}

// State returns the current session state. A credential store that cannot
// be read reports Anonymous; the read error is logged, not returned.
func (s *SessionService) State(ctx context.Context) core.SessionState {
	if s.renewing.Load() {
		return core.StateRenewing
	}
	cred, err := s.store.Get(ctx)
	if err != nil {
		s.log.WithError(err).Warn("failed to read credential store")
		return core.StateAnonymous
	}
	if cred == nil || !cred.Usable() {
		return core.StateAnonymous
	}
	return core.StateAuthenticated
}

// Credential returns a copy of the stored credential, or nil
func (s *SessionService) Credential(ctx context.Context) (*core.Credential, error) {
	return s.store.Get(ctx)
}

// Login authenticates with the identity service and stores the credential
func (s *SessionService) Login(ctx context.Context, subject, secret string) (core.Credential, error) {
	from := s.State(ctx)

	pair, err := s.identity.Login(ctx, subject, secret)
	if err != nil {
		return core.Credential{}, fmt.Errorf("login failed: %w", err)
	}

	cred := s.credentialFrom(pair, nil, subject)
	if !cred.Usable() {
		return core.Credential{}, fmt.Errorf("login failed: %w", core.ErrInvalidToken)
	}

	s.writeMu.Lock()
	err = s.store.Set(ctx, cred)
	if err == nil {
		s.epoch++
	}
	s.writeMu.Unlock()
	if err != nil {
		return core.Credential{}, fmt.Errorf("failed to store credential: %w", err)
	}

	s.emit(ctx, from, core.StateAuthenticated, core.ReasonLogin, cred.Subject)
	return cred, nil
}

// Logout revokes the renewal token (best effort) and unconditionally clears
// the stored credential
func (s *SessionService) Logout(ctx context.Context) error {
	from := s.State(ctx)

	cred, err := s.store.Get(ctx)
	if err != nil {
		s.log.WithError(err).Warn("failed to read credential before logout")
	}
	var subject string
	if cred != nil {
		subject = cred.Subject
		if err := s.identity.Logout(ctx, cred.RenewalToken); err != nil {
			// The local credential is gone either way; the server side token
			// simply lives until it expires.
			s.log.WithError(err).Warn("failed to revoke renewal token")
		}
	}

	s.writeMu.Lock()
	err = s.store.Clear(ctx)
	s.epoch++
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}

	s.emit(ctx, from, core.StateAnonymous, core.ReasonLogout, subject)
	return nil
}

// Expire forces the session to Anonymous through Expired, notifying observers.
// The store is cleared either way; an already Anonymous session emits nothing.
func (s *SessionService) Expire(ctx context.Context, reason string) error {
	from := s.State(ctx)
	var subject string
	if cred, _ := s.store.Get(ctx); cred != nil {
		subject = cred.Subject
	}

	s.writeMu.Lock()
	err := s.store.Clear(ctx)
	s.epoch++
	s.writeMu.Unlock()

	if from != core.StateAnonymous {
		s.emitExpiry(ctx, from, reason, subject)
	}
	return err
}

// Invalidate expires the session only if accessToken is still the stored
// one. It reports whether it did.
func (s *SessionService) Invalidate(ctx context.Context, accessToken, reason string) (bool, error) {
	s.writeMu.Lock()
	cred, err := s.store.Get(ctx)
	if err != nil {
		s.writeMu.Unlock()
		return false, err
	}
	if cred == nil || cred.AccessToken != accessToken {
		s.writeMu.Unlock()
		return false, nil
	}
	err = s.store.Clear(ctx)
	s.epoch++
	s.writeMu.Unlock()

	s.emitExpiry(ctx, core.StateAuthenticated, reason, cred.Subject)
	return true, err
}

// Subscribe registers an observer of session events. Observers run
// synchronously on the goroutine causing the transition.
func (s *SessionService) Subscribe(fn func(core.SessionEvent)) (unsubscribe func()) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()

	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, observer{id: id, fn: fn})

	return func() {
		s.observersMu.Lock()
		defer s.observersMu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *SessionService) currentEpoch() uint64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.epoch
}

func (s *SessionService) beginRenewal(ctx context.Context, subject string) {
	s.renewing.Store(true)
	s.emit(ctx, core.StateAuthenticated, core.StateRenewing, core.ReasonRenewal, subject)
}

// commitRenewal stores a renewed credential unless a login or logout
// happened since epoch. It returns the credential callers should retry with.
func (s *SessionService) commitRenewal(ctx context.Context, epoch uint64, cred core.Credential) (core.Credential, error) {
	s.writeMu.Lock()
	if s.epoch != epoch {
		current, err := s.store.Get(ctx)
		s.writeMu.Unlock()
		s.renewing.Store(false)
		if err != nil || current == nil {
			return core.Credential{}, fmt.Errorf("%w: session ended during renewal", core.ErrRenewalFailed)
		}
		s.log.Debug("session replaced during renewal, discarding renewed credential")
		return *current, nil
	}
	err := s.store.Set(ctx, cred)
	s.writeMu.Unlock()
	if err != nil {
		return core.Credential{}, err
	}

	s.renewing.Store(false)
	s.emit(ctx, core.StateRenewing, core.StateAuthenticated, core.ReasonRenewed, cred.Subject)
	return cred, nil
}

// failRenewal clears the store and collapses Renewing into Anonymous
func (s *SessionService) failRenewal(ctx context.Context, epoch uint64, subject string, cause error) {
	// The renewal may have failed because ctx expired; clearing must not.
	ctx = context.WithoutCancel(ctx)

	s.writeMu.Lock()
	current := s.epoch == epoch
	if current {
		if err := s.store.Clear(ctx); err != nil {
			s.log.WithError(err).Error("failed to clear credential after renewal failure")
		}
		s.epoch++
	}
	s.writeMu.Unlock()
	s.renewing.Store(false)

	if !current {
		// A login or logout already decided the session's fate.
		s.log.WithError(cause).Debug("renewal failed after the session was replaced")
		return
	}

	reason := core.ReasonRenewalFailed
	if errors.Is(cause, core.ErrNoRenewalToken) {
		reason = core.ReasonNoRenewalToken
	}
	s.log.WithError(cause).WithField("subject", subject).Info("credential renewal failed")
	s.emitExpiry(ctx, core.StateRenewing, reason, subject)
}

func (s *SessionService) credentialFrom(pair core.TokenPair, previous *core.Credential, subject string) core.Credential {
	cred := core.Credential{
		AccessToken:  pair.AccessToken,
		RenewalToken: pair.RenewalToken,
		Subject:      subject,
		ObtainedAt:   s.clock.Now(),
	}
	if previous != nil {
		if cred.RenewalToken == "" {
			cred.RenewalToken = previous.RenewalToken
		}
		if cred.Subject == "" {
			cred.Subject = previous.Subject
		}
	}
	if s.tokenizer != nil {
		if info, err := s.tokenizer.Inspect(pair.AccessToken); err == nil {
			if info.Subject != "" {
				cred.Subject = info.Subject
			}
			cred.ExpiresAt = info.ExpiresAt
		}
	}
	return cred
}

func (s *SessionService) emitExpiry(ctx context.Context, from core.SessionState, reason, subject string) {
	s.emit(ctx, from, core.StateExpired, reason, subject)
	s.emit(ctx, core.StateExpired, core.StateAnonymous, reason, subject)
}

func (s *SessionService) emit(ctx context.Context, from, to core.SessionState, reason, subject string) {
	event := core.SessionEvent{
		ID:      uuid.New().String(),
		From:    from,
		To:      to,
		Reason:  reason,
		Subject: subject,
		At:      s.clock.Now(),
	}

	s.log.WithFields(log.Fields{
		"from":    from.String(),
		"to":      to.String(),
		"reason":  reason,
		"subject": subject,
	}).Info("session transition")

	s.observersMu.Lock()
	observers := make([]observer, len(s.observers))
	copy(observers, s.observers)
	s.observersMu.Unlock()

	for _, o := range observers {
		s.notify(o, event)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishSessionEvent(ctx, event); err != nil {
			s.log.WithError(err).Warn("failed to publish session event")
		}
	}
}

func (s *SessionService) notify(o observer, event core.SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("session observer panicked")
		}
	}()
	o.fn(event)
}
