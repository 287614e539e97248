package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/layer-3/gatekeeper/core"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const renewalKey = "renewal"

// DefaultRenewalTimeout bounds one shared renewal, including the identity
// client's own retries
const DefaultRenewalTimeout = 30 * time.Second

// RenewalCoordinator makes sure that at most one renewal is in flight. Every
// caller that asks while one is running waits for that renewal and gets its
// outcome.
type RenewalCoordinator struct {
	session *SessionService
	timeout time.Duration
	group   singleflight.Group
	log     *log.Entry

	renewals atomic.Int64
}

// NewRenewalCoordinator creates a coordinator renewing the session's
// credential. A zero timeout selects DefaultRenewalTimeout.
func NewRenewalCoordinator(session *SessionService, timeout time.Duration) *RenewalCoordinator {
	if timeout <= 0 {
		timeout = DefaultRenewalTimeout
	}
	return &RenewalCoordinator{
		session: session,
		timeout: timeout,
		log:     session.log.WithField("component", "renewal"),
	}
}

// Renew returns a fresh credential. rejectedAccessToken is the token the
// caller saw rejected; if the store already holds a different one, that
// expiry was handled by an earlier renewal and no new one is started.
//
// The shared renewal is detached from ctx: a caller giving up returns
// ctx.Err() while the renewal carries on for the others. The store is
// updated (or cleared) before any caller is released.
func (c *RenewalCoordinator) Renew(ctx context.Context, rejectedAccessToken string) (core.Credential, error) {
	ch := c.group.DoChan(renewalKey, func() (interface{}, error) {
		renewCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.renew(renewCtx, rejectedAccessToken)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return core.Credential{}, res.Err
		}
		return res.Val.(core.Credential), nil
	case <-ctx.Done():
		return core.Credential{}, ctx.Err()
	}
}

// Renewals is the number of renewal transport calls issued so far
func (c *RenewalCoordinator) Renewals() int64 {
	return c.renewals.Load()
}

func (c *RenewalCoordinator) renew(ctx context.Context, rejectedAccessToken string) (core.Credential, error) {
	s := c.session
	epoch := s.currentEpoch()

	cred, err := s.store.Get(ctx)
	if err != nil {
		if clearErr := s.Expire(ctx, core.ReasonRenewalFailed); clearErr != nil {
			c.log.WithError(clearErr).Error("failed to clear credential")
		}
		return core.Credential{}, fmt.Errorf("%w: %v", core.ErrRenewalFailed, err)
	}
	if cred == nil {
		return core.Credential{}, fmt.Errorf("%w: no credential", core.ErrRenewalFailed)
	}

	if rejectedAccessToken != "" && cred.AccessToken != rejectedAccessToken {
		c.log.Debug("credential already renewed")
		return *cred, nil
	}

	if cred.RenewalToken == "" {
		c.log.WithField("subject", cred.Subject).Info("no renewal token, expiring session")
		if _, err := s.Invalidate(ctx, cred.AccessToken, core.ReasonNoRenewalToken); err != nil {
			c.log.WithError(err).Error("failed to clear credential")
		}
		return core.Credential{}, core.ErrNoRenewalToken
	}

	s.beginRenewal(ctx, cred.Subject)
	c.renewals.Add(1)

	pair, err := s.identity.Renew(ctx, cred.RenewalToken)
	if err != nil {
		if !errors.Is(err, core.ErrRenewalFailed) {
			err = fmt.Errorf("%w: %v", core.ErrRenewalFailed, err)
		}
		s.failRenewal(ctx, epoch, cred.Subject, err)
		return core.Credential{}, err
	}

	next := s.credentialFrom(pair, cred, cred.Subject)
	committed, err := s.commitRenewal(ctx, epoch, next)
	if err != nil {
		s.failRenewal(ctx, epoch, cred.Subject, err)
		return core.Credential{}, fmt.Errorf("%w: %v", core.ErrRenewalFailed, err)
	}

	c.log.WithField("subject", committed.Subject).Debug("credential renewed")
	return committed, nil
}
