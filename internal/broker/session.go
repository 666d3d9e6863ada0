package broker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Saravanaperu/Webportal-SingleUser/internal/config"
	apierrors "github.com/Saravanaperu/Webportal-SingleUser/internal/errors"
	"github.com/Saravanaperu/Webportal-SingleUser/pkg/utils"
)

// Session bundles an authenticated broker with the two live streams
// created from its tokens. A session is immutable; reconnecting
// produces a new one.
type Session struct {
	Broker Broker
	Ticks  TickStream
	Orders OrderStream
	Tokens Tokens
}

// Connector owns the broker connection lifecycle. All connect and
// reconnect paths funnel through a single login routine so that
// concurrent failures cannot race two logins.
type Connector struct {
	cfg    *config.Config
	logger zerolog.Logger

	mu      sync.Mutex
	broker  *AngelOneBroker
	session *Session
	subs    []SubscriptionToken
}

// NewConnector creates a connector for the configured broker account.
func NewConnector(cfg *config.Config, logger zerolog.Logger) *Connector {
	return &Connector{
		cfg:    cfg,
		logger: logger.With().Str("component", "connector").Logger(),
	}
}

// SetSubscriptions records the instruments to subscribe to on every
// connect, including reconnects.
func (c *Connector) SetSubscriptions(tokens []SubscriptionToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append([]SubscriptionToken(nil), tokens...)
}

// Connect performs a full login and opens both streams. Retries with
// exponential backoff until the context is cancelled.
func (c *Connector) Connect(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// Reconnect tears down the current session and establishes a fresh one.
// The previous session's streams are closed first so their reader
// goroutines exit before the replacement connects.
func (c *Connector) Reconnect(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()
	c.logger.Info().Msg("reconnecting broker session")
	return c.connectLocked(ctx)
}

// Session returns the current session, or nil if not connected.
func (c *Connector) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Close shuts down the current session.
func (c *Connector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Connector) connectLocked(ctx context.Context) (*Session, error) {
	if c.session != nil {
		return c.session, nil
	}
	if !c.cfg.HasCredentials() {
		return nil, apierrors.Wrap(apierrors.ErrInvalidCredentials, "broker credentials missing")
	}

	session, err := utils.RetryWithResult(ctx, utils.ReconnectRetryConfig(), func() (*Session, error) {
		s, err := c.establish(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("broker connect attempt failed")
		}
		return s, err
	})
	if err != nil {
		return nil, err
	}

	c.session = session
	c.logger.Info().Msg("broker session established")
	return session, nil
}

// establish performs one login attempt and wires the streams.
func (c *Connector) establish(ctx context.Context) (*Session, error) {
	creds := c.cfg.Credentials

	b := NewAngelOneBroker(AngelOneConfig{
		APIKey:         creds.APIKey,
		ClientID:       creds.ClientID,
		Password:       creds.Password,
		TOTPSecret:     creds.TOTPSecret,
		RequestTimeout: c.cfg.Session.RequestTimeout,
		RateLimit:      c.cfg.Session.RateLimitPerSec,
	})

	loginCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.ConnectTimeout)
	defer cancel()

	tokens, err := b.Login(loginCtx)
	if err != nil {
		return nil, err
	}

	ticks := NewAngelTickStream(TickStreamConfig{
		APIKey:    creds.APIKey,
		ClientID:  creds.ClientID,
		JWTToken:  tokens.JWT,
		FeedToken: tokens.Feed,
		QueueSize: c.cfg.Data.TickQueueSize,
		Logger:    c.logger,
	})
	if err := ticks.Connect(loginCtx); err != nil {
		return nil, err
	}

	orders := NewAngelOrderStream(OrderStreamConfig{
		APIKey:    creds.APIKey,
		ClientID:  creds.ClientID,
		JWTToken:  tokens.JWT,
		QueueSize: c.cfg.Data.OrderQueueSize,
		Logger:    c.logger,
	})
	if err := orders.Connect(loginCtx); err != nil {
		ticks.Close()
		return nil, err
	}

	if len(c.subs) > 0 {
		if err := ticks.Subscribe(loginCtx, c.subs); err != nil {
			ticks.Close()
			orders.Close()
			return nil, err
		}
	}

	c.broker = b
	return &Session{Broker: b, Ticks: ticks, Orders: orders, Tokens: *tokens}, nil
}

func (c *Connector) teardownLocked() {
	if c.session == nil {
		return
	}
	if err := c.session.Ticks.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("closing tick stream")
	}
	if err := c.session.Orders.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("closing order stream")
	}
	c.session = nil
}
