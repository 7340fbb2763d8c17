package stomp

import (
	"context"
	"fmt"
	"time"

	"github.com/waldur/site-agent/internal/logging"
	"github.com/waldur/site-agent/internal/resilience"
)

// ReconnectConfig configures the unbounded reconnect loop (spec.md §8).
type ReconnectConfig struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	Jitter            float64
	InitialConnectMax int // bounded attempts before giving up on first connect
}

// DefaultReconnectConfig matches spec.md §8's documented defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:      time.Second,
		MaxDelay:          60 * time.Second,
		Multiplier:        2.0,
		Jitter:            0.25,
		InitialConnectMax: 5,
	}
}

// Listener owns one subscription's lifetime: connect, subscribe, run, and
// reconnect with backoff on disconnect, for as long as its context lives.
type Listener struct {
	dialConfig Config
	reconnect  ReconnectConfig
	logger     *logging.Logger
	lock       resilience.ReconnectLock

	destination    string
	subscriptionID string
	handler        MessageHandler

	OnReconnect func(attempt int) // test/metrics hook
}

// NewListener constructs a Listener for one subscription.
func NewListener(dialConfig Config, reconnectConfig ReconnectConfig, subscriptionID, destination string, handler MessageHandler, logger *logging.Logger) *Listener {
	return &Listener{
		dialConfig:     dialConfig,
		reconnect:      reconnectConfig,
		logger:         logger,
		destination:    destination,
		subscriptionID: subscriptionID,
		handler:        handler,
	}
}

// Run connects, subscribes, and processes frames until ctx is canceled,
// transparently reconnecting on any connection error. It returns only when
// ctx is canceled or the bounded initial-connect attempts are exhausted.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := l.connectWithBoundedRetry(ctx)
	if err != nil {
		return err
	}

	attempt := 0
	for {
		runErr := conn.Run(ctx)
		if ctx.Err() != nil {
			_ = conn.Close()
			return ctx.Err()
		}
		if runErr != nil {
			l.logger.WithField("destination", l.destination).WithError(runErr).
				Warn("stomp connection lost, reconnecting")
		}

		if !l.lock.TryAcquire() {
			// Another goroutine already owns the reconnect for this listener;
			// this path should not normally be hit since Run is single-owner,
			// but guards against a future caller driving Run concurrently.
			return fmt.Errorf("stomp: reconnect already in progress for %s", l.destination)
		}

		conn, err = l.reconnectUnbounded(ctx, &attempt)
		l.lock.Release()
		if err != nil {
			return err
		}
		attempt = 0
	}
}

func (l *Listener) connectWithBoundedRetry(ctx context.Context) (*Conn, error) {
	var lastErr error
	maxAttempts := l.reconnect.InitialConnectMax
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		conn, err := l.connectAndSubscribe(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		l.logger.WithField("destination", l.destination).WithField("attempt", attempt+1).
			WithError(err).Warn("initial stomp connect failed")

		if attempt == maxAttempts-1 {
			break
		}
		delay := resilience.ReconnectBackoff(attempt, l.reconnect.InitialDelay, l.reconnect.MaxDelay, l.reconnect.Multiplier, l.reconnect.Jitter)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("stomp: exhausted %d initial connect attempts for %s: %w", maxAttempts, l.destination, lastErr)
}

// reconnectUnbounded retries forever (until ctx is canceled), per spec.md §8:
// once initially connected, the listener never gives up on reconnecting.
func (l *Listener) reconnectUnbounded(ctx context.Context, attempt *int) (*Conn, error) {
	for {
		conn, err := l.connectAndSubscribe(ctx)
		if err == nil {
			return conn, nil
		}

		l.logger.WithField("destination", l.destination).WithField("attempt", *attempt).
			WithError(err).Warn("stomp reconnect failed")
		if l.OnReconnect != nil {
			l.OnReconnect(*attempt)
		}

		delay := resilience.ReconnectBackoff(*attempt, l.reconnect.InitialDelay, l.reconnect.MaxDelay, l.reconnect.Multiplier, l.reconnect.Jitter)
		*attempt++

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (l *Listener) connectAndSubscribe(ctx context.Context) (*Conn, error) {
	conn, err := Dial(ctx, l.dialConfig)
	if err != nil {
		return nil, err
	}
	if err := conn.Subscribe(l.subscriptionID, l.destination, l.handler); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
