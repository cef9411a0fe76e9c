package ingestion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig holds configuration for retry mechanisms
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	JitterRange float64 // 0.0 to 1.0
	Name        string
}

func DefaultRetryConfig(name string) RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		JitterRange: 0.1,
		Name:        name,
	}
}

// permanentError stops a Retryer immediately.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryer handles retry logic with exponential backoff and jitter
type Retryer struct {
	config RetryConfig
	log    *logrus.Entry
	rng    *rand.Rand
}

func NewRetryer(config RetryConfig, logger *logrus.Logger) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay < 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.JitterRange < 0 || config.JitterRange > 1.0 {
		config.JitterRange = 0.1
	}
	if config.Name == "" {
		config.Name = "retry"
	}
	return &Retryer{
		config: config,
		log:    logger.WithField("component", config.Name),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute runs fn until it succeeds, returns a Permanent error, ctx ends or
// the attempts are used up.
func (r *Retryer) Execute(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				r.log.Infof("succeeded on attempt %d", attempt)
			}
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			r.log.WithError(err).Error("non-retryable error")
			return perm.err
		}

		if attempt == r.config.MaxAttempts {
			r.log.WithError(err).Errorf("all %d attempts failed", attempt)
			break
		}

		delay := r.delay(attempt)
		r.log.WithError(err).Warnf("attempt %d failed, retrying in %v", attempt, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
}

// delay is BaseDelay * Multiplier^(attempt-1), capped at MaxDelay, plus or
// minus jitter, never below BaseDelay.
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}

	if r.config.JitterRange > 0 {
		jitter := r.rng.Float64() * r.config.JitterRange * d
		if r.rng.Float64() < 0.5 {
			d -= jitter
		} else {
			d += jitter
		}
	}

	if d < float64(r.config.BaseDelay) {
		d = float64(r.config.BaseDelay)
	}
	return time.Duration(d)
}
