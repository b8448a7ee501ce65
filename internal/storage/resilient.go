package storage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/venuescout/accessguard/pkg/access"
	"github.com/venuescout/accessguard/pkg/config"
)

type getResult struct {
	value []byte
	found bool
}

// ResilientStore bounds every call with a timeout and stops calling a
// failing backend until the breaker half-opens
type ResilientStore struct {
	next    access.Store
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	onError func(op string, err error)
}

// NewResilientStore wraps next with a timeout and a circuit breaker
func NewResilientStore(next access.Store, timeout time.Duration, cfg config.BreakerConfig, logger *logrus.Logger) *ResilientStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	return &ResilientStore{
		next:    next,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "store",
			MaxRequests: 1,
			Interval:    cfg.Interval,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker state changed")
			},
		}),
	}
}

// OnError registers a callback for failed calls, used for metrics
func (s *ResilientStore) OnError(fn func(op string, err error)) {
	s.onError = fn
}

// Get reads through the breaker
func (s *ResilientStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.breaker.Execute(func() (interface{}, error) {
		v, found, err := s.next.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return getResult{value: v, found: found}, nil
	})
	if err != nil {
		s.failed("get", err)
		return nil, false, access.NewErrorWithCause(access.ErrorTypeResource, access.ErrStoreUnavailable.Code, "store get failed", err).WithSubject(key)
	}
	r := res.(getResult)
	return r.value, r.found, nil
}

// Set writes through the breaker
func (s *ResilientStore) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.next.Set(ctx, key, value)
	})
	if err != nil {
		s.failed("set", err)
		return access.NewErrorWithCause(access.ErrorTypeResource, access.ErrStoreUnavailable.Code, "store set failed", err).WithSubject(key)
	}
	return nil
}

// Ping checks the wrapped store when it supports it
func (s *ResilientStore) Ping(ctx context.Context) error {
	if p, ok := s.next.(access.Pinger); ok {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return p.Ping(ctx)
	}
	return nil
}

// State returns the breaker state
func (s *ResilientStore) State() gobreaker.State {
	return s.breaker.State()
}

func (s *ResilientStore) failed(op string, err error) {
	if s.onError != nil {
		s.onError(op, err)
	}
}
