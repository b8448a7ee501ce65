package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/venuescout/accessguard/pkg/access"
	"github.com/venuescout/accessguard/pkg/config"
)

// ResilientSink bounds each call with a timeout and sheds events while
// the remote sink is failing
type ResilientSink struct {
	next    access.AuditSink
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewResilientSink wraps next
func NewResilientSink(name string, next access.AuditSink, timeout time.Duration, cfg config.BreakerConfig, logger *logrus.Logger) *ResilientSink {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	return &ResilientSink{
		next:    next,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
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

// LogEvent forwards through the breaker
func (s *ResilientSink) LogEvent(ctx context.Context, name string, payload map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.next.LogEvent(ctx, name, payload)
	})
	return err
}

// State returns the breaker state
func (s *ResilientSink) State() gobreaker.State {
	return s.breaker.State()
}
