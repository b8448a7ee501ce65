package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/internal/monitor"
	"github.com/venuescout/accessguard/pkg/access"
	"golang.org/x/time/rate"
)

// Forwarder delivers bus events to an audit sink. Sink errors are counted
// and logged at most once per interval; they never reach the publisher.
type Forwarder struct {
	sink      access.AuditSink
	timeout   time.Duration
	types     map[monitor.EventType]bool
	logger    *logrus.Logger
	throttle  *rate.Sometimes
	forwarded atomic.Int64
	failures  atomic.Int64
}

// ForwarderOption configures a Forwarder
type ForwarderOption func(*Forwarder)

// OnlyTypes restricts forwarding to the given event types
func OnlyTypes(types ...monitor.EventType) ForwarderOption {
	return func(f *Forwarder) {
		f.types = make(map[monitor.EventType]bool, len(types))
		for _, t := range types {
			f.types[t] = true
		}
	}
}

// ErrorLogInterval sets the minimum spacing between sink error logs
func ErrorLogInterval(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.throttle = &rate.Sometimes{First: 1, Interval: d}
	}
}

// NewForwarder creates a forwarder writing to sink
func NewForwarder(sink access.AuditSink, timeout time.Duration, logger *logrus.Logger, opts ...ForwarderOption) *Forwarder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	f := &Forwarder{
		sink:     sink,
		timeout:  timeout,
		logger:   logger,
		throttle: &rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Attach subscribes the forwarder to bus under name
func (f *Forwarder) Attach(bus *monitor.Bus, name string) {
	bus.Subscribe(name, f.Handle)
}

// Handle forwards one event
func (f *Forwarder) Handle(evt monitor.Event) {
	if f.types != nil && !f.types[evt.Type] {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if err := f.sink.LogEvent(ctx, string(evt.Type), Payload(evt)); err != nil {
		failures := f.failures.Add(1)
		f.throttle.Do(func() {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"event":    evt.Type,
				"failures": failures,
			}).Error("Failed to deliver audit event")
		})
		return
	}
	f.forwarded.Add(1)
}

// Forwarded returns the number of delivered events
func (f *Forwarder) Forwarded() int64 {
	return f.forwarded.Load()
}

// Failures returns the number of events the sink rejected
func (f *Forwarder) Failures() int64 {
	return f.failures.Load()
}

// Payload flattens an event into the map handed to sinks
func Payload(evt monitor.Event) map[string]interface{} {
	payload := make(map[string]interface{}, len(evt.Payload)+4)
	for k, v := range evt.Payload {
		payload[k] = v
	}
	payload[KeyEventID] = evt.ID
	payload[KeyTimestamp] = evt.Timestamp.UTC()
	if evt.Identity != "" {
		payload[KeyIdentity] = evt.Identity
	}
	if evt.Origin != "" {
		payload[KeyOrigin] = evt.Origin
	}
	return payload
}
