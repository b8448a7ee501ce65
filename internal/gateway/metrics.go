package gateway

import (
	"github.com/venuescout/accessguard/internal/monitor"
	"github.com/venuescout/accessguard/pkg/access"
	"github.com/venuescout/accessguard/pkg/monitoring"
)

// MetricsSubscriber is the bus subscriber name used by AttachMetrics
const MetricsSubscriber = "metrics"

// AttachMetrics feeds engine events into the Prometheus collectors
func AttachMetrics(bus *monitor.Bus, metrics *monitoring.MetricsCollector) {
	bus.Subscribe(MetricsSubscriber, func(evt monitor.Event) {
		recordEvent(metrics, evt)
	})
}

func recordEvent(metrics *monitoring.MetricsCollector, evt monitor.Event) {
	switch evt.Type {
	case monitor.EventAttemptRecorded:
		result, _ := evt.Payload["result"].(string)
		reason, _ := evt.Payload["reason"].(string)
		metrics.RecordDecision(result, reason)
	case monitor.EventRateLimitTripped:
		endpoint, _ := evt.Payload["endpoint"].(string)
		metrics.RecordRateLimitTrip(endpoint)
	case monitor.EventIdentityBlocked:
		metrics.RecordBlockChange(access.BlockIdentity, true)
	case monitor.EventIdentityUnblocked:
		metrics.RecordBlockChange(access.BlockIdentity, false)
	case monitor.EventOriginBlocked:
		metrics.RecordBlockChange(access.BlockOrigin, true)
	case monitor.EventOriginUnblocked:
		metrics.RecordBlockChange(access.BlockOrigin, false)
	}
}
