// Package notifier fans change records out to live-update subscribers.
package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"calendar-live/domain"
)

var (
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calendar_stream_subscribers",
		Help: "Attached live-update subscribers.",
	})
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendar_changes_published_total",
		Help: "Change records published by kind.",
	}, []string{"kind"})
	overflowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendar_subscriber_overflows_total",
		Help: "Subscriber buffer overflows by applied policy.",
	}, []string{"policy"})
)

// Notifier publishes change records to every attached subscriber without
// blocking the caller.
type Notifier struct {
	registry *Registry
	buffer   int
	policy   OverflowPolicy
	log      log.FieldLogger
}

// New creates a Notifier whose subscribers buffer up to buffer records.
func New(buffer int, policy OverflowPolicy, logger log.FieldLogger) *Notifier {
	if policy == "" {
		policy = OverflowResync
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Notifier{registry: NewRegistry(), buffer: buffer, policy: policy, log: logger}
}

// Subscribe attaches a new subscriber. Its first record is always a refresh.
func (n *Notifier) Subscribe() *Subscriber {
	s := newSubscriber(n.buffer)
	s.records <- domain.RefreshRecord()
	n.registry.add(s)
	subscribersGauge.Inc()
	n.log.WithField("subscriber", s.ID).Debug("subscriber attached")
	return s
}

// Unsubscribe detaches s. It is safe to call more than once.
func (n *Notifier) Unsubscribe(s *Subscriber) {
	s.detach()
	if n.registry.remove(s) {
		subscribersGauge.Dec()
		n.log.WithField("subscriber", s.ID).Debug("subscriber detached")
	}
}

// Subscribers returns the number of attached subscribers.
func (n *Notifier) Subscribers() int { return n.registry.Len() }

// Publish delivers one record of kind for eventID.
func (n *Notifier) Publish(kind domain.ChangeKind, eventID string) error {
	return n.PublishRecord(domain.ChangeRecord{Kind: kind, EventID: eventID})
}

// PublishRecord delivers rec to every subscriber attached at call time.
func (n *Notifier) PublishRecord(rec domain.ChangeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	publishedTotal.WithLabelValues(string(rec.Kind)).Inc()
	for _, s := range n.registry.Snapshot() {
		switch s.deliver(rec, n.policy) {
		case resynced:
			overflowTotal.WithLabelValues(string(OverflowResync)).Inc()
			n.log.WithField("subscriber", s.ID).Warn("subscriber overflow, sent refresh")
		case evicted:
			overflowTotal.WithLabelValues(string(OverflowDisconnect)).Inc()
			if n.registry.remove(s) {
				subscribersGauge.Dec()
			}
			n.log.WithField("subscriber", s.ID).Warn("slow subscriber evicted")
		}
	}
	return nil
}
