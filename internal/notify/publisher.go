package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/metrics"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
)

// Publisher delivers a payload to a topic or routing key
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// NoopPublisher drops every message
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (NoopPublisher) Close() error                                  { return nil }

// Notifier publishes run summaries. Topics are "<prefix>/runs/<status>"
// on MQTT and "<prefix>.runs.<status>" on AMQP.
type Notifier struct {
	pub     Publisher
	driver  string
	prefix  string
	sep     string
	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewNotifier wraps a publisher
func NewNotifier(pub Publisher, driver, prefix string, m *metrics.Metrics, logger zerolog.Logger) *Notifier {
	sep := "/"
	if driver == "amqp" {
		sep = "."
	}
	return &Notifier{
		pub:     pub,
		driver:  driver,
		prefix:  strings.TrimRight(prefix, "/."),
		sep:     sep,
		timeout: 5 * time.Second,
		metrics: m,
		logger:  logger.With().Str("component", "notifier").Logger(),
	}
}

// New connects the configured notification driver
func New(cfg config.NotifyConfig, m *metrics.Metrics, logger zerolog.Logger) (*Notifier, error) {
	var (
		pub Publisher
		err error
	)
	switch cfg.Driver {
	case "", "none":
		pub = NoopPublisher{}
	case "amqp":
		pub, err = NewAMQPPublisher(AMQPOptions{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange})
	case "mqtt":
		pub, err = NewMQTTPublisher(MQTTOptions{Broker: cfg.MQTTBroker, ClientID: cfg.MQTTClientID, QoS: 1})
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	logger.Info().Str("driver", cfg.Driver).Msg("run notifications configured")
	return NewNotifier(pub, cfg.Driver, cfg.TopicPrefix, m, logger), nil
}

// Topic builds the topic for a run status
func (n *Notifier) Topic(status types.RunStatus) string {
	parts := []string{"runs", string(status)}
	if n.prefix != "" {
		parts = append([]string{n.prefix}, parts...)
	}
	return strings.Join(parts, n.sep)
}

// RunFinished publishes the final summary of a run. Failures are logged
// and counted; a run never fails because of its notification.
func (n *Notifier) RunFinished(ctx context.Context, sum types.RunSummary) {
	if n == nil {
		return
	}
	payload, err := json.Marshal(sum)
	if err != nil {
		n.logger.Error().Err(err).Str("run_id", sum.RunID).Msg("failed to marshal run summary")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	err = n.pub.Publish(ctx, n.Topic(sum.Status), payload)
	n.metrics.RecordNotification(n.driver, err)
	if err != nil {
		n.logger.Warn().Err(err).Str("run_id", sum.RunID).Msg("failed to publish run summary")
		return
	}
	n.logger.Debug().Str("run_id", sum.RunID).Str("status", string(sum.Status)).Msg("run summary published")
}

// Close releases the underlying publisher
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	return n.pub.Close()
}
