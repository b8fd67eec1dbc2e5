// Package monitoring publishes sync run reports to Kafka for external
// dashboards and alerting. Publishing is best effort: a broker outage never
// fails a run.
package monitoring

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kay-ou/SimTradeData/internal/model"
)

// Publisher writes run reports to one Kafka topic. A nil Publisher is a
// valid no-op, so wiring stays unconditional.
type Publisher struct {
	writer *kafka.Writer
	topic  string
	logger *zap.Logger
}

// NewPublisher creates a run-report publisher. Returns nil when no
// brokers are configured.
func NewPublisher(brokers []string, topic, clientID string, logger *zap.Logger) *Publisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}
	return &Publisher{writer: writer, topic: topic, logger: logger}
}

// PublishRunReport sends one run report, keyed by run ID.
func (p *Publisher) PublishRunReport(ctx context.Context, report *model.RunReport) error {
	if p == nil {
		return nil
	}
	value, err := json.Marshal(report)
	if err != nil {
		p.logger.Error("Failed to marshal run report",
			zap.String("run_id", report.RunID),
			zap.Error(err))
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(report.RunID),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		p.logger.Error("Failed to publish run report",
			zap.String("topic", p.topic),
			zap.String("run_id", report.RunID),
			zap.Error(err))
		return err
	}

	p.logger.Debug("Run report published",
		zap.String("topic", p.topic),
		zap.String("run_id", report.RunID))
	return nil
}

// Close shuts the underlying writer down.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
