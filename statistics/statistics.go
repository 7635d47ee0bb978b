/*
Package statistics contains post-commit observers for finalized decisions.

PURPOSE:
  After a finalization commits, downstream consumers (statistics pipelines,
  dashboards) are told about it. Delivery is fire-and-forget: the decision
  is already committed, so observer failures are logged and dropped, never
  retried synchronously and never able to unwind anything.

IMPLEMENTATIONS:
  LogObserver:    Structured zap log line per finalized decision
  AMQPPublisher:  Publishes a JSON message to a RabbitMQ exchange

SEE ALSO:
  - finalize/orchestrator.go: Where observers are invoked, strictly
    post-commit
*/
package statistics

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saksys/benefit-engine/finalize"
)

// =============================================================================
// LOG OBSERVER
// =============================================================================

// LogObserver writes one structured log line per finalized decision.
type LogObserver struct {
	Log *zap.Logger
}

func NewLogObserver(log *zap.Logger) *LogObserver {
	return &LogObserver{Log: log}
}

func (o *LogObserver) HandleFinalized(_ context.Context, n finalize.Notification) error {
	o.Log.Info("treatment finalized",
		zap.String("correlation_id", string(n.CorrelationID)),
		zap.String("case_id", string(n.CaseID)),
		zap.String("treatment_id", string(n.TreatmentID)),
		zap.String("decision_id", string(n.DecisionID)),
		zap.String("kind", string(n.Kind)),
		zap.String("net", n.Net.String()),
		zap.String("attestant", n.Attestant.Ident()),
	)
	return nil
}

// =============================================================================
// AMQP PUBLISHER
// =============================================================================

// AMQPPublisher publishes finalization messages to a RabbitMQ exchange.
type AMQPPublisher struct {
	channel    *amqp091.Channel
	exchange   string
	routingKey string
}

// NewAMQPPublisher opens a channel on the connection and declares a
// durable topic exchange.
func NewAMQPPublisher(conn *amqp091.Connection, exchange, routingKey string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	return &AMQPPublisher{channel: ch, exchange: exchange, routingKey: routingKey}, nil
}

type finalizedMessage struct {
	CorrelationID string `json:"correlation_id"`
	CaseID        string `json:"case_id"`
	TreatmentID   string `json:"treatment_id"`
	DecisionID    string `json:"decision_id"`
	Kind          string `json:"kind"`
	Net           string `json:"net"`
	Attestant     string `json:"attestant"`
}

func (p *AMQPPublisher) HandleFinalized(ctx context.Context, n finalize.Notification) error {
	body, err := json.Marshal(finalizedMessage{
		CorrelationID: string(n.CorrelationID),
		CaseID:        string(n.CaseID),
		TreatmentID:   string(n.TreatmentID),
		DecisionID:    string(n.DecisionID),
		Kind:          string(n.Kind),
		Net:           n.Net.Value.String(),
		Attestant:     n.Attestant.Ident(),
	})
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close releases the channel.
func (p *AMQPPublisher) Close() error {
	return p.channel.Close()
}
