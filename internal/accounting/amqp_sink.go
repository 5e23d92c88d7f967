package accounting

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ag-projects/mediaproxy-dispatcher/internal/logging"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/relay"
)

func init() {
	Register("amqp", newAMQPSink)
}

// amqpSink publishes every stats object as JSON to a fanout exchange,
// grounded on the teacher's own AMQP replication sender
// (cmd/stdiscosrv/amqp.go): dial once in Start, publish on DoAccounting,
// and never let a publish error block the accounting pipeline — it is
// logged and the event is dropped.
type amqpSink struct {
	broker   string
	exchange string
	log      *logging.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

func newAMQPSink(opts Options) (Sink, error) {
	if opts.AMQPURL == "" {
		return nil, fmt.Errorf("accounting[amqp]: AMQPURL is required")
	}
	exchange := opts.AMQPExchange
	if exchange == "" {
		exchange = "mediaproxy.accounting"
	}
	return &amqpSink{
		broker:   opts.AMQPURL,
		exchange: exchange,
		log:      logging.New("accounting[amqp] ", false),
	}, nil
}

func (s *amqpSink) Start(ctx context.Context) error {
	conn, err := amqp.Dial(s.broker)
	if err != nil {
		return fmt.Errorf("AMQP dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("AMQP channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "fanout", false, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("AMQP declare exchange: %w", err)
	}
	s.conn = conn
	s.ch = ch
	return nil
}

func (s *amqpSink) DoAccounting(stats relay.Stats) {
	body, err := json.Marshal(map[string]interface{}(stats))
	if err != nil {
		s.log.Errorf("marshal stats for call_id=%v: %v", stats["call_id"], err)
		return
	}
	err = s.ch.PublishWithContext(context.Background(), s.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		s.log.Errorf("publish stats for call_id=%v: %v", stats["call_id"], err)
	}
}

func (s *amqpSink) Stop() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
