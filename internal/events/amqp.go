package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"profitpilot/internal/logging"
)

// BrokerPublisher sends a JSON body to an exchange with a routing key
type BrokerPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// AMQPProducer publishes JSON messages to a RabbitMQ topic exchange
type AMQPProducer struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *logging.Logger
}

// LogFallbackPublisher logs events when no broker is configured
type LogFallbackPublisher struct {
	logger *logging.Logger
}

// NewLogFallbackPublisher creates the logging publisher used without AMQP_URL
func NewLogFallbackPublisher() *LogFallbackPublisher {
	return &LogFallbackPublisher{logger: logging.WithComponent("events")}
}

// Publish logs the message instead of sending it
func (p *LogFallbackPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.logger.Debug("Broker disabled, event not forwarded", "exchange", exchange, "routing_key", routingKey)
	return nil
}

// Close is a no-op
func (p *LogFallbackPublisher) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPProducer dials RabbitMQ with a bounded timeout and opens a channel
func NewAMQPProducer(amqpURL string) (*AMQPProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &AMQPProducer{conn: conn, channel: ch, logger: logging.WithComponent("amqp")}, nil
}

// Publish declares the durable topic exchange and publishes body as JSON.
// A failed declare or publish reopens the channel and retries once.
func (p *AMQPProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.publishLocked(ctx, exchange, routingKey, jsonBody); err != nil {
		p.logger.Warn("Publish failed, reopening channel", "exchange", exchange, "error", err)
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
		return p.publishLocked(ctx, exchange, routingKey, jsonBody)
	}
	return nil
}

func (p *AMQPProducer) publishLocked(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}

	return p.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
}

// Close closes the RabbitMQ channel and connection
func (p *AMQPProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// AMQPForwarder subscribes to the bus and forwards every event to a broker
type AMQPForwarder struct {
	publisher BrokerPublisher
	exchange  string
	timeout   time.Duration
	logger    *logging.Logger
}

// NewAMQPForwarder creates a forwarder. A nil publisher falls back to logging.
func NewAMQPForwarder(publisher BrokerPublisher, exchange string) *AMQPForwarder {
	if publisher == nil {
		publisher = NewLogFallbackPublisher()
	}
	return &AMQPForwarder{
		publisher: publisher,
		exchange:  exchange,
		timeout:   5 * time.Second,
		logger:    logging.WithComponent("events"),
	}
}

// RoutingKey maps an event type to its lower-case routing key
func RoutingKey(t EventType) string {
	return strings.ToLower(string(t))
}

// Attach subscribes the forwarder to every event on the bus
func (f *AMQPForwarder) Attach(bus *EventBus) {
	bus.SubscribeAll(f.Forward)
}

// Forward publishes one event. Failures are logged and never returned.
func (f *AMQPForwarder) Forward(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if err := f.publisher.Publish(ctx, f.exchange, RoutingKey(event.Type), event); err != nil {
		f.logger.Warn("Failed to forward event", "event_type", string(event.Type), "event_id", event.ID, "error", err)
	}
}

// Close releases the underlying publisher
func (f *AMQPForwarder) Close() {
	f.publisher.Close()
}
