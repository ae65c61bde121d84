package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"bountyhub/internal/config"
)

const DefaultExchange = "bountyhub.events"

// Publisher is the subset of *amqp091.Channel the sink uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// AMQPSink publishes events to a topic exchange keyed by event type.
type AMQPSink struct {
	exchange string
	pub      Publisher
	conn     *amqp091.Connection
	channel  *amqp091.Channel
}

func NewAMQPSink(pub Publisher, exchange string) *AMQPSink {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPSink{exchange: exchange, pub: pub}
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(cfg config.AMQPConfig) (*AMQPSink, error) {
	clean, err := SanitizeAMQPURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(clean, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	sink := NewAMQPSink(ch, cfg.Exchange)
	if err := ch.ExchangeDeclare(sink.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	sink.conn = conn
	sink.channel = ch
	return sink, nil
}

func (s *AMQPSink) Name() string { return "amqp:" + s.exchange }

func (s *AMQPSink) Accepts(string) bool { return true }

func (s *AMQPSink) Deliver(ctx context.Context, msg Message) error {
	if s.pub == nil {
		return errors.New("amqp channel not initialized")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339, msg.TS)
	if err != nil {
		ts = time.Now().UTC()
	}
	return s.pub.PublishWithContext(ctx, s.exchange, msg.Type, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    "bountyhub-event-" + strconv.FormatInt(msg.ID, 10),
		Timestamp:    ts,
		Type:         msg.Type,
		Body:         body,
	})
}

func (s *AMQPSink) Close() {
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// SanitizeAMQPURL trims quoting and stray prefixes that env files tend to
// leave around broker URLs.
func SanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url must start with amqp:// or amqps://")
	}
	return clean, nil
}
