// Package events publishes conversation turns and scoring results to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/fluency"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/metrics"
)

// TurnEvent is published for every appended conversation turn.
type TurnEvent struct {
	SessionID string                `json:"sessionId"`
	Part      int                   `json:"part"`
	Role      string                `json:"role"`
	Text      string                `json:"text"`
	Metric    *fluency.SpeechMetric `json:"metric,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
}

// ScoreEvent is published when the scoring reply arrives.
type ScoreEvent struct {
	SessionID string    `json:"sessionId"`
	Part      int       `json:"part"`
	Model     string    `json:"model"`
	Summary   string    `json:"summary"`
	Feedback  string    `json:"feedback"`
	CreatedAt time.Time `json:"createdAt"`
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers    []string
	TopicTurns string
	TopicScore string
	Enabled    bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes session events to separate topics. With Kafka disabled
// it only logs them.
type Publisher struct {
	turns      messageWriter
	scores     messageWriter
	topicTurns string
	topicScore string
	enabled    bool
	log        zerolog.Logger
}

// New creates a publisher. A nil or disabled config yields log-only mode.
func New(cfg *Config, log zerolog.Logger) *Publisher {
	if cfg == nil {
		log.Info().Msg("kafka disabled (nil config), using log-only mode")
		return &Publisher{log: log}
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("kafka disabled, using log-only mode")
		return &Publisher{topicTurns: cfg.TopicTurns, topicScore: cfg.TopicScore, log: log}
	}

	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	transport := &kafka.Transport{Dial: dialer.DialFunc}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTurns", cfg.TopicTurns).
		Str("topicScore", cfg.TopicScore).
		Msg("kafka publisher initialized")

	return &Publisher{
		turns:      newWriter(cfg.TopicTurns),
		scores:     newWriter(cfg.TopicScore),
		topicTurns: cfg.TopicTurns,
		topicScore: cfg.TopicScore,
		enabled:    true,
		log:        log,
	}
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// PublishTurn publishes a turn keyed by session id, keeping a session's turns
// ordered within one partition.
func (p *Publisher) PublishTurn(ctx context.Context, ev TurnEvent) error {
	return p.publish(ctx, p.turns, p.topicTurns, ev.SessionID, ev)
}

// PublishScore publishes a scoring result.
func (p *Publisher) PublishScore(ctx context.Context, ev ScoreEvent) error {
	return p.publish(ctx, p.scores, p.topicScore, ev.SessionID, ev)
}

func (p *Publisher) publish(ctx context.Context, w messageWriter, topic, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return err
	}

	p.log.Debug().
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("publishing event")

	if !p.enabled || w == nil {
		metrics.EventsPublished.WithLabelValues(topic, "logged").Inc()
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(topic)},
		},
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		p.log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("failed to write to kafka")
		metrics.EventsPublished.WithLabelValues(topic, "error").Inc()
		return err
	}
	metrics.EventsPublished.WithLabelValues(topic, "ok").Inc()
	return nil
}

// Close closes both writers.
func (p *Publisher) Close() error {
	var errs []error
	for _, w := range []messageWriter{p.turns, p.scores} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
