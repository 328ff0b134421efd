// Package pubsub announces finished rankings on a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
)

// DefaultTopN is the number of leading packages embedded in a notification.
const DefaultTopN = 10

// Notification is the JSON payload of a published message.
type Notification struct {
	Count       int               `json:"count"`
	Source      string            `json:"source,omitempty"`
	Top         []crawler.Package `json:"top"`
	PublishedAt time.Time         `json:"published_at"`
}

// Sink publishes one Notification per accepted ranking.
type Sink struct {
	topic  *pubsub.Topic
	topN   int
	clock  crawler.Clock
	logger *zap.Logger
}

// New creates a Sink publishing to topic.
func New(topic *pubsub.Topic, topN int, clock crawler.Clock, logger *zap.Logger) (*Sink, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{topic: topic, topN: topN, clock: clock, logger: logger.Named("pubsub").With(zap.String("topic", topic.ID()))}, nil
}

// Accept implements crawler.Sink and waits for the broker to acknowledge the
// message.
func (s *Sink) Accept(ctx context.Context, packages []crawler.Package) error {
	note := Notification{
		Count:       len(packages),
		Top:         packages[:min(len(packages), s.topN)],
		PublishedAt: s.clock.Now().UTC(),
	}
	if len(packages) > 0 {
		note.Source = packages[0].Source
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"count":  strconv.Itoa(note.Count),
			"source": note.Source,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Attributes))

	id, err := s.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	s.logger.Info("ranking announced", zap.String("message_id", id), zap.Int("packages", note.Count))
	return nil
}

// Close flushes pending messages.
func (s *Sink) Close() error {
	s.topic.Stop()
	return nil
}
