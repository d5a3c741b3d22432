package ingest

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/example/booking-engine/internal/models"
)

// KafkaProducer ships worker positions and tracking samples to their topics.
type KafkaProducer struct {
	writer        *kafka.Writer
	workerTopic   string
	trackingTopic string
}

func NewKafkaProducer(brokers []string, workerTopic, trackingTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, workerTopic: workerTopic, trackingTopic: trackingTopic}
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b})
}

// PublishWorker is keyed by worker id so one worker's positions stay ordered.
func (k *KafkaProducer) PublishWorker(ctx context.Context, w models.Worker) error {
	return k.publish(ctx, k.workerTopic, w.ID, w)
}

// PublishSample is keyed by booking id.
func (k *KafkaProducer) PublishSample(ctx context.Context, s models.LocationSample) error {
	return k.publish(ctx, k.trackingTopic, s.BookingID, s)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
