package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

// KafkaProducer publishes driver location updates for the consumer sidecar.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(d models.Driver) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(d)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DispatchEvent is one lifecycle event on the dispatch stream; downstream
// analytics and the passenger-notification service consume it.
type DispatchEvent struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id"`
	DriverID  string    `json:"driver_id,omitempty"`
	RideID    string    `json:"ride_id,omitempty"`
	At        time.Time `json:"at"`
}

// EventProducer publishes dispatch lifecycle events, keyed by request so one
// request's events stay ordered within a partition.
type EventProducer struct {
	writer *kafka.Writer
}

func NewEventProducer(brokers []string, topic string) *EventProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &EventProducer{writer: w}
}

func (e *EventProducer) PublishDispatchEvent(ctx context.Context, eventType, requestID, driverID, rideID string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ev := DispatchEvent{Type: eventType, RequestID: requestID, DriverID: driverID, RideID: rideID, At: time.Now().UTC()}
	b, _ := json.Marshal(ev)
	return e.writer.WriteMessages(ctx, kafka.Message{Key: []byte(requestID), Value: b})
}

func (e *EventProducer) Close() error {
	if e.writer == nil {
		return nil
	}
	return e.writer.Close()
}
