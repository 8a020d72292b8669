// Package publish sends track entries to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/banshee-data/stormtrack/internal/tracks"
)

// Publisher delivers one scan's track update.
type Publisher interface {
	Publish(ctx context.Context, u *tracks.Update) error
	Close() error
}

// ArchiveObserver is implemented by publishers that follow the driver to a
// new archive base mid-run. Track ids restart with the new archive.
type ArchiveObserver interface {
	ArchiveChanged(ctx context.Context, base string) error
}

// Message is the JSON body of one published track entry.
type Message struct {
	tracks.Entry
	Time      time.Time `json:"time"`
	Restart   bool      `json:"restart,omitempty"`
	X         float64   `json:"x,omitempty"`
	Y         float64   `json:"y,omitempty"`
	VolumeKm3 float64   `json:"volume_km3,omitempty"`
}

// Messages flattens an update into one message per entry. Entries for
// current storms carry the storm's position and volume.
func Messages(u *tracks.Update) []Message {
	out := make([]Message, len(u.Entries))
	for i, e := range u.Entries {
		m := Message{Entry: e, Time: u.Time, Restart: u.Restart}
		if e.StormIndex >= 0 && e.StormIndex < len(u.Storms) {
			s := u.Storms[e.StormIndex]
			m.X, m.Y, m.VolumeKm3 = s.X, s.Y, s.VolumeKm3
		}
		out[i] = m
	}
	return out
}

// messageWriter is the subset of *kafkago.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaConfig locates the track topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Kafka publishes track entries to a Kafka topic, keyed by complex
// track id so that a complex track's entries stay in order on one
// partition.
type Kafka struct {
	writer messageWriter
}

// NewKafka creates a producer for cfg.Topic.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("publish: kafka brokers and topic are required")
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Kafka{writer: w}, nil
}

// Publish implements Publisher.
func (k *Kafka) Publish(ctx context.Context, u *tracks.Update) error {
	msgs := Messages(u)
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafkago.Message, len(msgs))
	for i, m := range msgs {
		km, err := toKafka(m)
		if err != nil {
			return err
		}
		out[i] = km
	}
	return k.writer.WriteMessages(ctx, out...)
}

// Close implements Publisher.
func (k *Kafka) Close() error { return k.writer.Close() }

func toKafka(m Message) (kafkago.Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize track entry: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(strconv.Itoa(m.ComplexID)),
		Value: data,
		Time:  m.Time,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(m.Event.String())},
			{Key: "scan_time", Value: []byte(m.Time.Format(time.RFC3339))},
		},
	}, nil
}

// Multi fans an update out to several publishers. Every publisher is
// tried; the errors are joined.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, u *tracks.Update) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ArchiveChanged forwards to every member that is an ArchiveObserver.
func (m Multi) ArchiveChanged(ctx context.Context, base string) error {
	var errs []error
	for _, p := range m {
		if o, ok := p.(ArchiveObserver); ok {
			if err := o.ArchiveChanged(ctx, base); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
