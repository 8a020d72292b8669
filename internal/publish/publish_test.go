package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stormtrack/internal/tracks"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var scanTime = time.Date(2024, 5, 17, 21, 5, 0, 0, time.UTC)

func testUpdate() *tracks.Update {
	return &tracks.Update{
		ScanIndex: 1,
		Time:      scanTime,
		Storms:    []tracks.StormInfo{{StormIndex: 0, X: 10, Y: 20, VolumeKm3: 300}},
		Entries: []tracks.Entry{
			{ScanIndex: 1, StormIndex: 0, SimpleID: 4, ComplexID: 2, Event: tracks.EventContinue, ForecastVX: 30},
			{ScanIndex: 1, StormIndex: -1, SimpleID: 5, ComplexID: 3, Event: tracks.EventStop},
		},
	}
}

func TestMessages(t *testing.T) {
	msgs := Messages(testUpdate())
	require.Len(t, msgs, 2)
	assert.Equal(t, 10.0, msgs[0].X)
	assert.Equal(t, 300.0, msgs[0].VolumeKm3)
	assert.Zero(t, msgs[1].X)
	assert.True(t, msgs[1].Time.Equal(scanTime))
}

func TestKafkaPublish(t *testing.T) {
	fw := &fakeWriter{}
	k := &Kafka{writer: fw}
	require.NoError(t, k.Publish(context.Background(), testUpdate()))
	require.Len(t, fw.msgs, 2)

	m := fw.msgs[0]
	assert.Equal(t, []byte("2"), m.Key)
	assert.Equal(t, "event_type", m.Headers[0].Key)
	assert.Equal(t, []byte("continue"), m.Headers[0].Value)
	assert.Equal(t, []byte(scanTime.Format(time.RFC3339)), m.Headers[1].Value)

	var body map[string]any
	require.NoError(t, json.Unmarshal(m.Value, &body))
	assert.Equal(t, "continue", body["event"])
	assert.Equal(t, 4.0, body["simple_id"])
	assert.Equal(t, 30.0, body["forecast_vx_kmh"])

	assert.Contains(t, string(fw.msgs[1].Value), `"event":"stop"`)
	assert.Contains(t, string(fw.msgs[1].Value), `"storm_index":-1`)

	require.NoError(t, k.Close())
	assert.True(t, fw.closed)
}

func TestKafkaPublishEmpty(t *testing.T) {
	fw := &fakeWriter{err: errors.New("should not be called")}
	k := &Kafka{writer: fw}
	assert.NoError(t, k.Publish(context.Background(), &tracks.Update{}))
}

func TestNewKafkaRequiresTopic(t *testing.T) {
	_, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
	k, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "storm-tracks"})
	require.NoError(t, err)
	assert.NoError(t, k.Close())
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	good := &fakeWriter{}
	bad := &fakeWriter{err: boom}
	m := Multi{&Kafka{writer: bad}, &Kafka{writer: good}}

	err := m.Publish(context.Background(), testUpdate())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.msgs, 2)

	require.NoError(t, m.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}
