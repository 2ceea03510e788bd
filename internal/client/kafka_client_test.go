package client

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestProduceMessageCarriesHeaders(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{Writer: w, brokers: []string{"localhost:9092"}}

	err := p.ProduceMessage(context.Background(), "identity.notifications", []byte("k"), []byte(`{"a":1}`),
		map[string]string{"event_type": "verification.code_issued"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "identity.notifications", msg.Topic)
	assert.Equal(t, []byte("k"), msg.Key)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, "verification.code_issued", string(msg.Headers[0].Value))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestProduceMessageWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaProducer{Writer: &fakeWriter{err: boom}}

	err := p.ProduceMessage(context.Background(), "t", nil, nil, nil)
	assert.ErrorIs(t, err, boom)
}

func TestHealthCheckWithoutBrokers(t *testing.T) {
	p := &KafkaProducer{Writer: &fakeWriter{}}
	assert.EqualError(t, p.HealthCheck(context.Background()), "no kafka brokers configured")
}
