package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"identity-service/internal/models"
)

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []Notification
	err   error
	block chan struct{}
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Send(_ context.Context, n Notification) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func sample() Notification {
	return Notification{
		Kind:      models.KindEmailVerification,
		Email:     "jane@example.com",
		Name:      "Jane",
		Code:      "123456",
		ExpiresAt: time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC),
	}
}

func TestDispatcherDelivers(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, zap.NewNop(), 2, 8)
	d.Start()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(sample()))
	}
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, 5, rec.count())

	assert.ErrorIs(t, d.Enqueue(sample()), ErrDispatcherStopped)
	// stopping twice is harmless
	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcherQueueFull(t *testing.T) {
	rec := &recordingNotifier{block: make(chan struct{})}
	d := NewDispatcher(rec, zap.NewNop(), 1, 1)
	d.Start()

	// the worker holds one, the queue holds one more
	require.NoError(t, d.Enqueue(sample()))
	assert.Eventually(t, func() bool { return d.Enqueue(sample()) == nil }, time.Second, time.Millisecond)
	assert.ErrorIs(t, d.Enqueue(sample()), ErrQueueFull)

	close(rec.block)
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, 2, rec.count())
}

func TestDispatcherReportsFailures(t *testing.T) {
	boom := errors.New("smtp down")
	rec := &recordingNotifier{err: boom}
	d := NewDispatcher(rec, zap.NewNop(), 1, 4)

	var (
		mu     sync.Mutex
		failed []error
	)
	d.OnFailure(func(_ Notification, err error) {
		mu.Lock()
		failed = append(failed, err)
		mu.Unlock()
	})
	d.Start()

	require.NoError(t, d.Enqueue(sample()))
	require.NoError(t, d.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], boom)
}

type fakeSender struct {
	messages []*gomail.Message
	err      error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	f.messages = append(f.messages, m...)
	return f.err
}

func TestSMTPNotifier(t *testing.T) {
	sender := &fakeSender{}
	n := NewSMTPNotifierWithSender(sender, "no-reply@example.com")

	require.NoError(t, n.Send(context.Background(), sample()))
	require.Len(t, sender.messages, 1)
	m := sender.messages[0]
	assert.Equal(t, []string{"jane@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"no-reply@example.com"}, m.GetHeader("From"))
	assert.Equal(t, []string{"Confirm your email address"}, m.GetHeader("Subject"))

	reset := sample()
	reset.Kind = models.KindPasswordReset
	require.NoError(t, n.Send(context.Background(), reset))
	assert.Equal(t, []string{"Your password reset code"}, sender.messages[1].GetHeader("Subject"))

	sender.err = errors.New("dial failed")
	assert.Error(t, n.Send(context.Background(), sample()))
}

type fakeProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

func (f *fakeProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.topic, f.key, f.value, f.headers = topic, key, value, headers
	return nil
}

func TestKafkaNotifier(t *testing.T) {
	p := &fakeProducer{}
	n := NewKafkaNotifier(p, "identity.notifications")

	msg := sample()
	msg.RequestID = "req-1"
	require.NoError(t, n.Send(context.Background(), msg))

	assert.Equal(t, "identity.notifications", p.topic)
	assert.Len(t, p.key, 64)
	assert.NotContains(t, string(p.key), "jane")
	assert.Equal(t, "verification.code_issued", p.headers["event_type"])
	assert.Equal(t, "req-1", p.headers["request_id"])

	var decoded Notification
	require.NoError(t, json.Unmarshal(p.value, &decoded))
	assert.Equal(t, "123456", decoded.Code)
	assert.Equal(t, models.KindEmailVerification, decoded.Kind)
}

func TestLogNotifierNeverFails(t *testing.T) {
	assert.NoError(t, NewLogNotifier(zap.NewNop(), false).Send(context.Background(), sample()))
}
