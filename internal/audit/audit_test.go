package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

type memorySink struct {
	name   string
	mu     sync.Mutex
	events []models.SecurityEvent
	err    error
}

func (m *memorySink) Name() string { return m.name }

func (m *memorySink) Write(_ context.Context, events []models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return m.err
}

func (m *memorySink) snapshot() []models.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SecurityEvent(nil), m.events...)
}

func newRecorder(sinks ...Sink) (*Recorder, *util.FakeClock) {
	clock := util.NewFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	r := NewRecorder(sinks, bucketing.NewBucketingManager(64), clock, zap.NewNop(), RecorderOptions{BatchSize: 2, FlushInterval: 10 * time.Millisecond})
	return r, clock
}

func TestRecorderStampsAndFansOut(t *testing.T) {
	good := &memorySink{name: "good"}
	bad := &memorySink{name: "bad", err: errors.New("unavailable")}
	r, _ := newRecorder(good, bad)
	r.Start()

	for _, typ := range []string{models.EventCodeIssued, models.EventInvalidCode, models.EventCodeConfirmed} {
		r.Record(models.SecurityEvent{EventType: typ, Identity: util.Fingerprint("jane@example.com"), Flow: string(models.KindPasswordReset)})
	}
	require.NoError(t, r.Stop(context.Background()))

	events := good.snapshot()
	require.Len(t, events, 3)
	assert.Len(t, bad.snapshot(), 3)

	seen := map[string]bool{}
	for _, ev := range events {
		assert.NotEmpty(t, ev.EventID)
		assert.False(t, seen[ev.EventID])
		seen[ev.EventID] = true
		assert.Equal(t, "2026-03-14", ev.EventDate)
		assert.GreaterOrEqual(t, ev.EventBucket, 0)
		assert.Less(t, ev.EventBucket, 64)
		assert.Equal(t, events[0].EventBucket, ev.EventBucket)
	}
}

func TestRecorderFlushesOnInterval(t *testing.T) {
	sink := &memorySink{name: "mem"}
	r, _ := newRecorder(sink)
	r.Start()
	defer r.Stop(context.Background())

	r.Record(models.SecurityEvent{EventType: models.EventLogout, Identity: "abc"})
	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecorderIgnoresEventsAfterStop(t *testing.T) {
	sink := &memorySink{name: "mem"}
	r, _ := newRecorder(sink)
	r.Start()
	require.NoError(t, r.Stop(context.Background()))

	r.Record(models.SecurityEvent{EventType: models.EventLogin})
	assert.Empty(t, sink.snapshot())

	var nilRecorder *Recorder
	nilRecorder.Record(models.SecurityEvent{EventType: models.EventLogin})
}

func TestRecorderStopWithoutStart(t *testing.T) {
	r, _ := newRecorder(&memorySink{name: "mem"})
	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()))
	r.Start()
}

type fakeClickHouse struct {
	execs []string
	query string
	rows  [][]interface{}
}

func (f *fakeClickHouse) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeClickHouse) BatchInsert(_ context.Context, query string, rows [][]interface{}) error {
	f.query = query
	f.rows = rows
	return nil
}

func TestClickHouseSink(t *testing.T) {
	db := &fakeClickHouse{}
	sink := NewClickHouseSink(db)
	require.NoError(t, sink.EnsureSchema(context.Background()))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS security_events")

	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	err := sink.Write(context.Background(), []models.SecurityEvent{
		{EventID: "e1", EventBucket: 7, EventDate: "2026-03-14", EventTime: at, EventType: models.EventBlocked, Identity: "id"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(db.query, "INSERT INTO security_events"))
	require.Len(t, db.rows, 1)
	require.Len(t, db.rows[0], 11)
	assert.Equal(t, "e1", db.rows[0][0])
	assert.Equal(t, uint16(7), db.rows[0][1])
	assert.Equal(t, models.EventBlocked, db.rows[0][4])
}

func TestElasticsearchSinkIndexesPerDay(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		docs  []models.SecurityEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev models.SecurityEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		docs = append(docs, ev)
		mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	es, err := client.NewESClientFromConfig(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	sink := NewElasticsearchSink(es, "security-events")
	err = sink.Write(context.Background(), []models.SecurityEvent{
		{EventID: "e1", EventDate: "2026-03-14", EventType: models.EventLogin},
		{EventID: "e2", EventDate: "2026-03-15", EventType: models.EventLogout},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/security-events-2026-03-14/_doc/e1", "/security-events-2026-03-15/_doc/e2"}, paths)
	assert.Equal(t, models.EventLogout, docs[1].EventType)
}

func TestElasticsearchSinkSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer srv.Close()

	es, err := client.NewESClientFromConfig(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	err = NewElasticsearchSink(es, "security-events").Write(context.Background(), []models.SecurityEvent{{EventID: "e1", EventDate: "2026-03-14"}})
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	assert.NoError(t, NewLogSink(zap.NewNop()).Write(context.Background(), []models.SecurityEvent{{EventType: models.EventLogin}}))
}
