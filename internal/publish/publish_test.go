package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/realm-aggregator/internal/model"
)

func summary(realm string, tvl int64) *model.Summary {
	return &model.Summary{RealmID: realm, TotalValueLocked: decimal.NewFromInt(tvl)}
}

type recordingSink struct {
	mu   sync.Mutex
	seen []*model.Summary
}

func (s *recordingSink) Add(summary *model.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, summary)
}

func TestHub_LastWriteWins(t *testing.T) {
	sink := &recordingSink{}
	hub := NewHub(sink)

	_, ok := hub.Latest("main")
	assert.False(t, ok)

	first, second := summary("main", 1), summary("main", 2)
	hub.Publish(first)
	hub.Publish(second)
	hub.Publish(summary("beta", 3))
	hub.Publish(nil)

	latest, ok := hub.Latest("main")
	require.True(t, ok)
	assert.Same(t, second, latest)
	assert.Equal(t, []string{"beta", "main"}, hub.RealmIDs())
	assert.Len(t, sink.seen, 3)
}

func TestHub_Subscribe(t *testing.T) {
	hub := NewHub()
	updates, cancel := hub.Subscribe("main")

	hub.Publish(summary("other", 1))
	s := summary("main", 2)
	hub.Publish(s)

	select {
	case got := <-updates:
		assert.Same(t, s, got)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	cancel()
	cancel()
	_, open := <-updates
	assert.False(t, open, "channel closes on cancel")

	// publishing after cancel must not panic
	hub.Publish(summary("main", 3))
}

func TestHub_SlowSubscriberDropsUpdates(t *testing.T) {
	hub := NewHub()
	updates, cancel := hub.Subscribe("main")
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Publish(summary("main", int64(i)))
	}

	assert.Len(t, updates, subscriberBuffer)
	latest, _ := hub.Latest("main")
	assert.True(t, latest.TotalValueLocked.Equal(decimal.NewFromInt(subscriberBuffer+4)))
}

type webhook struct {
	mu       sync.Mutex
	payloads []webhookPayload
	auth     []string
	status   int
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	_ = json.NewDecoder(r.Body).Decode(&payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.payloads = append(w.payloads, payload)
	w.auth = append(w.auth, r.Header.Get("Authorization"))
	if w.status != 0 {
		rw.WriteHeader(w.status)
	}
}

func (w *webhook) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.payloads)
}

func TestExporter_FlushesOnStop(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	exporter := NewExporter(ExporterConfig{
		WebhookURL:     srv.URL,
		WebhookAPIKey:  "secret",
		BatchSize:      10,
		ExportInterval: time.Hour,
	})
	exporter.Add(summary("main", 1))
	exporter.Add(summary("beta", 2))
	assert.Equal(t, 2, exporter.Status().CurrentBatch)

	exporter.Stop()

	require.Equal(t, 1, hook.count())
	assert.Equal(t, 2, hook.payloads[0].Count)
	assert.Equal(t, "main", hook.payloads[0].Summaries[0].RealmID)
	assert.Equal(t, "Bearer secret", hook.auth[0])

	status := exporter.Status()
	assert.Equal(t, 2, status.Exported)
	assert.Zero(t, status.CurrentBatch)
	assert.NotEmpty(t, status.LastExport)
}

func TestExporter_FlushesWhenBatchFull(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	exporter := NewExporter(ExporterConfig{WebhookURL: srv.URL, BatchSize: 2, ExportInterval: time.Hour})
	defer exporter.Stop()

	exporter.Add(summary("main", 1))
	exporter.Add(summary("main", 2))

	assert.Eventually(t, func() bool { return hook.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestExporter_FlushesPeriodically(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	exporter := NewExporter(ExporterConfig{WebhookURL: srv.URL, BatchSize: 100, ExportInterval: 20 * time.Millisecond})
	defer exporter.Stop()

	exporter.Add(summary("main", 1))

	assert.Eventually(t, func() bool { return hook.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestExporter_CountsFailures(t *testing.T) {
	hook := &webhook{status: http.StatusBadRequest}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	exporter := NewExporter(ExporterConfig{WebhookURL: srv.URL, BatchSize: 100, ExportInterval: time.Hour})
	exporter.Add(summary("main", 1))
	exporter.Flush(context.Background())

	status := exporter.Status()
	assert.Equal(t, 1, status.Failures)
	assert.Zero(t, status.Exported)

	exporter.Stop()
}

func TestExporter_NoWebhookURL(t *testing.T) {
	exporter := NewExporter(ExporterConfig{})
	exporter.Add(summary("main", 1))
	exporter.Stop()

	assert.Equal(t, 1, exporter.Status().Failures)
}
