package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/realm-aggregator/internal/model"
)

// ExporterConfig holds configuration for webhook export
type ExporterConfig struct {
	WebhookURL     string        `json:"webhook_url"`
	WebhookAPIKey  string        `json:"webhook_api_key,omitempty"`
	BatchSize      int           `json:"batch_size"`
	ExportInterval time.Duration `json:"export_interval"`
}

// Exporter batches published summaries and posts them to a webhook, either
// every ExportInterval or as soon as a batch is full.
type Exporter struct {
	config     ExporterConfig
	httpClient *retryablehttp.Client

	mutex      sync.Mutex
	batch      []*model.Summary
	lastExport time.Time
	exported   int
	failures   int

	exportMu sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// ExporterStatus reports the exporter's progress
type ExporterStatus struct {
	WebhookURL     string `json:"webhook_url"`
	BatchSize      int    `json:"batch_size"`
	ExportInterval string `json:"export_interval"`
	CurrentBatch   int    `json:"current_batch"`
	Exported       int    `json:"exported"`
	Failures       int    `json:"failures"`
	LastExport     string `json:"last_export,omitempty"`
}

// webhookPayload is the body posted to the webhook
type webhookPayload struct {
	Summaries  []*model.Summary `json:"summaries"`
	ExportTime string           `json:"export_time"`
	Count      int              `json:"count"`
}

// NewExporter creates an exporter and starts its periodic flush
func NewExporter(config ExporterConfig) *Exporter {
	if config.BatchSize <= 0 {
		config.BatchSize = 20
	}
	if config.ExportInterval <= 0 {
		config.ExportInterval = time.Minute
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	ctx, cancel := context.WithCancel(context.Background())
	e := &Exporter{
		config:     config,
		httpClient: client,
		batch:      make([]*model.Summary, 0, config.BatchSize),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go e.periodicExport(ctx)

	logrus.WithField("webhook", config.WebhookURL).Info("Summary exporter initialized")
	return e
}

// Add queues a summary for export
func (e *Exporter) Add(summary *model.Summary) {
	e.mutex.Lock()
	e.batch = append(e.batch, summary)
	full := len(e.batch) >= e.config.BatchSize
	e.mutex.Unlock()

	if full {
		go e.Flush(context.Background())
	}
}

func (e *Exporter) periodicExport(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.config.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Flush exports the queued summaries now. A failed export is dropped after
// the client's retries.
func (e *Exporter) Flush(ctx context.Context) {
	e.exportMu.Lock()
	defer e.exportMu.Unlock()

	e.mutex.Lock()
	if len(e.batch) == 0 {
		e.mutex.Unlock()
		return
	}
	summaries := e.batch
	e.batch = make([]*model.Summary, 0, e.config.BatchSize)
	e.mutex.Unlock()

	err := e.exportToWebhook(ctx, summaries)

	e.mutex.Lock()
	e.lastExport = time.Now()
	if err != nil {
		e.failures++
	} else {
		e.exported += len(summaries)
	}
	e.mutex.Unlock()

	if err != nil {
		logrus.WithError(err).WithField("count", len(summaries)).Error("Failed to export summaries to webhook")
		return
	}
	logrus.WithField("count", len(summaries)).Info("Exported summaries to webhook")
}

func (e *Exporter) exportToWebhook(ctx context.Context, summaries []*model.Summary) error {
	if e.config.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	body, err := json.Marshal(webhookPayload{
		Summaries:  summaries,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(summaries),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal summaries: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.WebhookAPIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Stop ends the periodic flush and exports whatever is still queued
func (e *Exporter) Stop() {
	e.cancel()
	<-e.done
	e.Flush(context.Background())
}

// Status returns the current status of the exporter
func (e *Exporter) Status() ExporterStatus {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	status := ExporterStatus{
		WebhookURL:     e.config.WebhookURL,
		BatchSize:      e.config.BatchSize,
		ExportInterval: e.config.ExportInterval.String(),
		CurrentBatch:   len(e.batch),
		Exported:       e.exported,
		Failures:       e.failures,
	}
	if !e.lastExport.IsZero() {
		status.LastExport = e.lastExport.Format(time.RFC3339)
	}
	return status
}
