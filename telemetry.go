package satchel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// TelemetryPublisher pushes status gauges to a Prometheus remote-write
// endpoint on an interval, giving deployments fleet-wide visibility into
// sync backlogs and storage pressure on classroom devices.
type TelemetryPublisher struct {
	config TelemetryConfig
	status func(ctx context.Context) Status
	client HTTPDoer
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewTelemetryPublisher creates a publisher fed by the status function,
// normally Orchestrator.Status.
func NewTelemetryPublisher(cfg TelemetryConfig, status func(ctx context.Context) Status) (*TelemetryPublisher, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("telemetry endpoint is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &TelemetryPublisher{
		config:  cfg,
		status:  status,
		client:  client,
		logger:  slog.Default().With("component", "telemetry"),
		closeCh: make(chan struct{}),
	}, nil
}

// Start launches the publish loop.
func (t *TelemetryPublisher) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop shuts the publisher down.
func (t *TelemetryPublisher) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.closeCh)
	t.wg.Wait()
}

func (t *TelemetryPublisher) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.config.Timeout)
			if err := t.Publish(ctx); err != nil {
				t.logger.Warn("telemetry push failed", "err", err)
			}
			cancel()
		}
	}
}

// Publish pushes one status snapshot immediately.
func (t *TelemetryPublisher) Publish(ctx context.Context) error {
	status := t.status(ctx)
	payload, err := t.encode(status)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("remote write rejected: status %d", resp.StatusCode)
	}
	return nil
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// encode converts a status snapshot into a snappy-compressed remote-write
// request of gauges, one series per field.
func (t *TelemetryPublisher) encode(status Status) ([]byte, error) {
	now := time.Now().UnixMilli()
	device := t.config.DeviceID
	if device == "" {
		device, _ = os.Hostname()
	}

	gauges := []struct {
		name  string
		value float64
	}{
		{"satchel_online", boolGauge(status.IsOnline)},
		{"satchel_syncing", boolGauge(status.IsSyncing)},
		{"satchel_pending_sync_items", float64(status.PendingSyncCount)},
		{"satchel_dead_letter_items", float64(status.DeadLetterCount)},
		{"satchel_storage_used_bytes", float64(status.StorageUsed)},
		{"satchel_storage_available_bytes", float64(status.StorageAvailable)},
	}

	req := prompb.WriteRequest{
		Timeseries: make([]prompb.TimeSeries, 0, len(gauges)),
	}
	for _, g := range gauges {
		req.Timeseries = append(req.Timeseries, prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: g.name},
				{Name: "device", Value: device},
			},
			Samples: []prompb.Sample{
				{Value: g.value, Timestamp: now},
			},
		})
	}

	data, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal write request: %w", err)
	}
	return snappy.Encode(nil, data), nil
}
