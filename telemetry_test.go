package reportsync

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/reportsync/client"
)

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, err := SetupTelemetry(context.Background(), TelemetryConfig{}, nil)
	if err != nil || tel != nil {
		t.Fatalf("expected nil telemetry, got %v %v", tel, err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
	if _, err := SetupTelemetry(context.Background(), TelemetryConfig{RuntimeMetrics: true}, nil); err == nil {
		t.Fatal("expected runtime metrics without listener to fail")
	}
}

func TestSetupTelemetryServesClientMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tel, err := SetupTelemetry(ctx, TelemetryConfig{MetricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	if tel.MeterProvider() == nil || tel.TracingEnabled() {
		t.Fatal("expected metrics only")
	}

	ts := StartTestServer(t, WithTestClientOptions(client.WithMeterProvider(tel.MeterProvider())))
	if err := ts.Client.Validate(ctx); err != nil {
		t.Fatalf("validate: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+tel.MetricsAddr().String()+"/metrics", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "reportsync_client_requests") {
		t.Fatalf("expected client request counter in scrape, got:\n%s", body)
	}
}
