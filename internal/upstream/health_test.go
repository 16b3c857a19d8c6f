package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/models"
)

type recordingObserver struct {
	calls atomic.Int32
}

func (o *recordingObserver) ObserveUpstreams(_ []models.UpstreamProvider) {
	o.calls.Add(1)
}

func TestProbeAllRestoresRecoveredUpstream(t *testing.T) {
	conn := openUpstreamTestDB(t)
	var sawAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth.Store(r.Header.Get("Authorization"))
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	row := seedUpstream(t, conn, models.UpstreamProvider{
		Name:         "recovering",
		BaseURL:      server.URL + "/v1",
		Credential:   "sk-upstream",
		Status:       models.UpstreamStatusUnhealthy,
		FailureCount: 3,
	})
	registry := NewRegistry(conn, 3)
	observer := &recordingObserver{}
	monitor := NewMonitor(registry, WithProbeTimeout(2*time.Second), WithObserver(observer))

	results := monitor.ProbeAll(context.Background())
	if len(results) != 1 || !results[0].Healthy {
		t.Fatalf("expected one healthy result, got %+v", results)
	}
	got := loadUpstream(t, conn, row.ID)
	if got.Status != models.UpstreamStatusActive || got.FailureCount != 0 {
		t.Fatalf("expected active with 0 failures, got %s/%d", got.Status, got.FailureCount)
	}
	if got.LastChecked == nil {
		t.Fatalf("expected last_checked to be set")
	}
	if auth, _ := sawAuth.Load().(string); auth != "Bearer sk-upstream" {
		t.Fatalf("expected bearer credential, got %q", auth)
	}
	if observer.calls.Load() != 1 {
		t.Fatalf("expected observer to be notified once")
	}
}

func TestProbeAllCountsServerErrorsAndSkipsDisabled(t *testing.T) {
	conn := openUpstreamTestDB(t)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	failing := seedUpstream(t, conn, models.UpstreamProvider{Name: "down", BaseURL: server.URL})
	seedUpstream(t, conn, models.UpstreamProvider{Name: "off", BaseURL: server.URL, Status: models.UpstreamStatusDisabled})

	registry := NewRegistry(conn, 3)
	monitor := NewMonitor(registry, WithProbeTimeout(2*time.Second))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		monitor.ProbeAll(ctx)
	}

	if hits.Load() != 3 {
		t.Fatalf("expected 3 probes against the enabled upstream only, got %d", hits.Load())
	}
	got := loadUpstream(t, conn, failing.ID)
	if got.Status != models.UpstreamStatusUnhealthy || got.FailureCount != 3 {
		t.Fatalf("expected unhealthy with 3 failures, got %s/%d", got.Status, got.FailureCount)
	}
}

func TestProbeTreatsClientErrorsAsReachable(t *testing.T) {
	conn := openUpstreamTestDB(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	row := seedUpstream(t, conn, models.UpstreamProvider{Name: "auth", BaseURL: server.URL, FailureCount: 2})
	monitor := NewMonitor(NewRegistry(conn, 3))

	result, errProbe := monitor.ProbeOne(context.Background(), row.ID)
	if errProbe != nil {
		t.Fatalf("probe one: %v", errProbe)
	}
	if !result.Healthy || result.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected reachable 401, got %+v", result)
	}
	if got := loadUpstream(t, conn, row.ID); got.FailureCount != 0 {
		t.Fatalf("expected failure count reset, got %d", got.FailureCount)
	}
}

func TestMonitorTriggerRunsProbeRound(t *testing.T) {
	conn := openUpstreamTestDB(t)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	seedUpstream(t, conn, models.UpstreamProvider{Name: "ok", BaseURL: server.URL})

	monitor := NewMonitor(NewRegistry(conn, 3), WithInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for hits.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	monitor.Trigger()
	for hits.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hits.Load() < 2 {
		t.Fatalf("expected a triggered probe round, got %d probes", hits.Load())
	}
}

func TestProbeURL(t *testing.T) {
	row := models.UpstreamProvider{BaseURL: "https://api.example.com/v1/"}
	if got := ProbeURL(row); got != "https://api.example.com/v1/models" {
		t.Fatalf("unexpected probe url %q", got)
	}
	row.HealthPath = "/health"
	if got := ProbeURL(row); got != "https://api.example.com/v1/health" {
		t.Fatalf("unexpected probe url %q", got)
	}
}
