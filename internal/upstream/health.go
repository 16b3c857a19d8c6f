package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/models"
	log "github.com/sirupsen/logrus"
)

const (
	defaultProbeInterval    = time.Minute
	defaultProbeTimeout     = 10 * time.Second
	defaultProbeConcurrency = 5
	defaultHealthPath       = "/models"
	maxProbeBodyBytes       = 512
)

// ProbeResult is the outcome of probing one upstream.
type ProbeResult struct {
	UpstreamID uint64
	Healthy    bool
	StatusCode int
	Latency    time.Duration
	Err        string
}

// StatusObserver receives upstream status after every probe round.
type StatusObserver interface {
	ObserveUpstreams(rows []models.UpstreamProvider)
}

// Monitor probes every configured upstream on a fixed interval, independent of request traffic.
type Monitor struct {
	registry    *Registry
	client      *http.Client
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	observer    StatusObserver

	trigger chan struct{}
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithProbeTimeout sets the per-probe timeout.
func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithConcurrency bounds simultaneous probes.
func WithConcurrency(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithHTTPClient overrides the probe HTTP client.
func WithHTTPClient(client *http.Client) MonitorOption {
	return func(m *Monitor) {
		if client != nil {
			m.client = client
		}
	}
}

// WithObserver registers a status observer, e.g. a metrics collector.
func WithObserver(observer StatusObserver) MonitorOption {
	return func(m *Monitor) {
		m.observer = observer
	}
}

// NewMonitor constructs a health monitor.
func NewMonitor(registry *Registry, opts ...MonitorOption) *Monitor {
	if registry == nil {
		return nil
	}
	m := &Monitor{
		registry:    registry,
		client:      &http.Client{},
		interval:    defaultProbeInterval,
		timeout:     defaultProbeTimeout,
		concurrency: defaultProbeConcurrency,
		trigger:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the probe loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go m.run(ctx)
	log.Infof("upstream health monitor started (interval=%s)", m.interval)
}

// Trigger requests an immediate probe round without waiting for it.
func (m *Monitor) Trigger() {
	if m == nil {
		return
	}
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *Monitor) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		m.ProbeAll(ctx)
		timer := time.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-m.trigger:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

// ProbeAll probes every non-disabled upstream and records the outcomes.
func (m *Monitor) ProbeAll(ctx context.Context) []ProbeResult {
	if errReload := m.registry.Reload(ctx); errReload != nil {
		log.WithError(errReload).Warn("upstream health: reload failed")
	}

	rows := m.registry.Snapshot()
	results := make([]ProbeResult, 0, len(rows))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.concurrency)

	for _, row := range rows {
		if row.Status == models.UpstreamStatusDisabled {
			continue
		}
		row := row
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			result := m.probe(ctx, row)
			m.record(ctx, result)
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if m.observer != nil {
		m.observer.ObserveUpstreams(m.registry.Snapshot())
	}
	return results
}

// ProbeOne probes a single upstream by id, including disabled ones, and records the outcome.
// A disabled upstream keeps its status whatever the result.
func (m *Monitor) ProbeOne(ctx context.Context, id uint64) (ProbeResult, error) {
	if errReload := m.registry.Reload(ctx); errReload != nil {
		return ProbeResult{}, errReload
	}
	row, ok := m.registry.Get(id)
	if !ok {
		return ProbeResult{}, ErrUpstreamNotFound
	}
	result := m.probe(ctx, row)
	m.record(ctx, result)
	if m.observer != nil {
		m.observer.ObserveUpstreams(m.registry.Snapshot())
	}
	return result, nil
}

func (m *Monitor) record(ctx context.Context, result ProbeResult) {
	var errRecord error
	if result.Healthy {
		errRecord = m.registry.RecordSuccess(ctx, result.UpstreamID)
	} else {
		errRecord = m.registry.RecordFailure(ctx, result.UpstreamID, "probe: "+result.Err)
	}
	if errRecord != nil {
		log.WithError(errRecord).WithField("upstream_id", result.UpstreamID).Warn("upstream health: record outcome failed")
	}
}

// probe issues a lightweight GET. Transport errors and 5xx count as failures; any other status
// proves the upstream is reachable.
func (m *Monitor) probe(ctx context.Context, row models.UpstreamProvider) ProbeResult {
	result := ProbeResult{UpstreamID: row.ID}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, errReq := http.NewRequestWithContext(probeCtx, http.MethodGet, ProbeURL(row), nil)
	if errReq != nil {
		result.Err = errReq.Error()
		return result
	}
	ApplyUpstreamHeaders(req, row)

	start := time.Now()
	resp, errDo := m.client.Do(req)
	result.Latency = time.Since(start)
	if errDo != nil {
		result.Err = errDo.Error()
		return result
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodyBytes))
		result.Err = fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return result
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBodyBytes))
	result.Healthy = true
	return result
}

// ProbeURL joins the base URL with the upstream's health path.
func ProbeURL(row models.UpstreamProvider) string {
	path := strings.TrimSpace(row.HealthPath)
	if path == "" {
		path = defaultHealthPath
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return JoinURL(row.BaseURL, path)
}

// JoinURL joins a base URL and a path with exactly one slash.
func JoinURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/" + strings.TrimLeft(path, "/")
}

// ApplyUpstreamHeaders sets the credential and configured extra headers on an outbound request.
func ApplyUpstreamHeaders(req *http.Request, row models.UpstreamProvider) {
	if credential := strings.TrimSpace(row.Credential); credential != "" {
		if strings.EqualFold(row.Provider, "anthropic") {
			req.Header.Set("x-api-key", credential)
		} else {
			req.Header.Set("Authorization", "Bearer "+credential)
		}
	}
	if len(row.Headers) == 0 {
		return
	}
	var extra map[string]string
	if errUnmarshal := json.Unmarshal(row.Headers, &extra); errUnmarshal != nil {
		return
	}
	for k, v := range extra {
		if strings.TrimSpace(k) != "" {
			req.Header.Set(k, v)
		}
	}
}
