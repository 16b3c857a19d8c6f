package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/access"
	"github.com/router-for-me/MeteredGateway/internal/billing"
	"github.com/router-for-me/MeteredGateway/internal/db"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/pricing"
	internalsettings "github.com/router-for-me/MeteredGateway/internal/settings"
	"github.com/router-for-me/MeteredGateway/internal/upstream"
	"github.com/router-for-me/MeteredGateway/internal/usage"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

const testModel = "gpt-test"

type pipelineFixture struct {
	conn      *gorm.DB
	registry  *upstream.Registry
	billing   *billing.Service
	pipeline  *Pipeline
	principal *access.Principal
}

func newPipelineFixture(t *testing.T, balance string) *pipelineFixture {
	t.Helper()
	conn, errOpen := db.Open(fmt.Sprintf("file:gateway_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	internalsettings.StoreDBConfig(time.Now(), map[string]json.RawMessage{})

	billingService := billing.NewService(conn, billing.NewClock(billing.DefaultTimezone, nil))
	user := models.User{Username: "alice", Password: "x", Status: models.UserStatusActive, Role: models.UserRoleUser}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	if amount := decimal.RequireFromString(balance); amount.IsPositive() {
		if _, errCredit := billingService.Credit(context.Background(), billing.Entry{UserID: user.ID, Amount: amount, Description: "seed"}); errCredit != nil {
			t.Fatalf("seed balance: %v", errCredit)
		}
	}
	key := models.APIKey{UserID: user.ID, Name: "default", KeyHash: "hash-" + user.Username, KeyPrefix: "sk-test", Status: models.APIKeyStatusActive}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}

	prices := pricing.NewTable(conn, "")
	if errPrice := prices.AddVersion(context.Background(), &models.ModelPricing{
		ModelName:        testModel,
		InputPricePer1K:  1,
		OutputPricePer1K: 2,
		MarkupMultiplier: 1,
		EffectiveFrom:    time.Now().Add(-time.Hour),
	}); errPrice != nil {
		t.Fatalf("add price: %v", errPrice)
	}

	registry := upstream.NewRegistry(conn, 3)
	return &pipelineFixture{
		conn:     conn,
		registry: registry,
		billing:  billingService,
		pipeline: NewPipeline(conn, registry, prices, billingService, usage.NewLedger(conn), Options{}),
		principal: &access.Principal{
			APIKeyID:   key.ID,
			KeyStatus:  models.APIKeyStatusActive,
			UserID:     user.ID,
			Username:   user.Username,
			UserStatus: models.UserStatusActive,
			Role:       models.UserRoleUser,
		},
	}
}

func (f *pipelineFixture) addUpstream(t *testing.T, name string, priority int, server *httptest.Server) models.UpstreamProvider {
	t.Helper()
	row := models.UpstreamProvider{
		Name:           name,
		Provider:       "openai",
		BaseURL:        server.URL + "/v1",
		Credential:     "upstream-secret",
		Priority:       priority,
		Weight:         1,
		Status:         models.UpstreamStatusActive,
		MaxRetries:     3,
		TimeoutSeconds: 5,
	}
	if errCreate := f.conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("create upstream: %v", errCreate)
	}
	if errReload := f.registry.Reload(context.Background()); errReload != nil {
		t.Fatalf("reload registry: %v", errReload)
	}
	return row
}

func (f *pipelineFixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	got, errBalance := f.billing.Balance(context.Background(), f.principal.UserID)
	if errBalance != nil {
		t.Fatalf("balance: %v", errBalance)
	}
	return got
}

func (f *pipelineFixture) usageCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if errCount := f.conn.Model(&models.UsageLog{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count usage: %v", errCount)
	}
	return count
}

func (f *pipelineFixture) request(t *testing.T, body string) *Request {
	t.Helper()
	req, errReq := NewRequest(f.principal, "/chat/completions", []byte(body))
	if errReq != nil {
		t.Fatalf("new request: %v", errReq)
	}
	return req
}

func completionServer(t *testing.T, hits *int32, promptTokens, completionTokens int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected upstream path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer upstream-secret" {
			t.Errorf("missing upstream credential")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id":"cmpl-1","choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":%d,"completion_tokens":%d}}`, promptTokens, completionTokens)
	}))
	t.Cleanup(server.Close)
	return server
}

func failingServer(t *testing.T, hits *int32, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestServeAllUpstreamsFailingRecordsNothing(t *testing.T) {
	f := newPipelineFixture(t, "10")
	var hits int32
	for i := 0; i < 3; i++ {
		f.addUpstream(t, fmt.Sprintf("up-%d", i), 0, failingServer(t, &hits, http.StatusServiceUnavailable))
	}

	recorder := httptest.NewRecorder()
	entry, errServe := f.pipeline.Serve(context.Background(), recorder, f.request(t, `{"model":"gpt-test","messages":[]}`))
	if !errors.Is(errServe, upstream.ErrNoAvailableUpstream) {
		t.Fatalf("expected no available upstream, got %v", errServe)
	}
	if status, code := Classify(errServe); status != http.StatusServiceUnavailable || code != "no_available_upstream" {
		t.Fatalf("unexpected classification %d %s", status, code)
	}
	if entry != nil {
		t.Fatalf("expected no ledger entry")
	}
	if hits != 3 {
		t.Fatalf("expected 3 upstream attempts, got %d", hits)
	}

	var rows []models.UpstreamProvider
	if errFind := f.conn.Find(&rows).Error; errFind != nil {
		t.Fatalf("load upstreams: %v", errFind)
	}
	for _, row := range rows {
		if row.FailureCount != 1 {
			t.Fatalf("upstream %s: expected failure_count 1, got %d", row.Name, row.FailureCount)
		}
	}
	if f.usageCount(t) != 0 {
		t.Fatalf("expected no usage entries")
	}
	if got := f.balance(t); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected balance unchanged at 10, got %s", got)
	}
}

func TestServeRetriesNextUpstreamAndBills(t *testing.T) {
	f := newPipelineFixture(t, "10")
	var failedHits, okHits int32
	broken := f.addUpstream(t, "broken", 0, failingServer(t, &failedHits, http.StatusBadGateway))
	healthy := f.addUpstream(t, "healthy", 1, completionServer(t, &okHits, 1000, 500))

	recorder := httptest.NewRecorder()
	req := f.request(t, `{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	entry, errServe := f.pipeline.Serve(context.Background(), recorder, req)
	if errServe != nil {
		t.Fatalf("serve: %v", errServe)
	}
	if failedHits != 1 || okHits != 1 {
		t.Fatalf("expected one attempt each, got %d and %d", failedHits, okHits)
	}
	if recorder.Code != http.StatusOK || gjson.Get(recorder.Body.String(), "id").String() != "cmpl-1" {
		t.Fatalf("unexpected relayed response %d %s", recorder.Code, recorder.Body.String())
	}
	if entry == nil || entry.RequestID != req.ID || entry.UpstreamID == nil || *entry.UpstreamID != healthy.ID {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Cost != 2 || entry.BalanceAmount != 2 || entry.InputTokens != 1000 || entry.OutputTokens != 500 {
		t.Fatalf("unexpected billing on entry %+v", entry)
	}
	if got := f.balance(t); !got.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("expected balance 8, got %s", got)
	}

	var key models.APIKey
	if errFind := f.conn.First(&key, f.principal.APIKeyID).Error; errFind != nil {
		t.Fatalf("load key: %v", errFind)
	}
	if key.TotalUsage != 2 {
		t.Fatalf("expected key total_usage 2, got %v", key.TotalUsage)
	}

	row, _ := f.registry.Get(broken.ID)
	if row.FailureCount != 1 {
		t.Fatalf("expected broken failure_count 1, got %d", row.FailureCount)
	}
}

func TestServeRejectsBeforeUpstreamWithoutFunds(t *testing.T) {
	f := newPipelineFixture(t, "0")
	var hits int32
	f.addUpstream(t, "healthy", 0, completionServer(t, &hits, 10, 10))

	_, errServe := f.pipeline.Serve(context.Background(), httptest.NewRecorder(), f.request(t, `{"model":"gpt-test"}`))
	if !errors.Is(errServe, billing.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", errServe)
	}
	var gwErr *Error
	if !errors.As(errServe, &gwErr) || gwErr.Stage != StageLimitChecking || gwErr.Status != http.StatusPaymentRequired {
		t.Fatalf("unexpected error shape %#v", errServe)
	}
	if hits != 0 {
		t.Fatalf("upstream must not be called, got %d hits", hits)
	}
}

func TestServeRejectsUnpricedModel(t *testing.T) {
	f := newPipelineFixture(t, "5")
	var hits int32
	f.addUpstream(t, "healthy", 0, completionServer(t, &hits, 10, 10))

	_, errServe := f.pipeline.Serve(context.Background(), httptest.NewRecorder(), f.request(t, `{"model":"unknown-model"}`))
	if status, code := Classify(errServe); status != http.StatusBadRequest || code != "pricing_not_found" {
		t.Fatalf("expected pricing_not_found, got %d %s (%v)", status, code, errServe)
	}
	if hits != 0 {
		t.Fatalf("upstream must not be called")
	}
}

func TestServeBufferedOverdraftLeavesNoTrace(t *testing.T) {
	f := newPipelineFixture(t, "5")
	var hits int32
	f.addUpstream(t, "healthy", 0, completionServer(t, &hits, 3000, 1500))

	recorder := httptest.NewRecorder()
	_, errServe := f.pipeline.Serve(context.Background(), recorder, f.request(t, `{"model":"gpt-test"}`))
	if !errors.Is(errServe, billing.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", errServe)
	}
	if recorder.Body.Len() != 0 {
		t.Fatalf("response must not be released, got %q", recorder.Body.String())
	}
	if f.usageCount(t) != 0 {
		t.Fatalf("expected no usage entries")
	}
	if got := f.balance(t); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected balance unchanged at 5, got %s", got)
	}
}

func TestServeRejectsExhaustedKeyQuota(t *testing.T) {
	f := newPipelineFixture(t, "5")
	var hits int32
	f.addUpstream(t, "healthy", 0, completionServer(t, &hits, 10, 10))
	if errUpdate := f.conn.Model(&models.APIKey{}).Where("id = ?", f.principal.APIKeyID).
		Updates(map[string]any{"quota_limit": 1.0, "total_usage": 1.0}).Error; errUpdate != nil {
		t.Fatalf("set quota: %v", errUpdate)
	}

	_, errServe := f.pipeline.Serve(context.Background(), httptest.NewRecorder(), f.request(t, `{"model":"gpt-test"}`))
	if !errors.Is(errServe, access.ErrKeyQuotaExceeded) {
		t.Fatalf("expected key quota exceeded, got %v", errServe)
	}
}

func TestServePassesThroughUpstreamClientError(t *testing.T) {
	f := newPipelineFixture(t, "5")
	var hits int32
	f.addUpstream(t, "strict", 0, failingServer(t, &hits, http.StatusBadRequest))

	recorder := httptest.NewRecorder()
	entry, errServe := f.pipeline.Serve(context.Background(), recorder, f.request(t, `{"model":"gpt-test"}`))
	if errServe == nil || entry != nil {
		t.Fatalf("expected pass-through error, got entry %+v err %v", entry, errServe)
	}
	if recorder.Code != http.StatusBadRequest || gjson.Get(recorder.Body.String(), "error.message").String() != "overloaded" {
		t.Fatalf("expected upstream body relayed, got %d %s", recorder.Code, recorder.Body.String())
	}
	if hits != 1 {
		t.Fatalf("client errors must not be retried, got %d hits", hits)
	}
	if f.usageCount(t) != 0 {
		t.Fatalf("expected no usage entries")
	}
}

func sseServer(t *testing.T, seen *[]byte, events []string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		*seen = body
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Header().Set("X-Ratelimit-Remaining-Requests", "42")
		w.Header().Set("X-Request-ID", "upstream-req")
		flusher := w.(http.Flusher)
		for _, event := range events {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", event)
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestServeStreamRelaysAndBillsFinalUsage(t *testing.T) {
	f := newPipelineFixture(t, "10")
	var seen []byte
	f.addUpstream(t, "stream", 0, sseServer(t, &seen, []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":2000,"completion_tokens":1000}}`,
		`[DONE]`,
	}))

	recorder := httptest.NewRecorder()
	req := f.request(t, `{"model":"gpt-test","stream":true,"messages":[]}`)
	recorder.Header().Set("X-Request-ID", req.ID)
	entry, errServe := f.pipeline.Serve(context.Background(), recorder, req)
	if errServe != nil {
		t.Fatalf("serve: %v", errServe)
	}
	if !gjson.GetBytes(seen, "stream_options.include_usage").Bool() {
		t.Fatalf("expected include_usage forced on, upstream saw %s", seen)
	}
	if recorder.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type %q", recorder.Header().Get("Content-Type"))
	}
	if got := recorder.Header().Get("X-Ratelimit-Remaining-Requests"); got != "42" {
		t.Fatalf("expected upstream rate-limit header on stream, got %q", got)
	}
	if ids := recorder.Header().Values("X-Request-ID"); len(ids) != 1 || ids[0] != req.ID {
		t.Fatalf("gateway request id must win over upstream's, got %v", ids)
	}
	if !strings.Contains(recorder.Body.String(), "data: [DONE]") || !strings.Contains(recorder.Body.String(), `"content":"lo"`) {
		t.Fatalf("stream not relayed: %q", recorder.Body.String())
	}
	if entry == nil || !entry.Stream || entry.InputTokens != 2000 || entry.OutputTokens != 1000 {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Cost != 4 {
		t.Fatalf("expected cost 4, got %v", entry.Cost)
	}
	if got := f.balance(t); !got.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected balance 6, got %s", got)
	}
}

func TestServeStreamOverdraftIsRecordedUnbilled(t *testing.T) {
	f := newPipelineFixture(t, "1")
	var seen []byte
	f.addUpstream(t, "stream", 0, sseServer(t, &seen, []string{
		`{"choices":[{"delta":{"content":"long answer"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":2000,"completion_tokens":1000}}`,
		`[DONE]`,
	}))

	entry, errServe := f.pipeline.Serve(context.Background(), httptest.NewRecorder(), f.request(t, `{"model":"gpt-test","stream":true}`))
	if errServe != nil {
		t.Fatalf("serve: %v", errServe)
	}
	if entry == nil || entry.Cost != 4 || entry.PackageAmount != 0 || entry.BalanceAmount != 0 {
		t.Fatalf("expected unbilled entry, got %+v", entry)
	}
	if gjson.GetBytes(entry.ErrorDetail, "status_code").Int() != http.StatusPaymentRequired {
		t.Fatalf("expected 402 error detail, got %s", entry.ErrorDetail)
	}
	if got := f.balance(t); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected balance unchanged at 1, got %s", got)
	}
}

func TestServeStreamContinuesAfterClientDisconnect(t *testing.T) {
	f := newPipelineFixture(t, "10")
	var seen []byte
	f.addUpstream(t, "stream", 0, sseServer(t, &seen, []string{
		`{"choices":[{"delta":{"content":"partial"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":1000,"completion_tokens":1000}}`,
		`[DONE]`,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	req := f.request(t, `{"model":"gpt-test","stream":true}`)
	if errLimits := f.pipeline.checkLimits(ctx, req); errLimits != nil {
		t.Fatalf("check limits: %v", errLimits)
	}
	chosen, errForward := f.pipeline.forward(context.WithoutCancel(ctx), req)
	if errForward != nil {
		t.Fatalf("forward: %v", errForward)
	}
	defer chosen.cancel()
	defer func() {
		_ = chosen.resp.Body.Close()
	}()
	cancel()

	recorder := httptest.NewRecorder()
	entry, errRelay := f.pipeline.relayStream(ctx, context.WithoutCancel(ctx), recorder, req, chosen)
	if errRelay != nil {
		t.Fatalf("relay: %v", errRelay)
	}
	if recorder.Body.Len() != 0 {
		t.Fatalf("nothing should be written after disconnect, got %q", recorder.Body.String())
	}
	if entry == nil || entry.Cost != 3 {
		t.Fatalf("expected billed entry of cost 3, got %+v", entry)
	}
	if got := f.balance(t); !got.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected balance 7, got %s", got)
	}
}

func TestAccountIsExactlyOncePerRequestID(t *testing.T) {
	f := newPipelineFixture(t, "10")
	var hits int32
	row := f.addUpstream(t, "healthy", 0, completionServer(t, &hits, 0, 0))
	req := f.request(t, `{"model":"gpt-test"}`)
	if errLimits := f.pipeline.checkLimits(context.Background(), req); errLimits != nil {
		t.Fatalf("check limits: %v", errLimits)
	}

	consumed := pricing.Usage{InputTokens: 1000, OutputTokens: 1000}
	var wg sync.WaitGroup
	ids := make([]uint64, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, errAccount := f.pipeline.account(context.Background(), req, row, consumed, http.StatusOK, false, nil)
			errs[i] = errAccount
			if entry != nil {
				ids[i] = entry.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("replay %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("replays returned different entries: %v", ids)
		}
	}
	if f.usageCount(t) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", f.usageCount(t))
	}
	if got := f.balance(t); !got.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected a single debit of 3, balance %s", got)
	}
}

func TestNewRequestValidation(t *testing.T) {
	principal := &access.Principal{APIKeyID: 1, UserID: 1}
	if _, errReq := NewRequest(principal, "/chat/completions", []byte(`{not json`)); !errors.Is(errReq, ErrBadRequest) {
		t.Fatalf("expected bad request for invalid json, got %v", errReq)
	}
	if _, errReq := NewRequest(principal, "/chat/completions", []byte(`{"messages":[]}`)); !errors.Is(errReq, ErrBadRequest) {
		t.Fatalf("expected bad request for missing model, got %v", errReq)
	}
	if _, errReq := NewRequest(nil, "/chat/completions", []byte(`{"model":"m"}`)); !errors.Is(errReq, access.ErrMissingAPIKey) {
		t.Fatalf("expected missing key, got %v", errReq)
	}

	first, errFirst := NewRequest(principal, "chat/completions", []byte(`{"model":"m","stream":true}`))
	if errFirst != nil {
		t.Fatalf("new request: %v", errFirst)
	}
	second, _ := NewRequest(principal, "/chat/completions", []byte(`{"model":"m"}`))
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("request ids must be unique, got %q and %q", first.ID, second.ID)
	}
	if first.Path != "/chat/completions" || !first.Stream {
		t.Fatalf("unexpected request %+v", first)
	}
	if !gjson.GetBytes(first.Body, "stream_options.include_usage").Bool() {
		t.Fatalf("expected include_usage in %s", first.Body)
	}
	if gjson.GetBytes(second.Body, "stream_options").Exists() {
		t.Fatalf("non-stream request must be left untouched: %s", second.Body)
	}
}
