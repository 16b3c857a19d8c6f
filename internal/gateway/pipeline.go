package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/MeteredGateway/internal/access"
	"github.com/router-for-me/MeteredGateway/internal/billing"
	"github.com/router-for-me/MeteredGateway/internal/metrics"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/pricing"
	"github.com/router-for-me/MeteredGateway/internal/upstream"
	"github.com/router-for-me/MeteredGateway/internal/usage"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultRequestTimeout = 120 * time.Second
	maxResponseBytes      = 32 << 20
	maxErrorBodyBytes     = 4 << 10
	maxSSELineBytes       = 4 << 20
)

var errAlreadyRecorded = errors.New("usage already recorded")

// Options tunes a Pipeline. Zero values fall back to defaults.
type Options struct {
	MaxRetries     int
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Metrics        *metrics.GatewayMetrics
}

// Pipeline runs metered requests from limit checks through upstream proxying to accounting.
type Pipeline struct {
	db       *gorm.DB
	registry *upstream.Registry
	prices   *pricing.Table
	billing  *billing.Service
	ledger   *usage.Ledger
	client   *http.Client
	metrics  *metrics.GatewayMetrics

	maxRetries int
	timeout    time.Duration
	now        func() time.Time
}

// NewPipeline constructs a Pipeline.
func NewPipeline(db *gorm.DB, registry *upstream.Registry, prices *pricing.Table, billingService *billing.Service, ledger *usage.Ledger, opts Options) *Pipeline {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Pipeline{
		db:         db,
		registry:   registry,
		prices:     prices,
		billing:    billingService,
		ledger:     ledger,
		client:     client,
		metrics:    opts.Metrics,
		maxRetries: maxRetries,
		timeout:    timeout,
		now:        time.Now,
	}
}

// Request is one inference call. ID is generated here and is the idempotency key of its ledger entry.
type Request struct {
	ID        string
	Principal *access.Principal
	Path      string
	Body      []byte
	Model     string
	Stream    bool
	StartedAt time.Time

	price *models.ModelPricing
}

// NewRequest validates a relay body. Streaming chat completions get stream_options.include_usage
// forced on so the final event carries token usage.
func NewRequest(principal *access.Principal, path string, body []byte) (*Request, error) {
	if principal == nil {
		return nil, NewError(StageAuthenticating, access.ErrMissingAPIKey)
	}
	if !gjson.ValidBytes(body) {
		return nil, NewError(StageLimitChecking, fmt.Errorf("%w: body is not valid JSON", ErrBadRequest))
	}
	model := strings.TrimSpace(gjson.GetBytes(body, "model").String())
	if model == "" {
		return nil, NewError(StageLimitChecking, fmt.Errorf("%w: model is required", ErrBadRequest))
	}
	path = "/" + strings.TrimLeft(strings.TrimSpace(path), "/")
	stream := gjson.GetBytes(body, "stream").Bool()
	if stream && strings.HasSuffix(path, "/chat/completions") {
		updated, errSet := sjson.SetBytes(body, "stream_options.include_usage", true)
		if errSet != nil {
			return nil, NewError(StageLimitChecking, fmt.Errorf("%w: %v", ErrBadRequest, errSet))
		}
		body = updated
	}
	return &Request{
		ID:        uuid.NewString(),
		Principal: principal,
		Path:      path,
		Body:      body,
		Model:     model,
		Stream:    stream,
		StartedAt: time.Now(),
	}, nil
}

// attempt is the upstream response a request settled on.
type attempt struct {
	upstream models.UpstreamProvider
	resp     *http.Response
	cancel   context.CancelFunc
}

// Serve runs LimitChecking through Recorded for req and writes the response to w. The returned
// ledger entry is nil when nothing was recorded. Once any byte is written to w the caller must not
// write an error body.
func (p *Pipeline) Serve(ctx context.Context, w http.ResponseWriter, req *Request) (entry *models.UsageLog, err error) {
	if req.StartedAt.IsZero() {
		req.StartedAt = p.now()
	}
	defer func() {
		stage, code := string(StageRecorded), "ok"
		var gwErr *Error
		if errors.As(err, &gwErr) {
			stage, code = string(gwErr.Stage), gwErr.Code
		}
		p.metrics.ObserveRequest(stage, code, req.Stream, time.Since(req.StartedAt))
	}()

	if errLimits := p.checkLimits(ctx, req); errLimits != nil {
		return nil, NewError(StageLimitChecking, errLimits)
	}

	// Upstream calls and accounting outlive a client disconnect.
	detached := context.WithoutCancel(ctx)
	chosen, errForward := p.forward(detached, req)
	if errForward != nil {
		return nil, errForward
	}
	defer chosen.cancel()
	defer func() {
		_ = chosen.resp.Body.Close()
	}()

	if chosen.resp.StatusCode >= http.StatusBadRequest {
		return nil, p.passThrough(w, req, chosen)
	}
	if req.Stream {
		return p.relayStream(ctx, detached, w, req, chosen)
	}
	return p.relayBuffered(detached, w, req, chosen)
}

// checkLimits enforces the key quota, the daily cap and balance, and freezes the price row.
func (p *Pipeline) checkLimits(ctx context.Context, req *Request) error {
	principal := req.Principal
	var key models.APIKey
	if errFind := p.db.WithContext(ctx).Select("id", "status", "quota_limit", "total_usage").
		Where("id = ?", principal.APIKeyID).Take(&key).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return access.ErrInvalidAPIKey
		}
		return fmt.Errorf("gateway: load api key: %w", errFind)
	}
	if key.Status != models.APIKeyStatusActive {
		return access.ErrKeyRevoked
	}
	if key.QuotaExceeded() {
		return access.ErrKeyQuotaExceeded
	}
	if errPrecheck := p.billing.Precheck(ctx, principal.UserID, req.StartedAt); errPrecheck != nil {
		return errPrecheck
	}
	price, errPrice := p.prices.Resolve(ctx, req.Model, req.StartedAt)
	if errPrice != nil {
		return errPrice
	}
	req.price = price
	return nil
}

// forward walks the candidate list until an upstream answers without a transient failure.
func (p *Pipeline) forward(ctx context.Context, req *Request) (*attempt, error) {
	candidates := p.registry.Candidates()
	if len(candidates) == 0 {
		return nil, NewError(StageUpstreamSelecting, upstream.ErrNoAvailableUpstream)
	}
	budget := candidates[0].MaxRetries
	if budget <= 0 {
		budget = p.maxRetries
	}
	if budget > len(candidates) {
		budget = len(candidates)
	}

	var reasons []string
	for _, row := range candidates[:budget] {
		chosen, reason := p.try(ctx, req, row)
		if chosen != nil {
			return chosen, nil
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", row.Name, reason))
	}
	return nil, NewError(StageUpstreamSelecting, fmt.Errorf("%w: %s", upstream.ErrNoAvailableUpstream, strings.Join(reasons, "; ")))
}

// try performs one upstream attempt. Transport errors and 5xx are recorded against the upstream
// and retried; 429 is retried without counting as a failure.
func (p *Pipeline) try(ctx context.Context, req *Request, row models.UpstreamProvider) (*attempt, string) {
	timeout := p.timeout
	if row.TimeoutSeconds > 0 {
		timeout = time.Duration(row.TimeoutSeconds) * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, errReq := http.NewRequestWithContext(attemptCtx, http.MethodPost, upstream.JoinURL(row.BaseURL, req.Path), bytes.NewReader(req.Body))
	if errReq != nil {
		cancel()
		return nil, errReq.Error()
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	upstream.ApplyUpstreamHeaders(httpReq, row)

	resp, errDo := p.client.Do(httpReq)
	if errDo != nil {
		cancel()
		p.recordFailure(ctx, req, row, errDo.Error())
		p.metrics.ObserveAttempt(row.ID, "error")
		return nil, errDo.Error()
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		cancel()
		reason := fmt.Sprintf("status %d: %s", resp.StatusCode, usage.ExtractErrorMessage(body))
		if resp.StatusCode == http.StatusTooManyRequests {
			p.metrics.ObserveAttempt(row.ID, "throttled")
		} else {
			p.recordFailure(ctx, req, row, reason)
			p.metrics.ObserveAttempt(row.ID, "error")
		}
		return nil, reason
	}
	p.metrics.ObserveAttempt(row.ID, "ok")
	return &attempt{upstream: row, resp: resp, cancel: cancel}, ""
}

func (p *Pipeline) recordFailure(ctx context.Context, req *Request, row models.UpstreamProvider, reason string) {
	log.WithFields(log.Fields{
		"request_id":  req.ID,
		"upstream_id": row.ID,
		"reason":      reason,
	}).Warn("gateway: upstream attempt failed")
	if errRecord := p.registry.RecordFailure(ctx, row.ID, reason); errRecord != nil {
		log.WithError(errRecord).WithField("upstream_id", row.ID).Warn("gateway: record upstream failure failed")
	}
}

// passThrough relays an upstream client error unchanged. Nothing is billed.
func (p *Pipeline) passThrough(w http.ResponseWriter, req *Request, chosen *attempt) error {
	body, _ := io.ReadAll(io.LimitReader(chosen.resp.Body, maxResponseBytes))
	copyResponseHeaders(w.Header(), chosen.resp.Header)
	w.WriteHeader(chosen.resp.StatusCode)
	_, _ = w.Write(body)
	log.WithFields(log.Fields{
		"request_id":  req.ID,
		"upstream_id": chosen.upstream.ID,
		"status":      chosen.resp.StatusCode,
	}).Debug("gateway: upstream rejected request")
	return &Error{
		Stage:   StageProxying,
		Status:  chosen.resp.StatusCode,
		Code:    "upstream_rejected",
		Message: usage.ExtractErrorMessage(body),
		Cause:   ErrUpstream,
	}
}

// relayBuffered reads the whole response, accounts for it and only then releases it to the client.
func (p *Pipeline) relayBuffered(ctx context.Context, w http.ResponseWriter, req *Request, chosen *attempt) (*models.UsageLog, error) {
	body, errRead := io.ReadAll(io.LimitReader(chosen.resp.Body, maxResponseBytes))
	if errRead != nil {
		p.recordFailure(ctx, req, chosen.upstream, "read body: "+errRead.Error())
		return nil, NewError(StageProxying, fmt.Errorf("%w: %v", ErrUpstream, errRead))
	}
	p.registry.NoteRequestSuccess(ctx, chosen.upstream.ID)

	reported, _ := ParseUsage(body)
	entry, errAccount := p.account(ctx, req, chosen.upstream, reported, chosen.resp.StatusCode, false, nil)
	if errAccount != nil {
		return nil, NewError(StageAccounting, errAccount)
	}

	copyResponseHeaders(w.Header(), chosen.resp.Header)
	w.WriteHeader(chosen.resp.StatusCode)
	if _, errWrite := w.Write(body); errWrite != nil {
		log.WithError(errWrite).WithField("request_id", req.ID).Debug("gateway: client went away after accounting")
	}
	return entry, nil
}

// relayStream forwards SSE lines as they arrive. A client disconnect stops writing but the upstream
// stream is still drained so the final usage block is billed.
func (p *Pipeline) relayStream(clientCtx, ctx context.Context, w http.ResponseWriter, req *Request, chosen *attempt) (*models.UsageLog, error) {
	header := w.Header()
	copyResponseHeaders(header, chosen.resp.Header)
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(chosen.resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	var tracker streamUsage
	clientAlive := true
	scanner := bufio.NewScanner(chosen.resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSSELineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		tracker.observeLine(line)
		if !clientAlive {
			continue
		}
		if clientCtx.Err() != nil {
			clientAlive = false
			log.WithField("request_id", req.ID).Info("gateway: client disconnected, draining upstream stream")
			continue
		}
		if _, errWrite := w.Write(append(append([]byte{}, line...), '\n')); errWrite != nil {
			clientAlive = false
			continue
		}
		if flusher != nil && len(line) == 0 {
			flusher.Flush()
		}
	}
	if flusher != nil && clientAlive {
		flusher.Flush()
	}

	var detail datatypes.JSON
	if errScan := scanner.Err(); errScan != nil {
		p.recordFailure(ctx, req, chosen.upstream, "stream: "+errScan.Error())
		detail = usage.BuildErrorDetail(http.StatusBadGateway, nil, errScan)
	} else {
		p.registry.NoteRequestSuccess(ctx, chosen.upstream.ID)
	}

	consumed, estimated := tracker.result()
	if estimated {
		log.WithFields(log.Fields{
			"request_id": req.ID,
			"model":      req.Model,
			"output":     consumed.OutputTokens,
		}).Warn("gateway: stream carried no usage, billing an estimate")
	}
	entry, errAccount := p.account(ctx, req, chosen.upstream, consumed, chosen.resp.StatusCode, true, detail)
	if errAccount != nil {
		return nil, NewError(StageAccounting, errAccount)
	}
	return entry, nil
}

// account prices usage with the frozen price row, charges the user and appends the ledger entry in
// one transaction keyed by the request id. A replayed id returns the existing entry without a second
// charge. When the response was already delivered and the charge is refused, the entry is still
// recorded with nothing charged so consumption stays auditable.
func (p *Pipeline) account(ctx context.Context, req *Request, row models.UpstreamProvider, consumed pricing.Usage, status int, delivered bool, detail datatypes.JSON) (*models.UsageLog, error) {
	now := p.now()
	cost := pricing.ComputeCost(consumed, req.price)
	upstreamID := row.ID
	entry := &models.UsageLog{
		RequestID:           req.ID,
		UserID:              req.Principal.UserID,
		APIKeyID:            req.Principal.APIKeyID,
		UpstreamID:          &upstreamID,
		Model:               req.Model,
		Stream:              req.Stream,
		InputTokens:         consumed.InputTokens,
		OutputTokens:        consumed.OutputTokens,
		CachedTokens:        consumed.CachedTokens,
		CacheCreationTokens: consumed.CacheCreationTokens,
		TotalTokens:         consumed.TotalTokens(),
		Cost:                cost.InexactFloat64(),
		LatencyMs:           now.Sub(req.StartedAt).Milliseconds(),
		StatusCode:          status,
		ErrorDetail:         detail,
		CreatedAt:           now,
	}

	var charged billing.ChargeResult
	unbilled := false
	errTx := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, errExists := usage.ExistsTx(tx, req.ID)
		if errExists != nil {
			return errExists
		}
		if exists {
			return errAlreadyRecorded
		}

		errCharge := tx.Transaction(func(inner *gorm.DB) error {
			result, errC := p.billing.ChargeTx(inner, now, billing.Charge{
				UserID:      req.Principal.UserID,
				Amount:      cost,
				Reference:   req.ID,
				Description: "API usage: " + req.Model,
			})
			if errC != nil {
				return errC
			}
			charged = result
			return nil
		})
		if errCharge != nil {
			refused := errors.Is(errCharge, billing.ErrInsufficientBalance) || errors.Is(errCharge, billing.ErrDailyLimitExceeded)
			if !delivered || !refused {
				return errCharge
			}
			unbilled = true
			if len(entry.ErrorDetail) == 0 {
				entry.ErrorDetail = usage.BuildErrorDetail(http.StatusPaymentRequired, nil, errCharge)
			}
		} else {
			entry.PackageAmount = charged.PackageAmount.InexactFloat64()
			entry.BalanceAmount = charged.BalanceAmount.InexactFloat64()
		}

		inserted, errRecord := usage.RecordUsageTx(tx, entry)
		if errRecord != nil {
			return errRecord
		}
		if !inserted {
			return errAlreadyRecorded
		}

		spent := charged.PackageAmount.Add(charged.BalanceAmount)
		if !spent.IsPositive() {
			return nil
		}
		return tx.Model(&models.APIKey{}).Where("id = ?", req.Principal.APIKeyID).Updates(map[string]any{
			"total_usage":  gorm.Expr("ROUND(total_usage + ?, 6)", spent.InexactFloat64()),
			"last_used_at": now.UTC(),
		}).Error
	})
	if errors.Is(errTx, errAlreadyRecorded) {
		return p.ledger.Get(ctx, req.ID)
	}
	if errTx != nil {
		if errors.Is(errTx, billing.ErrInsufficientBalance) || errors.Is(errTx, billing.ErrDailyLimitExceeded) {
			log.WithFields(log.Fields{
				"request_id": req.ID,
				"user_id":    req.Principal.UserID,
				"cost":       cost.String(),
			}).Info("gateway: charge refused")
			return nil, errTx
		}
		log.WithError(errTx).WithFields(log.Fields{
			"request_id": req.ID,
			"user_id":    req.Principal.UserID,
			"cost":       cost.String(),
		}).Error("gateway: accounting failed after upstream consumption")
		return nil, errTx
	}

	if unbilled {
		log.WithFields(log.Fields{
			"request_id": req.ID,
			"user_id":    req.Principal.UserID,
			"cost":       cost.String(),
		}).Error("gateway: streamed response delivered but charge refused, recorded unbilled")
		p.metrics.ObserveUnbilled(entry.Cost)
	} else {
		p.metrics.ObserveCharge(entry.PackageAmount, entry.BalanceAmount)
	}
	return entry, nil
}

// ListModels returns the priced models as an OpenAI-style list payload.
func (p *Pipeline) ListModels(ctx context.Context) ([]byte, error) {
	rows, errList := p.prices.ListCurrent(ctx, p.now())
	if errList != nil {
		return nil, errList
	}
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	data := make([]modelEntry, 0, len(rows))
	for _, row := range rows {
		data = append(data, modelEntry{ID: row.ModelName, Object: "model", Created: row.EffectiveFrom.Unix(), OwnedBy: "gateway"})
	}
	return json.Marshal(map[string]any{"object": "list", "data": data})
}

// hopHeaders are not forwarded from upstream responses. Headers the gateway already set, such as
// X-Request-ID, are kept over the upstream's.
var hopHeaders = map[string]struct{}{
	"Connection":        {},
	"Content-Length":    {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

func copyResponseHeaders(dst, src http.Header) {
	for k, values := range src {
		if _, skip := hopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		if _, exists := dst[http.CanonicalHeaderKey(k)]; exists {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
