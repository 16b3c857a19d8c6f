package payment

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"

	"github.com/router-for-me/MeteredGateway/internal/config"
	"github.com/shopspring/decimal"
)

// TradeSuccess is the trade_status value of a completed payment.
const TradeSuccess = "TRADE_SUCCESS"

var (
	// ErrDisabled is returned when a payable order is created while payment is off.
	ErrDisabled = errors.New("payment is not enabled")
	// ErrInvalidSignature is returned for notify callbacks whose signature does not verify.
	ErrInvalidSignature = errors.New("invalid payment signature")
)

// Redirect is handed to the frontend, which POSTs Params as a form to PaymentURL.
type Redirect struct {
	PaymentURL string            `json:"payment_url"`
	Params     map[string]string `json:"params"`
}

// Notification is a verified payment callback.
type Notification struct {
	OrderNo     string
	TradeNo     string
	TradeStatus string
	Money       decimal.Decimal
	RawQuery    string
}

// Paid reports whether the callback confirms a completed payment.
func (n Notification) Paid() bool {
	return n.TradeStatus == TradeSuccess
}

// Client signs redirect payloads and verifies notify callbacks with the epay MD5 protocol.
type Client struct {
	cfg config.PaymentConfig
}

// NewClient constructs a Client from the payment config section.
func NewClient(cfg config.PaymentConfig) *Client {
	return &Client{cfg: cfg}
}

// Enabled reports whether payable orders may be created.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// BuildRedirect produces the signed form payload for an order.
func (c *Client) BuildRedirect(orderNo, name string, amount decimal.Decimal) (Redirect, error) {
	if !c.Enabled() {
		return Redirect{}, ErrDisabled
	}
	method := strings.TrimSpace(c.cfg.Method)
	if method == "" {
		method = "epay"
	}
	params := map[string]string{
		"pid":          c.cfg.PID,
		"type":         method,
		"out_trade_no": orderNo,
		"name":         name,
		"money":        amount.StringFixed(2),
		"notify_url":   c.cfg.NotifyURL,
		"return_url":   c.cfg.ReturnURL,
	}
	params["sign"] = Sign(params, c.cfg.Key)
	params["sign_type"] = "MD5"
	return Redirect{PaymentURL: c.cfg.GatewayURL, Params: params}, nil
}

// VerifyNotify checks the signature of a callback query and extracts its fields.
func (c *Client) VerifyNotify(query url.Values) (Notification, error) {
	params := make(map[string]string, len(query))
	for key, values := range query {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	sign := strings.ToLower(strings.TrimSpace(params["sign"]))
	expected := Sign(params, c.cfg.Key)
	if sign == "" || subtle.ConstantTimeCompare([]byte(sign), []byte(expected)) != 1 {
		return Notification{}, ErrInvalidSignature
	}

	money, errMoney := decimal.NewFromString(strings.TrimSpace(params["money"]))
	if errMoney != nil {
		money = decimal.Zero
	}
	return Notification{
		OrderNo:     strings.TrimSpace(params["out_trade_no"]),
		TradeNo:     strings.TrimSpace(params["trade_no"]),
		TradeStatus: strings.TrimSpace(params["trade_status"]),
		Money:       money,
		RawQuery:    query.Encode(),
	}, nil
}

// Sign computes md5(k1=v1&k2=v2...key) over non-empty params sorted by key, excluding sign and sign_type.
func Sign(params map[string]string, key string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	sum := md5.Sum([]byte(strings.Join(parts, "&") + key))
	return hex.EncodeToString(sum[:])
}
