// Package gateway is the HTTP client for the payment gateway's H2H API. It is
// the polling side of payment reconciliation; the push side arrives through
// the payment webhook.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatfunnel/internal/metrics"
	"chatfunnel/internal/payments"
	"chatfunnel/internal/repo"
)

const formContentType = "application/x-www-form-urlencoded"

// ErrInvalidCredential indicates the gateway rejected the API key.
var ErrInvalidCredential = errors.New("gateway invalid credential")

// Config holds gateway client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client provides typed access to the gateway API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	metrics *metrics.Metrics
}

// New creates a gateway client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "gateway"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// responseEnvelope mirrors the gateway's standard response shape. Status and
// code arrive as bool, string or number depending on the endpoint.
type responseEnvelope struct {
	Status  bool
	Message string
	Data    json.RawMessage
}

func (r *responseEnvelope) UnmarshalJSON(data []byte) error {
	type alias struct {
		Status  json.RawMessage `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.Message = strings.TrimSpace(a.Message)
	r.Data = a.Data
	if len(a.Status) != 0 {
		var boolVal bool
		if err := json.Unmarshal(a.Status, &boolVal); err == nil {
			r.Status = boolVal
		} else {
			str := strings.Trim(strings.TrimSpace(string(a.Status)), `"`)
			r.Status = strings.EqualFold(str, "true") || strings.EqualFold(str, "success") || str == "1"
		}
	}
	return nil
}

// CreateCharge opens a payment the counterpart can settle.
func (c *Client) CreateCharge(ctx context.Context, req payments.ChargeRequest) (*payments.ChargeHandle, error) {
	form := url.Values{}
	form.Set("reff_id", req.ReferenceID)
	form.Set("nominal", strconv.FormatInt(req.AmountMinor, 10))
	if req.Method != "" {
		form.Set("metode", req.Method)
	}
	if req.Description != "" {
		form.Set("note", req.Description)
	}

	env, err := c.postForm(ctx, "/charge/create", form)
	if err != nil {
		return nil, err
	}
	data, err := decodeMap(env.Data)
	if err != nil {
		return nil, err
	}
	return &payments.ChargeHandle{
		TransactionID: firstString(data, "id", "transaction_id"),
		ReferenceID:   firstString(data, "reff_id", "ref_id", "reference"),
		CheckoutURL:   firstString(data, "checkout_url", "url"),
		QRString:      firstString(data, "qr_string", "qr"),
		ExpiresAt:     firstString(data, "expired_at", "expire_at"),
	}, nil
}

// StatusResponse is the gateway's answer to a status probe.
type StatusResponse struct {
	TransactionID string
	Status        repo.PaymentStatus
	AmountMinor   int64
	Recipient     string
}

// TransactionStatus fetches the settlement status of a charge.
func (c *Client) TransactionStatus(ctx context.Context, transactionID string) (*StatusResponse, error) {
	form := url.Values{}
	form.Set("id", transactionID)

	env, err := c.postForm(ctx, "/charge/status", form)
	if err != nil {
		return nil, err
	}
	data, err := decodeMap(env.Data)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{
		TransactionID: firstString(data, "id", "transaction_id"),
		Status:        normalizeStatus(firstString(data, "status", "state")),
		AmountMinor:   firstInt(data, "nominal", "amount"),
		Recipient:     firstString(data, "recipient", "account_no", "tujuan"),
	}, nil
}

// CheckStatus probes one pending session. Sessions without a gateway
// transaction id cannot be polled and stay pending until the webhook lands.
func (c *Client) CheckStatus(ctx context.Context, session repo.PaymentSession) (payments.StatusProbe, error) {
	if session.TransactionID == "" {
		return payments.StatusProbe{Status: repo.PaymentPending}, nil
	}
	resp, err := c.TransactionStatus(ctx, session.TransactionID)
	if err != nil {
		return payments.StatusProbe{}, err
	}
	return payments.StatusProbe{
		Status:      resp.Status,
		AmountMinor: resp.AmountMinor,
		Recipient:   resp.Recipient,
	}, nil
}

// normalizeStatus folds the gateway's status vocabulary into the payment
// session vocabulary. Unknown answers stay pending rather than failing the
// session.
func normalizeStatus(status string) repo.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "sukses", "ok", "completed", "done", "paid", "settlement", "berhasil":
		return repo.PaymentPaid
	case "refund", "refunded":
		return repo.PaymentRefunded
	case "expired", "expire", "timeout":
		return repo.PaymentExpired
	case "failed", "gagal", "cancel", "cancelled", "void", "rejected":
		return repo.PaymentFailed
	default:
		return repo.PaymentPending
	}
}

func (c *Client) postForm(ctx context.Context, endpoint string, values url.Values) (*responseEnvelope, error) {
	if c.apiKey != "" && values.Get("api_key") == "" {
		values.Set("api_key", c.apiKey)
	}

	reqURL := c.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", formContentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.GatewayRequests.WithLabelValues(endpoint, "error").Inc()
		}
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer res.Body.Close()

	if c.metrics != nil {
		c.metrics.GatewayRequests.WithLabelValues(endpoint, strconv.Itoa(res.StatusCode)).Inc()
		c.metrics.GatewayLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return nil, classifyHTTPError(res.StatusCode, string(body))
	}

	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !env.Status {
		message := env.Message
		if message == "" {
			message = "gateway operation failed"
		}
		return nil, fmt.Errorf("gateway %s error: %s", endpoint, message)
	}
	return &env, nil
}

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	lower := strings.ToLower(snippet)
	if status == http.StatusUnauthorized ||
		strings.Contains(lower, "invalid credential") ||
		strings.Contains(lower, "invalid api key") {
		return fmt.Errorf("%w: %s", ErrInvalidCredential, snippet)
	}
	return fmt.Errorf("gateway error: status=%d body=%s", status, snippet)
}

func decodeMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return out, nil
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := data[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			if v != 0 {
				return strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
	}
	return ""
}

func firstInt(data map[string]any, keys ...string) int64 {
	for _, key := range keys {
		switch v := data[key].(type) {
		case float64:
			if v != 0 {
				return int64(v)
			}
		case string:
			if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && parsed != 0 {
				return parsed
			}
		}
	}
	return 0
}
