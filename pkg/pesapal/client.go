/**
 * @description
 * This package provides a client for the Pesapal v3 payments API. It encapsulates
 * credential exchange, hosted-checkout order submission and transaction status lookups,
 * and classifies every failure as either an AuthError or a ProviderError so callers can
 * decide whether a retry is safe.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Converts minor-unit amounts to the decimal major units Pesapal expects.
 * - golang.org/x/sync/singleflight: Collapses concurrent token refreshes (see token.go).
 */
package pesapal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a client for the Pesapal API.
type Client struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	HTTPClient     *http.Client
	logger         *slog.Logger
}

// NewClient creates a new Pesapal API client. Every request is bounded by timeout.
func NewClient(baseURL, consumerKey, consumerSecret string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:        strings.TrimSuffix(baseURL, "/"),
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		HTTPClient:     &http.Client{Timeout: timeout},
		logger:         logger,
	}
}

// AuthError means the provider rejected our credentials or token.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("pesapal auth error (status %d): %s", e.StatusCode, e.Message)
}

// ProviderError is any other failed call: network, timeout, 4xx or 5xx.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
	Timeout    bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pesapal %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("pesapal %s failed (status %d): %s", e.Op, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the call may be repeated without side effects on our side.
func (e *ProviderError) Retryable() bool {
	return e.Timeout || e.Err != nil || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// apiError is the error envelope Pesapal embeds in otherwise-200 responses.
type apiError struct {
	ErrorType string `json:"error_type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type tokenRequest struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
}

type tokenResponse struct {
	Token      string    `json:"token"`
	ExpiryDate string    `json:"expiryDate"`
	Error      *apiError `json:"error"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
}

// OrderRequest is the input for a hosted checkout session.
type OrderRequest struct {
	Reference      string
	Amount         int64 // minor units
	Currency       string
	Description    string
	CallbackURL    string
	NotificationID string
	Phone          string
	Email          string
}

type billingAddress struct {
	PhoneNumber  string `json:"phone_number,omitempty"`
	EmailAddress string `json:"email_address,omitempty"`
}

type submitOrderRequest struct {
	ID             string         `json:"id"`
	Currency       string         `json:"currency"`
	Amount         json.Number    `json:"amount"`
	Description    string         `json:"description"`
	CallbackURL    string         `json:"callback_url"`
	NotificationID string         `json:"notification_id"`
	BillingAddress billingAddress `json:"billing_address"`
}

// OrderResponse is returned once the provider has created the order.
type OrderResponse struct {
	TrackingID        string    `json:"order_tracking_id"`
	MerchantReference string    `json:"merchant_reference"`
	RedirectURL       string    `json:"redirect_url"`
	Error             *apiError `json:"error"`
	Status            string    `json:"status"`
}

// TransactionStatus is the provider's view of an order.
type TransactionStatus struct {
	PaymentMethod     string          `json:"payment_method"`
	Amount            decimal.Decimal `json:"amount"`
	ConfirmationCode  string          `json:"confirmation_code"`
	StatusDescription string          `json:"payment_status_description"`
	Description       string          `json:"description"`
	StatusCode        int             `json:"status_code"`
	MerchantReference string          `json:"merchant_reference"`
	Currency          string          `json:"currency"`
	Error             *apiError       `json:"error"`
	Status            string          `json:"status"`
}

// StatusText returns the provider status in the textual form used by the reconciler.
// Pesapal reports 0=INVALID, 1=COMPLETED, 2=FAILED, 3=REVERSED.
func (s TransactionStatus) StatusText() string {
	if desc := strings.TrimSpace(s.StatusDescription); desc != "" {
		return desc
	}
	switch s.StatusCode {
	case 1:
		return "COMPLETED"
	case 2:
		return "FAILED"
	case 3:
		return "REVERSED"
	case 0:
		return "INVALID"
	}
	return ""
}

// MinorToMajor converts an integer minor-unit amount into a two-decimal major-unit value.
func MinorToMajor(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

// MajorToMinor converts a major-unit decimal back to minor units, rounding half away from zero.
func MajorToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// RequestAccessToken exchanges the consumer credentials for a bearer token.
func (c *Client) RequestAccessToken(ctx context.Context) (string, time.Time, error) {
	body, err := json.Marshal(tokenRequest{ConsumerKey: c.ConsumerKey, ConsumerSecret: c.ConsumerSecret})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to marshal token request: %w", err)
	}

	var resp tokenResponse
	status, err := c.do(ctx, "request_token", http.MethodPost, "/api/Auth/RequestToken", "", body, &resp)
	if err != nil {
		var pErr *ProviderError
		if errors.As(err, &pErr) && (pErr.StatusCode == http.StatusUnauthorized || pErr.StatusCode == http.StatusForbidden) {
			return "", time.Time{}, &AuthError{StatusCode: pErr.StatusCode, Message: pErr.Message}
		}
		return "", time.Time{}, err
	}
	if resp.Error != nil || strings.TrimSpace(resp.Token) == "" {
		msg := resp.Message
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		if msg == "" {
			msg = "empty token"
		}
		return "", time.Time{}, &AuthError{StatusCode: status, Message: msg}
	}

	expiresAt, err := parseExpiry(resp.ExpiryDate)
	if err != nil {
		c.logger.Warn("pesapal token expiry unparsable; assuming five minutes", "expiry", resp.ExpiryDate, "error", err)
		expiresAt = time.Now().UTC().Add(5 * time.Minute)
	}
	return resp.Token, expiresAt, nil
}

// CreateOrder submits a hosted checkout order using the given bearer token.
func (c *Client) CreateOrder(ctx context.Context, token string, order OrderRequest) (*OrderResponse, error) {
	payload := submitOrderRequest{
		ID:             order.Reference,
		Currency:       order.Currency,
		Amount:         json.Number(MinorToMajor(order.Amount).StringFixed(2)),
		Description:    order.Description,
		CallbackURL:    order.CallbackURL,
		NotificationID: order.NotificationID,
		BillingAddress: billingAddress{PhoneNumber: order.Phone, EmailAddress: order.Email},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order request: %w", err)
	}

	var resp OrderResponse
	if _, err := c.do(ctx, "submit_order", http.MethodPost, "/api/Transactions/SubmitOrderRequest", token, body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &ProviderError{Op: "submit_order", StatusCode: http.StatusOK, Message: resp.Error.Message}
	}
	if resp.RedirectURL == "" {
		return nil, &ProviderError{Op: "submit_order", StatusCode: http.StatusOK, Message: "missing redirect url"}
	}
	return &resp, nil
}

// GetStatus fetches the transaction status for a provider tracking id.
func (c *Client) GetStatus(ctx context.Context, token, trackingID string) (*TransactionStatus, error) {
	path := "/api/Transactions/GetTransactionStatus?orderTrackingId=" + url.QueryEscape(trackingID)

	var resp TransactionStatus
	if _, err := c.do(ctx, "get_status", http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, err
	}
	// Pesapal reports unknown or unpaid orders with an error block and status_code 0; that is
	// a status, not a transport failure, unless no status information came back at all.
	if resp.Error != nil && resp.StatusDescription == "" && resp.MerchantReference == "" {
		return nil, &ProviderError{Op: "get_status", StatusCode: http.StatusOK, Message: resp.Error.Message}
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, op, method, path, token string, body []byte, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded)
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			timeout = true
		}
		return 0, &ProviderError{Op: op, Timeout: timeout, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("pesapal rejected bearer token", "op", op, "status", resp.StatusCode)
		return resp.StatusCode, &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: "unauthorized"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		c.logger.Warn("pesapal non-2xx response", "op", op, "status", resp.StatusCode)
		return resp.StatusCode, &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return resp.StatusCode, nil
}

func parseExpiry(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.9999999", "2006-01-02T15:04:05"}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
