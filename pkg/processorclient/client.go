/**
 * @description
 * This package provides a client for interacting with the remote payment
 * processor API. It encapsulates the logic for making authenticated HTTP
 * requests to the processor's endpoints, handling request body construction,
 * and parsing responses.
 *
 * Key behaviors:
 * - OAuth2 client-credentials token, cached and refreshed ahead of expiry.
 * - Every money-movement call carries the local transaction id in an
 *   Idempotency-Key header so a retried request cannot double-execute.
 * - Transient failures (transport errors, 5xx, 429) are retried with
 *   exponential backoff; definitive rejections (other 4xx) surface
 *   immediately as *APIError.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: Unverified parse of the access token to
 *   read its expiry claim.
 */
package processorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrProcessorUnavailable marks an outcome the caller cannot know: every
// attempt failed on transport or a 5xx. The remote side may or may not have
// executed the request.
var ErrProcessorUnavailable = errors.New("payment processor unavailable")

const (
	maxAttempts  = 3
	backoffBase  = 250 * time.Millisecond
	tokenSkew    = 30 * time.Second
	defaultLimit = 30 * time.Second
)

// Config carries the processor connection settings.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client is a client for the payment processor API.
type Client struct {
	cfg        Config
	HTTPClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates a new payment processor API client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLimit
	}
	return &Client{
		cfg:        cfg,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// TransferRequest is the payload for an outbound credit transfer.
type TransferRequest struct {
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	RecipientAccount string `json:"recipientAccount"`
	RecipientName    string `json:"recipientName"`
	Description      string `json:"description,omitempty"`
}

// BillPaymentRequest is the payload for a bill payment against a provider.
type BillPaymentRequest struct {
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	ProviderCode      string `json:"providerCode"`
	BillAccountNumber string `json:"billAccountNumber"`
}

// TransferResponse is the processor's reply to a money-movement request.
type TransferResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// StatusResponse is the processor's reply to a status query.
type StatusResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// BalanceResponse reports the settlement account balance held at the processor.
type BalanceResponse struct {
	AvailableBalance int64  `json:"availableBalance"`
	LedgerBalance    int64  `json:"ledgerBalance"`
	Currency         string `json:"currency"`
}

// Provider is one entry of the processor's bill provider catalog.
type Provider struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Active   bool   `json:"active"`
}

// APIError represents a definitive rejection from the processor API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("processor api error (status %d): %s - %s", e.StatusCode, e.Code, e.Detail)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// token returns a cached access token, fetching a fresh one when the cached
// token is within the safety skew of its expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenSkew)) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	c.accessToken = tr.AccessToken
	c.tokenExpiry = tokenExpiry(tr)
	return c.accessToken, nil
}

// tokenExpiry reads the exp claim without verifying the signature (the token
// is the processor's, we only need its lifetime) and falls back to the
// expires_in field when the token is not a JWT.
func tokenExpiry(tr tokenResponse) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tr.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if tr.ExpiresIn > 0 {
		return time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return time.Now().Add(5 * time.Minute)
}

// InitiateTransfer submits an outbound credit transfer. idempotencyKey must be
// the local transaction id.
func (c *Client) InitiateTransfer(ctx context.Context, idempotencyKey string, payload TransferRequest) (*TransferResponse, error) {
	var out TransferResponse
	if err := c.do(ctx, "POST", "/api/v1/transfers", idempotencyKey, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PayBill submits a bill payment. idempotencyKey must be the local
// transaction id.
func (c *Client) PayBill(ctx context.Context, idempotencyKey string, payload BillPaymentRequest) (*TransferResponse, error) {
	var out TransferResponse
	if err := c.do(ctx, "POST", "/api/v1/bills/pay", idempotencyKey, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransferStatus queries the current status of a previously submitted
// transfer by processor reference.
func (c *Client) GetTransferStatus(ctx context.Context, reference string) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, "GET", "/api/v1/transfers/"+url.PathEscape(reference), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAccountBalance fetches the settlement account balance at the processor.
func (c *Client) GetAccountBalance(ctx context.Context) (*BalanceResponse, error) {
	var out BalanceResponse
	if err := c.do(ctx, "GET", "/api/v1/accounts/balance", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBillProviders fetches the processor's bill provider catalog.
func (c *Client) ListBillProviders(ctx context.Context) ([]Provider, error) {
	var out []Provider
	if err := c.do(ctx, "GET", "/api/v1/bills/providers", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do executes one API call with authentication and transient-failure retry.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrProcessorUnavailable, ctx.Err())
			}
		}

		retryable, err := c.attempt(ctx, method, path, idempotencyKey, body, out)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
		log.Printf("level=warn component=processor_client op=%s path=%s attempt=%d err=%v", method, path, attempt+1, err)
	}
	return fmt.Errorf("%w: %v", ErrProcessorUnavailable, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, path, idempotencyKey string, body []byte, out interface{}) (retryable bool, err error) {
	token, err := c.token(ctx)
	if err != nil {
		return true, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return false, nil
		}
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return false, fmt.Errorf("failed to decode success response: %w", err)
		}
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("processor returned status %d", resp.StatusCode)
	default:
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil || apiErr.Code == "" && apiErr.Detail == "" {
			apiErr.Code = "unknown"
			apiErr.Detail = strings.TrimSpace(string(bodyBytes))
		}
		return false, apiErr
	}
}
