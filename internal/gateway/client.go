package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"storefront-service/config"
	"storefront-service/internal/apperr"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

const (
	payPath    = "/pg/v1/pay"
	statusPath = "/pg/v1/status"
	tokenPath  = "/v1/oauth/token"

	// tokenRefreshMargin refreshes the cached credential this long before
	// the provider-issued expiry.
	tokenRefreshMargin = 300 * time.Second
)

// accessCredential is the cached bearer token. It is swapped as a whole
// under the mutex so readers never see a half-updated pair.
type accessCredential struct {
	token  string
	expiry time.Time
}

// Client talks to the payment provider: credential exchange, payment
// initiation, status polling and callback verification.
type Client struct {
	httpClient *http.Client
	cfg        config.GatewayConfig
	production bool
	logger     *zap.Logger

	mu   sync.Mutex
	cred accessCredential
}

func NewClient(cfg config.GatewayConfig, env string) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		production: env == "production",
		logger:     util.GetLogger(),
	}
}

// InitiationRequest is the controller-facing payment initiation input.
type InitiationRequest struct {
	TransactionID   string
	MerchantOrderID string
	Amount          float64
	CustomerName    string
	CustomerPhone   string
	// CallbackURL points back into this system's callback endpoint.
	CallbackURL string
}

// InitiationResult never carries an error across the boundary: failures
// are reported through Success/Error/Debug.
type InitiationResult struct {
	Success         bool
	PaymentURL      string
	TransactionID   string
	MerchantOrderID string
	State           string
	Error           string
	Debug           string
}

// StatusResult is the raw provider status payload; interpretation belongs
// to the lifecycle controller.
type StatusResult struct {
	State                string
	Code                 string
	GatewayTransactionID string
	PaymentMethod        string
	Amount               float64
}

// CallbackResult distinguishes a forged callback (Valid=false) from a
// malformed one (DecodeErr non-nil). The two must never be conflated.
type CallbackResult struct {
	Valid     bool
	Data      *CallbackData
	DecodeErr error
}

// CallbackData is the decoded callback notification body.
type CallbackData struct {
	Code string `json:"code"`
	Data struct {
		MerchantTransactionID string  `json:"merchantTransactionId"`
		TransactionID         string  `json:"transactionId"`
		State                 string  `json:"state"`
		Amount                float64 `json:"amount"`
		PaymentInstrument     struct {
			Type string `json:"type"`
		} `json:"paymentInstrument"`
	} `json:"data"`
}

// AccessToken returns the cached credential while it is fresh and performs
// a client-credentials exchange otherwise. The mutex coalesces concurrent
// refreshes into one in-flight exchange. Outside production an exchange
// failure degrades to an empty token instead of failing the caller.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cred.token != "" && time.Now().Before(c.cred.expiry) {
		return c.cred.token, nil
	}

	token, expiry, err := c.exchangeToken(ctx)
	if err != nil {
		util.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		if !c.production {
			c.logger.Warn("Token exchange failed, continuing without credential (sandbox mode)",
				zap.Error(err))
			return "", nil
		}
		return "", apperr.Gateway("", "token exchange failed", err)
	}

	util.TokenRefreshesTotal.WithLabelValues("success").Inc()
	c.cred = accessCredential{token: token, expiry: expiry.Add(-tokenRefreshMargin)}
	return c.cred.token, nil
}

func (c *Client) exchangeToken(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("client_version", c.cfg.ClientVersion)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	util.GatewayRequestLatency.WithLabelValues("token").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", time.Time{}, fmt.Errorf("token exchange status %d: %s", resp.StatusCode, string(body))
	}

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if res.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token exchange returned empty token")
	}
	return res.AccessToken, time.Unix(res.ExpiresAt, 0), nil
}

// InitiatePayment validates the request, builds the provider payload and
// submits it. Validation failures return before any network call.
func (c *Client) InitiatePayment(ctx context.Context, req InitiationRequest) (*InitiationResult, error) {
	if req.Amount <= 0 {
		return nil, apperr.Validation("amount must be greater than zero")
	}
	if len(req.CustomerPhone) < 10 {
		return nil, apperr.Validation("phone number must be at least 10 digits")
	}
	if strings.TrimSpace(req.CustomerName) == "" {
		return nil, apperr.Validation("customer name is required")
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" && c.production {
		return nil, apperr.Gateway(req.TransactionID, "no access credential available", nil)
	}

	payload := map[string]interface{}{
		"merchantId":            c.cfg.MerchantID,
		"merchantTransactionId": req.TransactionID,
		"merchantUserId":        req.MerchantOrderID,
		"amount":                int64(math.Round(req.Amount * 100)),
		"redirectUrl":           req.CallbackURL,
		"redirectMode":          "POST",
		"callbackUrl":           req.CallbackURL,
		"mobileNumber":          req.CustomerPhone,
		"paymentInstrument":     map[string]string{"type": "PAY_PAGE"},
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal initiation payload: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(payloadJSON)

	body, err := json.Marshal(map[string]string{"request": encoded})
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+payPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-VERIFY", c.checksum(encoded+payPath))
	if token != "" {
		httpReq.Header.Set("Authorization", "O-Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	util.GatewayRequestLatency.WithLabelValues("initiate").Observe(time.Since(start).Seconds())
	if err != nil {
		util.PaymentInitiationsTotal.WithLabelValues("network_error").Inc()
		return &InitiationResult{
			Success:         false,
			TransactionID:   req.TransactionID,
			MerchantOrderID: req.MerchantOrderID,
			Error:           "payment initiation failed",
			Debug:           err.Error(),
		}, nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		util.PaymentInitiationsTotal.WithLabelValues("provider_error").Inc()
		return &InitiationResult{
			Success:         false,
			TransactionID:   req.TransactionID,
			MerchantOrderID: req.MerchantOrderID,
			Error:           fmt.Sprintf("provider returned status %d", resp.StatusCode),
			Debug:           string(respBody),
		}, nil
	}

	var provider struct {
		Success bool `json:"success"`
		Data    struct {
			InstrumentResponse struct {
				RedirectInfo struct {
					URL string `json:"url"`
				} `json:"redirectInfo"`
			} `json:"instrumentResponse"`
			State string `json:"state"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &provider); err != nil {
		util.PaymentInitiationsTotal.WithLabelValues("decode_error").Inc()
		return &InitiationResult{
			Success:         false,
			TransactionID:   req.TransactionID,
			MerchantOrderID: req.MerchantOrderID,
			Error:           "undecodable provider response",
			Debug:           err.Error(),
		}, nil
	}

	redirect := provider.Data.InstrumentResponse.RedirectInfo.URL
	if !provider.Success || redirect == "" {
		util.PaymentInitiationsTotal.WithLabelValues("rejected").Inc()
		return &InitiationResult{
			Success:         false,
			TransactionID:   req.TransactionID,
			MerchantOrderID: req.MerchantOrderID,
			Error:           "provider rejected the payment",
			Debug:           provider.Message,
		}, nil
	}

	util.PaymentInitiationsTotal.WithLabelValues("success").Inc()
	return &InitiationResult{
		Success:         true,
		PaymentURL:      redirect,
		TransactionID:   req.TransactionID,
		MerchantOrderID: req.MerchantOrderID,
		State:           provider.Data.State,
	}, nil
}

// CheckStatus queries the provider for the current payment state. Errors
// are surfaced, never retried here; retry policy belongs to the caller.
func (c *Client) CheckStatus(ctx context.Context, merchantOrderID string) (*StatusResult, error) {
	if merchantOrderID == "" {
		return nil, apperr.Validation("merchant order id is required")
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" && c.production {
		return nil, apperr.Gateway(merchantOrderID, "no access credential available", nil)
	}

	path := fmt.Sprintf("%s/%s/%s", statusPath, c.cfg.MerchantID, merchantOrderID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-VERIFY", c.checksum(path))
	httpReq.Header.Set("X-MERCHANT-ID", c.cfg.MerchantID)
	if token != "" {
		httpReq.Header.Set("Authorization", "O-Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	util.GatewayRequestLatency.WithLabelValues("status").Observe(time.Since(start).Seconds())
	if err != nil {
		util.StatusChecksTotal.WithLabelValues("network_error").Inc()
		return nil, apperr.Gateway(merchantOrderID, "status check failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		util.StatusChecksTotal.WithLabelValues("provider_error").Inc()
		body, _ := io.ReadAll(resp.Body)
		return nil, apperr.Gateway(merchantOrderID,
			fmt.Sprintf("status check returned %d: %s", resp.StatusCode, string(body)), nil)
	}

	var provider struct {
		Code string `json:"code"`
		Data struct {
			State             string  `json:"state"`
			TransactionID     string  `json:"transactionId"`
			Amount            float64 `json:"amount"`
			PaymentInstrument struct {
				Type string `json:"type"`
			} `json:"paymentInstrument"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&provider); err != nil {
		util.StatusChecksTotal.WithLabelValues("decode_error").Inc()
		return nil, apperr.Gateway(merchantOrderID, "undecodable status response", err)
	}

	util.StatusChecksTotal.WithLabelValues("success").Inc()
	return &StatusResult{
		State:                provider.Data.State,
		Code:                 provider.Code,
		GatewayTransactionID: provider.Data.TransactionID,
		PaymentMethod:        provider.Data.PaymentInstrument.Type,
		Amount:               provider.Data.Amount / 100,
	}, nil
}

// VerifyCallback recomputes the expected checksum over the raw callback
// body and compares it in constant time. Only after the checksum matches
// is the payload decoded; a decode failure is reported separately from a
// forged checksum.
func (c *Client) VerifyCallback(responseBody, checksum string) CallbackResult {
	if responseBody == "" || checksum == "" {
		return CallbackResult{Valid: false}
	}

	expected := c.checksum(responseBody)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(checksum)) != 1 {
		return CallbackResult{Valid: false}
	}

	decoded, err := base64.StdEncoding.DecodeString(responseBody)
	if err != nil {
		return CallbackResult{Valid: true, DecodeErr: fmt.Errorf("base64 decode callback body: %w", err)}
	}

	var data CallbackData
	if err := json.Unmarshal(decoded, &data); err != nil {
		return CallbackResult{Valid: true, DecodeErr: fmt.Errorf("parse callback body: %w", err)}
	}
	return CallbackResult{Valid: true, Data: &data}
}

// checksum is the provider's signature scheme:
// sha256(input + saltKey) + "###" + saltIndex.
func (c *Client) checksum(input string) string {
	sum := sha256.Sum256([]byte(input + c.cfg.SaltKey))
	return hex.EncodeToString(sum[:]) + "###" + c.cfg.SaltIndex
}
