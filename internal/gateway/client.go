package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ticket-engine/internal/status"
)

type ClientConfig struct {
	BaseURL    string
	MerchantID string
	ClientID   string
	ClientKey  string
	HMACKey    string
}

// HTTPClient talks to the gateway's REST API. Requests carry an HMAC
// signature of the body; authentication uses a short-lived access token
// refreshed in the background.
type HTTPClient struct {
	baseURL    string
	merchantID string
	clientID   string
	clientKey  string
	hmacKey    string

	mu          sync.Mutex
	accessToken string

	// toggleTokenRefresher wakes the refresher early on a 401.
	toggleTokenRefresher chan struct{}

	hc *http.Client
}

func NewHTTPClient(cfg *ClientConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		merchantID: cfg.MerchantID,
		clientID:   cfg.ClientID,
		clientKey:  cfg.ClientKey,
		hmacKey:    cfg.HMACKey,

		toggleTokenRefresher: make(chan struct{}, 1),

		hc: &http.Client{Timeout: 10 * time.Second},
	}
}

// Start authenticates and keeps the access token fresh until ctx ends.
func (c *HTTPClient) Start(ctx context.Context) error {
	token, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.setAccessToken(token)

	go c.refreshTokenLoop(ctx)
	return nil
}

// refreshTokenLoop renews the token on a fixed period, or immediately when
// a request observes a 401, reconnecting with exponential backoff.
func (c *HTTPClient) refreshTokenLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.toggleTokenRefresher:
			slog.Info("gateway: access token rejected, refreshing")
		}

		backOff := time.Second
	Retry:
		for {
			token, err := c.connect(ctx)
			switch err {
			case nil:
				c.setAccessToken(token)
				break Retry
			default:
				slog.Error("gateway: reconnect failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backOff):
					backOff *= 2
				}
			}
		}
	}
}

func (c *HTTPClient) setAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *HTTPClient) getAccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *HTTPClient) connect(ctx context.Context) (string, error) {
	reqID, err := requestID()
	if err != nil {
		return "", fmt.Errorf("gateway: connect: %w", err)
	}

	body := fmt.Sprintf(`{"requestId":%q,"merchantId":%q,"clientId":%q,"clientSecret":%q}`,
		reqID, c.merchantID, c.clientID, c.clientKey)

	var reply struct {
		Status string `json:"status"`
		Data   struct {
			AccessToken string `json:"accessToken"`
			TokenType   string `json:"tokenType"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/api/v1/authenticate", body, false, &reply); err != nil {
		return "", err
	}
	if reply.Status != "OK" {
		return "", fmt.Errorf("gateway: connect: status %q", reply.Status)
	}
	return fmt.Sprintf("%s %s", reply.Data.TokenType, reply.Data.AccessToken), nil
}

// CreateOrder places a payment order and returns the gateway order id plus
// the QR payload.
func (c *HTTPClient) CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	reqID, err := requestID()
	if err != nil {
		return nil, fmt.Errorf("gateway: create order: %w", err)
	}

	body := fmt.Sprintf(`{"requestId":%q,"merchantId":%q,"reference":%q,"amount":%s,"currency":%q,"label":%q}`,
		reqID, c.merchantID, req.Reference, req.Amount, req.Currency, req.Label)

	var reply struct {
		Status string `json:"status"`
		Data   struct {
			OrderID string `json:"orderId"`
			QRCode  string `json:"qrCode"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/api/v1/orders", body, true, &reply); err != nil {
		return nil, err
	}
	if reply.Status != "OK" {
		return nil, fmt.Errorf("%w: create order status %q", status.ErrGatewayRejected, reply.Status)
	}
	return &Order{OrderID: reply.Data.OrderID, QRCode: reply.Data.QRCode}, nil
}

// GetStatus polls one order. Transport failures and 5xx replies come back
// wrapped in status.ErrGatewayTransient, 4xx in status.ErrGatewayRejected.
func (c *HTTPClient) GetStatus(ctx context.Context, orderID string) (*StatusReply, error) {
	reqID, err := requestID()
	if err != nil {
		return nil, fmt.Errorf("gateway: get status: %w", err)
	}

	body := fmt.Sprintf(`{"requestId":%q,"orderId":%q}`, reqID, orderID)

	var reply struct {
		Status string `json:"status"`
		Data   struct {
			OrderID   string          `json:"orderId"`
			Reference string          `json:"reference"`
			State     string          `json:"state"`
			Amount    decimal.Decimal `json:"amount"`
			PaidAt    string          `json:"paidAt"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/api/v1/orders/status", body, true, &reply); err != nil {
		return nil, err
	}
	if reply.Status != "OK" {
		return nil, fmt.Errorf("%w: get status reply %q", status.ErrGatewayRejected, reply.Status)
	}

	paidAt, _ := time.Parse(time.RFC3339, reply.Data.PaidAt)
	return &StatusReply{
		OrderID:   reply.Data.OrderID,
		Reference: reply.Data.Reference,
		Status:    normalizeStatus(reply.Data.State),
		Amount:    reply.Data.Amount,
		PaidAt:    paidAt,
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, path, body string, authed bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("gateway: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SignedHash", Hmac256([]byte(body), []byte(c.hmacKey)))
	if authed {
		req.Header.Set("Authorization", c.getAccessToken())
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", status.ErrGatewayTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		// Wake the refresher; non-blocking because the channel is buffered.
		select {
		case c.toggleTokenRefresher <- struct{}{}:
		default:
		}
		return fmt.Errorf("%w: unauthorized", status.ErrGatewayTransient)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: http %d", status.ErrGatewayTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: http %d", status.ErrGatewayRejected, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode reply: %v", status.ErrGatewayTransient, err)
	}
	return nil
}
