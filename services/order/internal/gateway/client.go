// Package gateway talks to the external card payment gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const userIDHeader = "X-USER-ID"

const (
	ResultSuccess = "SUCCESS"
	ResultFail    = "FAIL"
)

type PaymentRequest struct {
	OrderID     string          `json:"orderId"`
	CardType    string          `json:"cardType"`
	CardNo      string          `json:"cardNo"`
	Amount      decimal.Decimal `json:"amount"`
	CallbackURL string          `json:"callbackUrl"`
}

type PaymentResponse struct {
	Result         string `json:"result"`
	TransactionKey string `json:"transactionKey,omitempty"`
	Status         string `json:"status,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// FallbackResponse is what callers see when the gateway could not be reached.
func FallbackResponse() *PaymentResponse {
	return &PaymentResponse{Result: ResultFail}
}

// StatusError is a non-2xx answer from the gateway.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the same request can succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type Client interface {
	RequestPayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error)
	GetPayment(ctx context.Context, transactionKey string) (*PaymentResponse, error)
}

type httpClient struct {
	baseURL string
	userID  string
	http    *http.Client
}

func NewHTTPClient(cfg config.Gateway) Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	return &httpClient{
		baseURL: cfg.BaseURL,
		userID:  cfg.UserID,
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
	}
}

func (c *httpClient) RequestPayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment request: %w", err)
	}

	return c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/payments", body)
}

func (c *httpClient) GetPayment(ctx context.Context, transactionKey string) (*PaymentResponse, error) {
	return c.do(ctx, http.MethodGet, c.baseURL+"/api/v1/payments/"+url.PathEscape(transactionKey), nil)
}

func (c *httpClient) do(ctx context.Context, method, target string, body []byte) (*PaymentResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set(userIDHeader, c.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway call failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	var out PaymentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	return &out, nil
}

func isPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Temporary()
}
