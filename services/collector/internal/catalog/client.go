// Package catalog reads product data from the product service API.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/utils"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ErrProductNotFound = errors.New("catalog product not found")

type Product struct {
	ID        int64 `json:"id"`
	Stock     int64 `json:"stock"`
	LikeCount int64 `json:"likeCount"`
}

type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   utils.RetryPolicy
}

func NewClient(cfg config.Catalog, breaker *gobreaker.CircuitBreaker, retry utils.RetryPolicy) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		},
		breaker: breaker,
		retry:   retry,
	}
}

// GetProduct retries transient failures behind the breaker. A 404 is returned
// as ErrProductNotFound without counting against the breaker.
func (c *Client) GetProduct(ctx context.Context, id int64) (*Product, error) {
	p, err := utils.Retry(ctx, c.retry, func(ctx context.Context) (*Product, error) {
		p, err := utils.ExecuteWithBreaker(c.breaker, func() (*Product, error) {
			p, err := c.fetch(ctx, id)
			if errors.Is(err, ErrProductNotFound) {
				return nil, nil
			}
			return p, err
		})
		if err != nil && utils.IsBreakerRejection(err) {
			return nil, utils.Permanent(err)
		}

		return p, err
	})
	if err != nil {
		return nil, apperr.External(err, "catalog product %d unavailable", id)
	}
	if p == nil {
		return nil, ErrProductNotFound
	}

	return p, nil
}

func (c *Client) fetch(ctx context.Context, id int64) (*Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/products/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrProductNotFound
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog responded %d: %s", resp.StatusCode, raw)
	}

	var p Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}

	return &p, nil
}
