// Package erp is the HTTP client for the downstream ERP record store. Every
// call goes through the resilient executor under the "erp" breaker.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dealbridge.app/sync/core/config"
	"dealbridge.app/sync/internal/domain"
	"dealbridge.app/sync/internal/resilience"
)

const serviceName = "erp"

type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	exec        *resilience.Executor
	writePolicy resilience.RetryPolicy
	readPolicy  resilience.RetryPolicy
	settleDelay time.Duration
}

func NewClient(cfg config.ERPConfig, exec *resilience.Executor) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 45 * time.Second},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		exec:        exec,
		writePolicy: resilience.ERPWritePolicy(),
		readPolicy:  resilience.CRMReadPolicy(),
		settleDelay: cfg.LookupSettleDelay,
	}
}

type orderItemPayload struct {
	Item             string   `json:"item"`
	Description      string   `json:"description,omitempty"`
	Quantity         float64  `json:"quantity"`
	Rate             float64  `json:"rate"`
	CostEstimate     *float64 `json:"costestimate,omitempty"`
	CostEstimateType string   `json:"costestimatetype,omitempty"`
	PriceLevel       string   `json:"price,omitempty"`
}

type lookupResponse struct {
	OrderID string `json:"order_id"`
}

type catalogResponse struct {
	ID    string  `json:"id"`
	Cost  float64 `json:"cost"`
	Price float64 `json:"price"`
}

// WriteOrderItems replaces the item lines of a sales order with the
// consolidated set.
func (c *Client) WriteOrderItems(ctx context.Context, orderID string, items []domain.OrderItem) error {
	payload := make([]orderItemPayload, 0, len(items))
	for _, item := range items {
		p := orderItemPayload{
			Item:         item.ItemID,
			Description:  item.Description,
			Quantity:     item.Quantity,
			Rate:         item.Rate,
			CostEstimate: item.CostEstimate,
		}
		if item.CostEstimate != nil {
			p.CostEstimateType = CostEstimateTypeCustom
		}
		if item.PriceLevelCustom {
			p.PriceLevel = PriceLevelCustom
		}
		payload = append(payload, p)
	}

	body, err := json.Marshal(map[string]any{"items": payload})
	if err != nil {
		return fmt.Errorf("encoding order items: %w", err)
	}

	_, err = c.do(ctx, http.MethodPut, fmt.Sprintf("/orders/%s/items", url.PathEscape(orderID)), body, c.writePolicy)
	return err
}

// LookupOrderID finds the sales order mirroring a deal when the CRM-side link
// is missing. The settle delay gives the eventually consistent upstream write
// time to land before querying for it.
func (c *Client) LookupOrderID(ctx context.Context, dealID string) (string, error) {
	if c.settleDelay > 0 {
		select {
		case <-time.After(c.settleDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/orders/lookup?deal=%s", url.QueryEscape(dealID)), nil, c.readPolicy)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil
		}
		return "", err
	}

	var lookup lookupResponse
	if err := json.Unmarshal(body, &lookup); err != nil {
		return "", fmt.Errorf("decoding order lookup: %w", err)
	}
	return lookup.OrderID, nil
}

// GetCatalogItem fetches the ERP's recorded pricing for a catalog item.
func (c *Client) GetCatalogItem(ctx context.Context, id string) (*domain.CatalogItem, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/catalog/items/%s", url.PathEscape(id)), nil, c.readPolicy)
	if err != nil {
		return nil, err
	}

	var item catalogResponse
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("decoding catalog item %s: %w", id, err)
	}
	return &domain.CatalogItem{ID: item.ID, Cost: item.Cost, Price: item.Price}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, policy resilience.RetryPolicy) ([]byte, error) {
	return resilience.Call(ctx, c.exec, serviceName, policy, func(ctx context.Context) ([]byte, error) {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusNotFound {
			return nil, domain.ErrNotFound
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &resilience.HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
		}
		return body, nil
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
