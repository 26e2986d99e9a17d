// Package crm is the HTTP client for the upstream CRM record store. Every
// call goes through the resilient executor under the "crm" breaker.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dealbridge.app/sync/core/config"
	"dealbridge.app/sync/internal/domain"
	"dealbridge.app/sync/internal/resilience"
)

const serviceName = "crm"

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	exec       *resilience.Executor
	policy     resilience.RetryPolicy
}

func NewClient(cfg config.CRMConfig, exec *resilience.Executor) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		exec:       exec,
		policy:     resilience.CRMReadPolicy(),
	}
}

// --- wire shapes ------------------------------------------------------------

type objectResponse struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type associationsResponse struct {
	Results []struct {
		ID string `json:"id"`
	} `json:"results"`
}

// --- reads ------------------------------------------------------------------

func (c *Client) FetchDeal(ctx context.Context, id string) (*domain.DealSnapshot, error) {
	path := fmt.Sprintf("/objects/deals/%s?properties=%s", url.PathEscape(id), strings.Join(dealProperties, ","))
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var obj objectResponse
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decoding deal %s: %w", id, err)
	}

	props := obj.Properties
	snapshot := &domain.DealSnapshot{
		ID:           obj.ID,
		Name:         props[DealPropName],
		Stage:        props[DealPropStage],
		PipelineID:   props[DealPropPipeline],
		ERPOrderID:   props[DealPropERPOrderID],
		OrderNumber:  props[DealPropOrderNumber],
		ContractID:   props[DealPropContractID],
		LastEditorID: props[DealPropLastEditorID],
	}
	if raw := props[DealPropCreatedAt]; raw != "" {
		if ts, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			snapshot.CreatedAt = ts
		}
	}
	return snapshot, nil
}

func (c *Client) FetchLineItemIDs(ctx context.Context, dealID string) ([]string, error) {
	return c.associations(ctx, dealID, "line_items")
}

func (c *Client) FetchAccountIDs(ctx context.Context, dealID string) ([]string, error) {
	return c.associations(ctx, dealID, "companies")
}

func (c *Client) FetchAccount(ctx context.Context, id string) (*domain.Account, error) {
	body, err := c.get(ctx, fmt.Sprintf("/objects/companies/%s?properties=%s", url.PathEscape(id), AccountPropName))
	if err != nil {
		return nil, err
	}

	var obj objectResponse
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decoding account %s: %w", id, err)
	}
	return &domain.Account{ID: obj.ID, Name: obj.Properties[AccountPropName]}, nil
}

func (c *Client) FetchLineItem(ctx context.Context, id string) (*domain.LineItem, error) {
	path := fmt.Sprintf("/objects/line_items/%s?properties=%s", url.PathEscape(id), strings.Join(lineItemProperties, ","))
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var obj objectResponse
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decoding line item %s: %w", id, err)
	}

	props := obj.Properties
	item := &domain.LineItem{
		ID:        obj.ID,
		DealID:    props[ItemPropDealID],
		Name:      props[ItemPropName],
		ERPItemID: props[ItemPropERPItemID],
		Quantity:  parseFloat(props[ItemPropQuantity]),
		UnitCost:  parseFloat(props[ItemPropUnitCost]),
		Price:     parseFloat(props[ItemPropPrice]),
	}
	if raw := props[ItemPropPosition]; raw != "" {
		if pos, parseErr := strconv.Atoi(raw); parseErr == nil {
			item.Position = &pos
		}
	}
	if raw := props[ItemPropAnchorPrice]; raw != "" {
		if anchor, parseErr := strconv.ParseFloat(raw, 64); parseErr == nil {
			item.AnchorPrice = &anchor
		}
	}
	return item, nil
}

// --- writes -----------------------------------------------------------------

func (c *Client) PatchLineItemProperty(ctx context.Context, lineItemID, field, value string) error {
	payload, err := json.Marshal(map[string]any{
		"properties": map[string]string{field: value},
	})
	if err != nil {
		return fmt.Errorf("encoding patch: %w", err)
	}

	_, err = c.do(ctx, http.MethodPatch, fmt.Sprintf("/objects/line_items/%s", url.PathEscape(lineItemID)), payload)
	return err
}

// --- transport --------------------------------------------------------------

func (c *Client) associations(ctx context.Context, dealID, kind string) ([]string, error) {
	body, err := c.get(ctx, fmt.Sprintf("/objects/deals/%s/associations/%s", url.PathEscape(dealID), kind))
	if err != nil {
		return nil, err
	}

	var assoc associationsResponse
	if err := json.Unmarshal(body, &assoc); err != nil {
		return nil, fmt.Errorf("decoding %s associations: %w", kind, err)
	}
	ids := make([]string, 0, len(assoc.Results))
	for _, r := range assoc.Results {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	return resilience.Call(ctx, c.exec, serviceName, c.policy, func(ctx context.Context) ([]byte, error) {
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

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
