// internal/clients/catalog_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"locallend/internal/catalog"
)

// CatalogClient calls the catalog service over HTTP.
type CatalogClient struct {
	baseURL  string
	upstream *upstream
}

func NewCatalogClient(baseURL string, httpClient *http.Client) *CatalogClient {
	return &CatalogClient{baseURL: baseURL, upstream: newUpstream("catalog", httpClient)}
}

func (c *CatalogClient) GetItem(ctx context.Context, id uuid.UUID) (*catalog.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/items/%s", c.baseURL, id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.upstream.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK, catalog.ErrItemNotFound); err != nil {
		return nil, err
	}

	var item catalog.Item
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}

	return &item, nil
}

func (c *CatalogClient) UpdateItemStatus(ctx context.Context, id uuid.UUID, status catalog.ItemStatus) error {
	body, err := json.Marshal(struct {
		Status catalog.ItemStatus `json:"status"`
	}{Status: status})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/items/%s/status", c.baseURL, id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.upstream.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkStatus(resp, http.StatusOK, catalog.ErrItemNotFound)
}
