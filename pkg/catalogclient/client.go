/**
 * @description
 * This package provides a client for communicating with the content catalog
 * service, which owns the storefront's token package price list. The
 * token-service treats the catalog as an external collaborator; when the
 * catalog is unreachable the storefront falls back to its built-in package
 * list rather than refusing purchases.
 */
package catalogclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/counselhub/token-service/internal/domain"
)

// Client is a client for the content catalog service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new catalog service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type packageListResponse struct {
	Packages []domain.TokenPackage `json:"packages"`
}

// GetTokenPackages fetches the current token package price list.
func (c *Client) GetTokenPackages(ctx context.Context) ([]domain.TokenPackage, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("catalog service base url is empty")
	}

	url := fmt.Sprintf("%s/internal/catalog/token-packages", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to catalog service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("catalog service returned error status %d", resp.StatusCode)
	}

	var response packageListResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return response.Packages, nil
}
