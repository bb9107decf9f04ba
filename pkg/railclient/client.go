/**
 * @description
 * This package provides a client for the external payment rail gateway that
 * fronts the PayPal and crypto-pay processors. It encapsulates the logic for
 * making authenticated HTTP requests, handling request body construction, and
 * parsing responses.
 *
 * The gateway is treated as a trusted black box: a charge either succeeds,
 * is explicitly declined, stays pending, or the call fails in a way the
 * caller must classify (unreachable vs timed out).
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net, net/http, time: Standard Go libraries.
 */
package railclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Charge statuses reported by the gateway.
const (
	ChargeStatusSucceeded = "succeeded"
	ChargeStatusPending   = "pending"
	ChargeStatusDeclined  = "declined"
)

// Client is a client for the payment rail gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new rail gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ChargeRequest is the payload for creating a charge on a rail. Reference is
// the processor-issued transaction id; the gateway echoes it back and it is
// the key used for later status queries.
type ChargeRequest struct {
	Reference   string `json:"reference"`
	Rail        string `json:"rail"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

// ChargeResponse is the gateway's view of a charge.
type ChargeResponse struct {
	Data struct {
		ID        string `json:"id"`
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Reason    string `json:"reason,omitempty"`
	} `json:"data"`
}

// ErrorResponse represents an error returned by the gateway.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("rail gateway error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown rail gateway error"
}

// IsExplicitRejection reports whether the gateway definitively refused the
// charge, as opposed to an ambiguous or transient failure. Only explicit
// rejections are safe to treat as terminal without reconciliation.
func (e *ErrorResponse) IsExplicitRejection() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return true
	}
	for _, item := range e.Errors {
		if code, err := strconv.Atoi(item.Status); err == nil && code >= 400 && code < 500 {
			return true
		}
	}
	return false
}

// IsTimeout reports whether err represents an ambiguous timeout: the request
// may or may not have reached the rail, so the outcome must be reconciled.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// CreateCharge submits a charge to the gateway.
func (c *Client) CreateCharge(ctx context.Context, charge ChargeRequest) (*ChargeResponse, error) {
	body, err := json.Marshal(charge)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/charges", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.APIKey)

	return c.do(req, "create_charge")
}

// GetCharge queries the current state of a charge by its reference. Used by
// the reconciliation pass to resolve ambiguous outcomes.
func (c *Client) GetCharge(ctx context.Context, reference string) (*ChargeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/api/v1/charges/"+reference, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create charge lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.APIKey)

	return c.do(req, "get_charge")
}

func (c *Client) do(req *http.Request, op string) (*ChargeResponse, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=rail_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=rail_client op=%s status=%d title=%q detail=%q", op, resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return nil, &errResp
	}

	var successResp ChargeResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return &successResp, nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
