package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPClient speaks the de-facto SMM panel API convention: form-encoded
// POSTs with key/action parameters against a single endpoint, JSON
// responses with either the payload or an "error" field.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPClient builds a client for one provider endpoint.
func NewHTTPClient(endpoint, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type apiResponse struct {
	Order      json.Number `json:"order"`
	Status     string      `json:"status"`
	StartCount json.Number `json:"start_count"`
	Remains    json.Number `json:"remains"`
	Cancel     json.Number `json:"cancel"`
	Error      string      `json:"error"`
}

func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	resp, err := c.call(ctx, url.Values{
		"action":   {"add"},
		"service":  {req.Service},
		"link":     {req.Link},
		"quantity": {strconv.Itoa(req.Quantity)},
	})
	if err != nil {
		return "", err
	}
	if resp.Order.String() == "" {
		return "", &RejectionError{Code: "no_order_id", Message: "provider returned no order id"}
	}
	return resp.Order.String(), nil
}

func (c *HTTPClient) Status(ctx context.Context, providerOrderID string) (StatusInfo, error) {
	resp, err := c.call(ctx, url.Values{
		"action": {"status"},
		"order":  {providerOrderID},
	})
	if err != nil {
		return StatusInfo{}, err
	}
	info := StatusInfo{Status: Status(resp.Status)}
	if n, err := resp.StartCount.Int64(); err == nil {
		info.StartCount = int(n)
	}
	if n, err := resp.Remains.Int64(); err == nil {
		info.Remains = int(n)
	}
	return info, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, providerOrderID string) error {
	_, err := c.call(ctx, url.Values{
		"action": {"cancel"},
		"order":  {providerOrderID},
	})
	return err
}

func (c *HTTPClient) call(ctx context.Context, form url.Values) (apiResponse, error) {
	form.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return apiResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("provider request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return apiResponse{}, fmt.Errorf("read provider response: %w", err)
	}
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return apiResponse{}, fmt.Errorf("provider status %d", httpResp.StatusCode)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return apiResponse{}, fmt.Errorf("decode provider response: %w", err)
	}
	if resp.Error != "" {
		if isAlreadyCompleted(resp.Error) {
			return apiResponse{}, ErrAlreadyCompleted
		}
		return apiResponse{}, &RejectionError{Code: "provider_error", Message: resp.Error}
	}
	if httpResp.StatusCode >= http.StatusBadRequest {
		return apiResponse{}, &RejectionError{Code: fmt.Sprintf("http_%d", httpResp.StatusCode), Message: string(body)}
	}
	return resp, nil
}

func isAlreadyCompleted(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "already completed") || strings.Contains(m, "order completed")
}
