package orderapi

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
)

// ErrInvalidClientConfig indicates the client was constructed without its
// required settings.
var ErrInvalidClientConfig = errors.New("orderapi: invalid client config")

// Doer abstracts *http.Client for tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig wires a Client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient Doer
	// AuthToken supplies the bearer token attached to each request. Optional.
	AuthToken func(ctx context.Context) (string, error)
	// Logger receives structured client events. Optional.
	Logger func(ctx context.Context, event string, fields map[string]any)
	// Timeout bounds each request when the caller's context has no deadline.
	Timeout time.Duration
}

// Client is a typed HTTP client for the order persistence backend.
type Client struct {
	baseURL   string
	http      Doer
	authToken func(ctx context.Context) (string, error)
	logger    func(ctx context.Context, event string, fields map[string]any)
	timeout   time.Duration
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidClientConfig)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrInvalidClientConfig, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      httpClient,
		authToken: cfg.AuthToken,
		logger:    cfg.Logger,
		timeout:   timeout,
	}, nil
}

// CreateOrder submits a new order.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	var out OrderResponse
	if err := c.do(ctx, http.MethodPost, "/ccstore/v1/orders", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateOrder replaces the persisted incomplete order identified by req.ID.
func (c *Client) UpdateOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: order id is required for update", ErrInvalidClientConfig)
	}
	var out OrderResponse
	if err := c.do(ctx, http.MethodPut, "/ccstore/v1/orders/"+url.PathEscape(req.ID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddPayments appends payment groups to an order pending payment.
func (c *Client) AddPayments(ctx context.Context, req AddPaymentsRequest) (*AddPaymentsResponse, error) {
	if req.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required for add payments", ErrInvalidClientConfig)
	}
	var out AddPaymentsResponse
	path := "/ccstore/v1/orders/" + url.PathEscape(req.OrderID) + "/addPayments"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	if out.OrderID == "" {
		out.OrderID = req.OrderID
	}
	return &out, nil
}

// GetOrder fetches an order by id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidClientConfig)
	}
	var out OrderResponse
	if err := c.do(ctx, http.MethodGet, "/ccstore/v1/orders/"+url.PathEscape(orderID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInitialOrder looks up the order created ahead of a gateway redirect using
// the correlation parameters echoed back by the gateway.
func (c *Client) GetInitialOrder(ctx context.Context, q InitialOrderQuery) (*OrderResponse, error) {
	params := url.Values{}
	if q.PaymentType != "" {
		params.Set("paymentType", q.PaymentType)
	}
	if q.PayerID != "" {
		params.Set("payerId", q.PayerID)
	}
	if q.Token != "" {
		params.Set("token", q.Token)
	}
	if q.PaymentID != "" {
		params.Set("paymentId", q.PaymentID)
	}
	if q.Reference != "" {
		params.Set("reference", q.Reference)
	}
	if q.Signature != "" {
		params.Set("signature", q.Signature)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: initial order query is empty", ErrInvalidClientConfig)
	}
	var out OrderResponse
	path := "/ccstore/v1/orders/initialOrder?" + params.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckRequiresApproval asks whether the draft order must enter the approval
// workflow before payment.
func (c *Client) CheckRequiresApproval(ctx context.Context, req OrderRequest) (bool, error) {
	var out ApprovalCheckResponse
	if err := c.do(ctx, http.MethodPost, "/ccstore/v1/orders/checkRequiresApproval", req, &out); err != nil {
		return false, err
	}
	return out.RequiresApproval, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("orderapi: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("orderapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != nil {
		token, err := c.authToken(ctx)
		if err != nil {
			return fmt.Errorf("orderapi: fetch auth token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log(ctx, "orderapi.request_failed", map[string]any{
			"method": method,
			"path":   path,
			"error":  err.Error(),
		})
		return fmt.Errorf("orderapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log(ctx, "orderapi.request_completed", map[string]any{
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeServerError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("orderapi: decode response: %w", err)
	}
	return nil
}

func (c *Client) log(ctx context.Context, event string, fields map[string]any) {
	if c.logger == nil {
		return
	}
	c.logger(ctx, event, fields)
}

func decodeServerError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ServerError{Status: resp.StatusCode}
	}
	var envelope struct {
		ErrorCode string        `json:"errorCode"`
		Message   string        `json:"message"`
		Errors    []ErrorDetail `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &ServerError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	return &ServerError{
		Status:  resp.StatusCode,
		Code:    envelope.ErrorCode,
		Message: envelope.Message,
		Errors:  envelope.Errors,
	}
}
