// Package tradesvc provides a Go SDK for the tradesvc order API.
package tradesvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Client talks to a tradesvc-server instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// OrderRequest is an order submission. Qty and LimitPrice are decimal
// strings.
type OrderRequest struct {
	ClientID       string `json:"client_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Qty            string `json:"qty"`
	LimitPrice     string `json:"limit_price,omitempty"`
}

// Order is the server's view of an order.
type Order struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Qty            decimal.Decimal `json:"qty"`
	LimitPrice     string          `json:"limit_price,omitempty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	AvgPrice       string          `json:"avg_price,omitempty"`
	Status         string          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	ClientID       string          `json:"client_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Fill is one execution against an order.
type Fill struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Timestamp   time.Time       `json:"ts"`
}

// Position is a net open position.
type Position struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// APIError is a non-2xx response from the server. Rejected is set on order
// submissions refused by pre-trade risk (HTTP 422); the rejected order,
// including its reason code, is available in Order.
type APIError struct {
	StatusCode int
	Message    string
	Order      *Order
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tradesvc: HTTP %d: %s", e.StatusCode, e.Message)
}

// SubmitOrder submits a new order. Risk-rejected submissions return the
// persisted rejected order along with an *APIError carrying status 422.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		var order Order
		if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
			return nil, err
		}
		return &order, nil
	case http.StatusUnprocessableEntity:
		var order Order
		if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
			return nil, err
		}
		return &order, &APIError{
			StatusCode: resp.StatusCode,
			Message:    "order rejected: " + order.Reason,
			Order:      &order,
		}
	default:
		return nil, apiError(resp)
	}
}

// GetOrder retrieves an order by ID.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var order Order
	if err := c.get(ctx, "/api/v1/orders/"+id, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder requests cancellation of an open order. A 409 response means
// the order already filled or is otherwise terminal.
func (c *Client) CancelOrder(ctx context.Context, id string) (*Order, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/v1/orders/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var order Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetFills retrieves an order's fills.
func (c *Client) GetFills(ctx context.Context, orderID string) ([]Fill, error) {
	var fills []Fill
	if err := c.get(ctx, "/api/v1/orders/"+orderID+"/fills", &fills); err != nil {
		return nil, err
	}
	return fills, nil
}

// GetPositions retrieves all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.get(ctx, "/api/v1/positions", &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = string(raw)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}
