// Package rest implements transport.Transport over the exchange's REST
// API: a base-URL'd resty client with retry-on-5xx, HMAC request signing
// via internal/transport/auth, and status-code-driven failure
// classification so the execution engine can decide what to retry.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"marketmaker/internal/transport"
	"marketmaker/internal/transport/auth"
	"marketmaker/pkg/types"
)

// Client is a REST-backed transport.Transport.
type Client struct {
	http   *resty.Client
	signer *auth.Signer
	logger *slog.Logger

	notifications chan transport.Notification
}

// NewClient builds a REST transport against baseURL, signing every
// mutating request with signer.
func NewClient(baseURL string, signer *auth.Signer, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:          httpClient,
		signer:        signer,
		logger:        logger.With("component", "transport.rest"),
		notifications: make(chan transport.Notification, 256),
	}
}

type placeRequestBody struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Qty      string `json:"qty"`
	ClientID string `json:"client_id"`
}

type placeResponseBody struct {
	OrderID string `json:"order_id"`
}

func (c *Client) sign(method, path, body string) (map[string]string, error) {
	return c.signer.Headers(method, path, body)
}

func classify(err error, statusCode int) *transport.Error {
	if err != nil {
		return &transport.Error{Kind: transport.FailureNetwork, Err: err}
	}
	switch {
	case statusCode == http.StatusNotFound:
		return &transport.Error{Kind: transport.FailureNotFound, Err: fmt.Errorf("status %d", statusCode)}
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return &transport.Error{Kind: transport.FailureInvalid, Err: fmt.Errorf("status %d", statusCode)}
	case statusCode >= 500:
		return &transport.Error{Kind: transport.FailureNetwork, Err: fmt.Errorf("status %d", statusCode)}
	case statusCode >= 400:
		return &transport.Error{Kind: transport.FailureRejected, Err: fmt.Errorf("status %d", statusCode)}
	default:
		return nil
	}
}

// Place submits a new resting order.
func (c *Client) Place(ctx context.Context, req transport.PlaceRequest) (types.RemoteID, error) {
	body := placeRequestBody{
		Symbol:   req.Symbol,
		Side:     string(req.Side),
		Price:    req.Price.String(),
		Qty:      req.Qty.String(),
		ClientID: req.ClientID,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	headers, err := c.sign(http.MethodPost, "/orders", string(raw))
	if err != nil {
		return "", err
	}

	var result placeResponseBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(raw).
		SetResult(&result).
		Post("/orders")
	if terr := classify(err, statusCodeOf(resp)); terr != nil {
		return "", terr
	}
	return types.RemoteID(result.OrderID), nil
}

// Cancel cancels a resting order by remote id.
func (c *Client) Cancel(ctx context.Context, symbol string, remoteID types.RemoteID) error {
	path := fmt.Sprintf("/orders/%s", remoteID)
	headers, err := c.sign(http.MethodDelete, path, "")
	if err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete(path)
	if terr := classify(err, statusCodeOf(resp)); terr != nil {
		return terr
	}
	return nil
}

type amendRequestBody struct {
	NewPrice *string `json:"new_price,omitempty"`
	NewQty   *string `json:"new_qty,omitempty"`
}

// Amend attempts a native in-place modification. Venues that don't
// support amend return transport.ErrUnsupported and let the execution
// engine fall back to cancel-then-replace.
func (c *Client) Amend(ctx context.Context, req transport.AmendRequest) error {
	body := amendRequestBody{}
	if req.NewPrice != nil {
		s := req.NewPrice.String()
		body.NewPrice = &s
	}
	if req.NewQty != nil {
		s := req.NewQty.String()
		body.NewQty = &s
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/orders/%s", req.RemoteID)
	headers, err := c.sign(http.MethodPatch, path, string(raw))
	if err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(raw).
		Patch(path)
	if resp != nil && resp.StatusCode() == http.StatusNotImplemented {
		return transport.ErrUnsupported
	}
	if terr := classify(err, statusCodeOf(resp)); terr != nil {
		return terr
	}
	return nil
}

type statusResponseBody struct {
	RemoteID  string `json:"order_id"`
	State     string `json:"state"`
	QtyFilled string `json:"qty_filled"`
}

// Status fetches the exchange's current view of an order, used for
// out-of-band reconciliation.
func (c *Client) Status(ctx context.Context, symbol string, remoteID types.RemoteID) (transport.OrderSnapshot, error) {
	path := fmt.Sprintf("/orders/%s", remoteID)
	headers, err := c.sign(http.MethodGet, path, "")
	if err != nil {
		return transport.OrderSnapshot{}, err
	}

	var result statusResponseBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if terr := classify(err, statusCodeOf(resp)); terr != nil {
		return transport.OrderSnapshot{}, terr
	}

	filled, _ := decimal.NewFromString(result.QtyFilled)
	return transport.OrderSnapshot{
		RemoteID:  types.RemoteID(result.RemoteID),
		State:     result.State,
		QtyFilled: filled,
	}, nil
}

// Notifications exposes the channel the websocket feed (or any other
// push source) feeds fills, cancels, expiries, and rejects into.
func (c *Client) Notifications() <-chan transport.Notification {
	return c.notifications
}

// Push is how an external notification source (the websocket feed) hands
// an unsolicited update to this transport for the execution engine to
// consume.
func (c *Client) Push(n transport.Notification) {
	select {
	case c.notifications <- n:
	default:
		c.logger.Warn("notification channel full, dropping", "kind", n.Kind, "remote_id", n.RemoteID)
	}
}

func statusCodeOf(resp *resty.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode()
}
