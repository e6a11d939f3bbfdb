// Package orderapi is the HTTP adapter for the remote order service.
//
// Client implements order.Service. The order itself is created lazily: the
// first mutation without a known order id creates one and records its id
// through OrderIDs, which is normally the cart.Store.
package orderapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/roach88/cartsync/internal/order"
	"github.com/roach88/cartsync/internal/token"
)

// DefaultTimeout bounds a single HTTP round trip.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// OrderIDs holds the id of the order the cart belongs to. *cart.Store
// satisfies it.
type OrderIDs interface {
	OrderID() string
	SetOrderID(id string)
}

// Client talks to the order API.
//
// Thread-safety: Client is safe for concurrent use. Order creation is
// serialised so concurrent first mutations create a single order.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens token.Provider
	orders OrderIDs
	logger *slog.Logger

	createMu sync.Mutex
}

var _ order.Service = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokens sets the bearer token source. Requests go out without an
// Authorization header while it returns "".
func WithTokens(p token.Provider) Option {
	return func(c *Client) {
		if p != nil {
			c.tokens = p
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, orders OrderIDs, opts ...Option) (*Client, error) {
	if orders == nil {
		return nil, errors.New("orderapi: order id holder is required")
	}

	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("orderapi: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("orderapi: base url %q must be http or https", baseURL)
	}

	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: DefaultTimeout},
		tokens: token.None(),
		orders: orders,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type addItemRequest struct {
	ItemID    string `json:"itemId"`
	VariantID string `json:"variantId"`
	Price     int64  `json:"price"`
}

type createOrderResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (c *Client) AddItem(ctx context.Context, itemID, variantID string, price int64) error {
	id, err := c.ensureOrder(ctx)
	if err != nil {
		return err
	}
	body := addItemRequest{ItemID: itemID, VariantID: variantID, Price: price}
	return c.do(ctx, http.MethodPost, c.path(nil, "orders", id, "items"), body, nil)
}

func (c *Client) RemoveItem(ctx context.Context, itemID, variantID string) error {
	id, err := c.ensureOrder(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, c.path(variantQuery(variantID), "orders", id, "items", itemID), nil, nil)
}

func (c *Client) DecrementItem(ctx context.Context, itemID, variantID string) error {
	id, err := c.ensureOrder(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, c.path(variantQuery(variantID), "orders", id, "items", itemID, "decrement"), nil, nil)
}

// ensureOrder returns the current order id, creating an order if there is
// none yet.
func (c *Client) ensureOrder(ctx context.Context) (string, error) {
	if id := c.orders.OrderID(); id != "" {
		return id, nil
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()

	if id := c.orders.OrderID(); id != "" {
		return id, nil
	}

	var resp createOrderResponse
	if err := c.do(ctx, http.MethodPost, c.path(nil, "orders"), struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("create order: response has no id")
	}

	c.orders.SetOrderID(resp.ID)
	c.logger.Info("order created", "order_id", resp.ID)
	return resp.ID, nil
}

func (c *Client) path(query url.Values, segments ...string) string {
	u := *c.base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = c.base.Path + "/" + strings.Join(segments, "/")
	u.RawPath = c.base.EscapedPath() + "/" + strings.Join(escaped, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func variantQuery(variantID string) url.Values {
	return url.Values{"variantId": []string{variantID}}
}

// do sends one request and decodes a JSON response into out when out is
// non-nil. Non-2xx responses come back as *order.Error.
func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	tok, err := c.tokens(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError turns a failed response into an *order.Error. A JSON body
// may carry an explicit reason; otherwise the text decides.
func decodeError(resp *http.Response) *order.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(raw))

	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
		text = er.Error
	}
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}

	e := order.NewError(text)
	e.Status = resp.StatusCode
	switch r := order.Reason(strings.ToUpper(er.Reason)); r {
	case order.ReasonStockUnavailable, order.ReasonOrderNotFound, order.ReasonGeneric:
		e.Reason = r
	}
	return e
}
