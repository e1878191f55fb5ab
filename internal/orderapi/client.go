// Package orderapi is the client of the remote order-management REST API.
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

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/pos-checkout/internal/obs"
	"github.com/noah-isme/pos-checkout/internal/pricing"
	"github.com/noah-isme/pos-checkout/internal/resilience"
)

const (
	opCreateOrder     = "create_order"
	opCreateOrderLine = "create_order_line"
	opDeleteOrder     = "delete_order"
	opDeleteOrderLine = "delete_order_line"
	opGetMember       = "get_member"
	opGetProduct      = "get_product"
	opPing            = "ping"

	maxErrorBody = 512
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	Breaker     *resilience.Breaker
	// Transport overrides the base round tripper; it is still wrapped by otelhttp.
	Transport http.RoundTripper
	Logger    zerolog.Logger
}

// Client calls the order API through a retrying, circuit-broken HTTP client.
type Client struct {
	baseURL string
	token   string
	http    resilience.HTTPClient
	logger  zerolog.Logger
}

// New constructs a Client.
func New(opts Options) *Client {
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(10, 0.5, 30*time.Second).WithTarget("order_api").WithLogger(opts.Logger)
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(base)},
			Breaker:     breaker,
			Target:      "order_api",
			BaseBackoff: opts.RetryBase,
			MaxAttempts: opts.MaxAttempts,
			Jitter:      0.2,
			Timeout:     opts.Timeout,
		},
		logger: opts.Logger,
	}
}

// CreateOrder creates the order header and returns its id.
func (c *Client) CreateOrder(ctx context.Context, idempotencyKey string, header OrderHeader) (string, error) {
	var out createdResponse
	err := c.call(ctx, opCreateOrder, http.MethodPost, "/orders", idempotencyKey, header, &out)
	if err != nil {
		return "", err
	}
	return string(out.ID), nil
}

// CreateOrderLine creates one order line and returns its id.
func (c *Client) CreateOrderLine(ctx context.Context, idempotencyKey string, line OrderLine) (string, error) {
	var out createdResponse
	err := c.call(ctx, opCreateOrderLine, http.MethodPost, "/order-items", idempotencyKey, line, &out)
	if err != nil {
		return "", err
	}
	return string(out.ID), nil
}

// DeleteOrder removes an order header. A missing order counts as deleted.
func (c *Client) DeleteOrder(ctx context.Context, id string) error {
	return ignoreNotFound(c.call(ctx, opDeleteOrder, http.MethodDelete, "/orders/"+url.PathEscape(id), "", nil, nil))
}

// DeleteOrderLine removes an order line. A missing line counts as deleted.
func (c *Client) DeleteOrderLine(ctx context.Context, id string) error {
	return ignoreNotFound(c.call(ctx, opDeleteOrderLine, http.MethodDelete, "/order-items/"+url.PathEscape(id), "", nil, nil))
}

// GetMember fetches a member record.
func (c *Client) GetMember(ctx context.Context, id string) (pricing.Member, error) {
	var out memberResponse
	if err := c.call(ctx, opGetMember, http.MethodGet, "/members/"+url.PathEscape(id), "", nil, &out); err != nil {
		return pricing.Member{}, err
	}
	return pricing.Member{
		ID:           string(out.ID),
		Name:         out.Name,
		Type:         out.Type,
		SubType:      out.SubType,
		Level:        out.Level,
		PointBalance: out.PointBalance,
	}, nil
}

// GetProduct fetches a product with prices resolved for memberLevel, which
// may be empty for walk-in customers.
func (c *Client) GetProduct(ctx context.Context, id, memberLevel string) (Product, error) {
	path := "/products/" + url.PathEscape(id)
	if memberLevel != "" {
		path += "?" + url.Values{"memberLevel": {memberLevel}}.Encode()
	}
	var out productResponse
	if err := c.call(ctx, opGetProduct, http.MethodGet, path, "", nil, &out); err != nil {
		return Product{}, err
	}
	return Product{
		ID:   string(out.ID),
		Name: out.Name,
		Prices: pricing.PriceSet{
			Distributor: out.DistributorPrice,
			Level:       out.LevelPrice,
			Store:       out.StorePrice,
			Base:        out.BasePrice,
		},
	}, nil
}

// Ping checks the order API health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, opPing, http.MethodGet, "/health", "", nil, nil)
}

func (c *Client) call(ctx context.Context, op, method, path, idempotencyKey string, in, out any) (err error) {
	ctx, span := otel.Tracer("orderapi.Client").Start(ctx, "orderapi."+op)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		obs.Inc(obs.OrderAPIRequestsTotal, op, resultLabel(err))
	}()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("orderapi: %s: encode: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("orderapi: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("orderapi: %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("orderapi: %s: %w", op, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Warn().Err(err).Str("operation", op).Int("status", resp.StatusCode).Msg("order api response not parseable")
		return fmt.Errorf("orderapi: %s: %w: %v", op, ErrMalformedResponse, err)
	}
	if created, ok := out.(*createdResponse); ok && created.ID == "" {
		return fmt.Errorf("orderapi: %s: %w: empty id", op, ErrMalformedResponse)
	}
	return nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, resilience.ErrOpenCircuit):
		return "circuit_open"
	default:
		return "error"
	}
}
