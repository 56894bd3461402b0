// Package walmart implements a client and parser for the Walmart product
// data API served through the RapidAPI gateway.
package walmart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/httpclient"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

const (
	DefaultBaseURL = "https://walmart-data.p.rapidapi.com"
	DefaultHost    = "walmart-data.p.rapidapi.com"

	serpEndpoint    = "/walmart-serp.php"
	productEndpoint = "/walmart-product.php"
)

var (
	// ErrNoProducts means the payload has no "products" array.
	ErrNoProducts = errors.New("payload has no products array")
	// ErrNoProduct means a product page payload has no product with an id.
	ErrNoProduct = errors.New("payload has no product")
)

var now = func() time.Time { return time.Now().UTC() }

type Getter interface {
	Get(ctx context.Context, endpoint string, params map[string]string) (*httpclient.Response, error)
}

type Client struct {
	api Getter
}

func New(api Getter) *Client {
	return &Client{api: api}
}

// Category fetches the product listing behind a walmart.com category URL.
func (c *Client) Category(ctx context.Context, categoryURL string) (json.RawMessage, error) {
	return c.call(ctx, serpEndpoint, map[string]string{"url": categoryURL})
}

// Search runs a product search. Extra parameters (page, sort) are passed through.
func (c *Client) Search(ctx context.Context, query string, extra map[string]string) (json.RawMessage, error) {
	params := map[string]string{"url": "https://www.walmart.com/search?q=" + url.QueryEscape(query)}
	for k, v := range extra {
		params[k] = v
	}
	return c.call(ctx, serpEndpoint, params)
}

// Product fetches a single product page.
func (c *Client) Product(ctx context.Context, productURL string) (json.RawMessage, error) {
	return c.call(ctx, productEndpoint, map[string]string{"url": productURL})
}

func (c *Client) call(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	resp, err := c.api.Get(ctx, endpoint, params)
	if err != nil {
		return nil, fmt.Errorf("walmart %s: %w", endpoint, err)
	}
	if !json.Valid(resp.Body) {
		return nil, fmt.Errorf("walmart %s: response is not valid JSON", endpoint)
	}
	return json.RawMessage(resp.Body), nil
}

// ParseProducts maps a category or search payload into WalmartProduct
// records. Products without an id are skipped.
func ParseProducts(raw []byte) ([]record.WalmartProduct, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoProducts, err)
	}
	list, ok := payload["products"].([]any)
	if !ok {
		return nil, ErrNoProducts
	}

	out := make([]record.WalmartProduct, 0, len(list))
	for i, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			slog.Warn("skipping malformed product", "index", i)
			continue
		}
		p, ok := parseProduct(m)
		if !ok {
			slog.Warn("skipping product without id", "index", i, "name", record.String(m["name"]))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func parseProduct(m map[string]any) (record.WalmartProduct, bool) {
	id := idString(m["id"])
	if id == "" {
		return record.WalmartProduct{}, false
	}
	return record.WalmartProduct{
		ProductID:          id,
		Name:               record.FirstString(m, "name", "title"),
		Brand:              record.String(m["brand"]),
		Model:              record.String(m["model"]),
		SKU:                record.String(m["sku"]),
		Price:              record.Float(m["price"]),
		OriginalPrice:      record.Float(m["original_price"]),
		Description:        record.String(m["description"]),
		Category:           record.String(m["category"]),
		Subcategory:        record.String(m["subcategory"]),
		InStock:            record.Bool(m["in_stock"]),
		StockQuantity:      record.Int(m["stock_quantity"]),
		AvailabilityStatus: record.String(m["availability_status"]),
		ImageURL:           record.FirstString(m, "image_url", "image"),
		Rating:             record.Float(m["rating"]),
		ReviewCount:        record.Int(m["review_count"]),
		ProductURL:         record.FirstString(m, "product_url", "url"),
		BuyURL:             record.String(m["buy_url"]),
		Meta:               record.Meta{ScrapedAt: now(), Source: record.OriginWalmart},
	}, true
}

// ParseProduct maps a product page payload into one WalmartProduct. The
// product may sit under a "product" key or be the payload itself.
func ParseProduct(raw []byte) (record.WalmartProduct, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return record.WalmartProduct{}, fmt.Errorf("%w: %v", ErrNoProduct, err)
	}
	if inner, ok := payload["product"].(map[string]any); ok {
		payload = inner
	}
	p, ok := parseProduct(payload)
	if !ok {
		return record.WalmartProduct{}, ErrNoProduct
	}
	return p, nil
}

// idString accepts string and numeric ids.
func idString(v any) string {
	switch val := v.(type) {
	case json.Number:
		return val.String()
	default:
		return record.String(v)
	}
}
