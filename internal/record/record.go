// Package record defines the typed records produced by the upstream parsers
// and the flat row form the transform pipeline and data lake work on.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies a data source type. Each source has exactly one extractor.
type Source string

const (
	SourceTickers   Source = "market_tickers"
	SourceQuotes    Source = "stock_quotes"
	SourceHistory   Source = "stock_history"
	SourceScreeners Source = "market_screeners"
	SourceNews      Source = "stock_news"
	SourceModules   Source = "stock_modules"
	SourceWalmart   Source = "walmart_products"
)

// Origin tags stamped on every record.
const (
	OriginYahoo   = "yahoo_finance_rapidapi"
	OriginWalmart = "walmart_rapidapi"
)

var allSources = []Source{
	SourceTickers, SourceQuotes, SourceHistory, SourceScreeners,
	SourceNews, SourceModules, SourceWalmart,
}

// Sources returns every known source type in a stable order.
func Sources() []Source {
	out := make([]Source, len(allSources))
	copy(out, allSources)
	return out
}

func (s Source) Valid() bool {
	for _, v := range allSources {
		if v == s {
			return true
		}
	}
	return false
}

func ParseSource(v string) (Source, error) {
	s := Source(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown data source: %q", v)
	}
	return s, nil
}

// Record is any typed record with an identifying key.
type Record interface {
	Key() string
}

// Meta is embedded in every record.
type Meta struct {
	ScrapedAt time.Time `json:"scraped_at"`
	Source    string    `json:"source"`
}

// Row is the flat, schema-less form of a record. Absent fields are missing
// keys, never nil values.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ToRows flattens typed records into rows via their JSON form, so rows built
// here and rows read back from a processed file look the same.
func ToRows[T any](recs []T) ([]Row, error) {
	b, err := json.Marshal(recs)
	if err != nil {
		return nil, fmt.Errorf("marshal records: %w", err)
	}
	var rows []Row
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal rows: %w", err)
	}
	return rows, nil
}

type Stock struct {
	Symbol      string   `json:"symbol"`
	Name        string   `json:"name,omitempty"`
	Exchange    string   `json:"exchange,omitempty"`
	Sector      string   `json:"sector,omitempty"`
	Industry    string   `json:"industry,omitempty"`
	MarketCap   *float64 `json:"market_cap,omitempty"`
	Currency    string   `json:"currency"`
	Country     string   `json:"country,omitempty"`
	Website     string   `json:"website,omitempty"`
	Description string   `json:"description,omitempty"`
	Meta
}

func (s Stock) Key() string { return s.Symbol }

type StockQuote struct {
	Symbol        string     `json:"symbol"`
	Name          string     `json:"name,omitempty"`
	Price         *float64   `json:"price,omitempty"`
	PreviousClose *float64   `json:"previous_close,omitempty"`
	Open          *float64   `json:"open,omitempty"`
	High          *float64   `json:"high,omitempty"`
	Low           *float64   `json:"low,omitempty"`
	Volume        *int64     `json:"volume,omitempty"`
	MarketCap     *float64   `json:"market_cap,omitempty"`
	PERatio       *float64   `json:"pe_ratio,omitempty"`
	DividendYield *float64   `json:"dividend_yield,omitempty"`
	Change        *float64   `json:"change,omitempty"`
	ChangePercent *float64   `json:"change_percent,omitempty"`
	Currency      string     `json:"currency"`
	Exchange      string     `json:"exchange,omitempty"`
	QuoteType     string     `json:"quote_type,omitempty"`
	Sector        string     `json:"sector,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Meta
}

func (q StockQuote) Key() string { return q.Symbol }

type StockHistory struct {
	Symbol        string    `json:"symbol"`
	Date          time.Time `json:"date"`
	Open          *float64  `json:"open,omitempty"`
	High          *float64  `json:"high,omitempty"`
	Low           *float64  `json:"low,omitempty"`
	Close         *float64  `json:"close,omitempty"`
	Volume        *int64    `json:"volume,omitempty"`
	AdjustedClose *float64  `json:"adjusted_close,omitempty"`
	Interval      string    `json:"interval"`
	Meta
}

func (h StockHistory) Key() string { return h.Symbol }

type MarketScreener struct {
	Symbol        string   `json:"symbol"`
	Name          string   `json:"name,omitempty"`
	Price         *float64 `json:"price,omitempty"`
	Change        *float64 `json:"change,omitempty"`
	ChangePercent *float64 `json:"change_percent,omitempty"`
	Volume        *int64   `json:"volume,omitempty"`
	MarketCap     *float64 `json:"market_cap,omitempty"`
	ScreenerType  string   `json:"screener_type"`
	Rank          int      `json:"rank"`
	Meta
}

func (m MarketScreener) Key() string { return m.Symbol }

type StockNews struct {
	Symbol        string     `json:"symbol"`
	Title         string     `json:"title"`
	URL           string     `json:"url"`
	Text          string     `json:"text,omitempty"`
	Publisher     string     `json:"publisher,omitempty"`
	NewsType      string     `json:"news_type,omitempty"`
	PublishedTime *time.Time `json:"published_time,omitempty"`
	ImageURL      string     `json:"image_url,omitempty"`
	Meta
}

func (n StockNews) Key() string { return n.Symbol }

type StockModule struct {
	Symbol     string         `json:"symbol"`
	ModuleType string         `json:"module_type"`
	Data       map[string]any `json:"data"`
	Meta
}

func (m StockModule) Key() string { return m.Symbol }

type WalmartProduct struct {
	ProductID          string   `json:"product_id"`
	Name               string   `json:"name,omitempty"`
	Brand              string   `json:"brand,omitempty"`
	Model              string   `json:"model,omitempty"`
	SKU                string   `json:"sku,omitempty"`
	Price              *float64 `json:"price,omitempty"`
	OriginalPrice      *float64 `json:"original_price,omitempty"`
	Description        string   `json:"description,omitempty"`
	Category           string   `json:"category,omitempty"`
	Subcategory        string   `json:"subcategory,omitempty"`
	InStock            *bool    `json:"in_stock,omitempty"`
	StockQuantity      *int64   `json:"stock_quantity,omitempty"`
	AvailabilityStatus string   `json:"availability_status,omitempty"`
	ImageURL           string   `json:"image_url,omitempty"`
	Rating             *float64 `json:"rating,omitempty"`
	ReviewCount        *int64   `json:"review_count,omitempty"`
	ProductURL         string   `json:"product_url,omitempty"`
	BuyURL             string   `json:"buy_url,omitempty"`
	Meta
}

func (p WalmartProduct) Key() string { return p.ProductID }
