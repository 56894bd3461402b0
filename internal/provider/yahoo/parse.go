package yahoo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

// ErrNoBody means the payload could not be parsed at all: it is not a JSON
// object or its "body" member is missing or of the wrong shape. It is
// distinct from a body that parses to zero records.
var ErrNoBody = errors.New("payload has no usable body")

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

func decode(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBody, err)
	}
	return payload, nil
}

// bodyItems returns the object elements of the payload's "body" array.
// Non-object elements are skipped with a warning.
func bodyItems(raw []byte, what string) ([]map[string]any, error) {
	payload, err := decode(raw)
	if err != nil {
		return nil, err
	}
	list, ok := payload["body"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s body is not an array", ErrNoBody, what)
	}
	items := make([]map[string]any, 0, len(list))
	for i, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			slog.Warn("skipping malformed element", "what", what, "index", i)
			continue
		}
		items = append(items, m)
	}
	return items, nil
}

func meta() record.Meta {
	return record.Meta{ScrapedAt: now(), Source: record.OriginYahoo}
}

func symbolOf(m map[string]any) string {
	return strings.ToUpper(record.String(m["symbol"]))
}

func currencyOr(v any) string {
	if s := record.String(v); s != "" {
		return s
	}
	return "USD"
}

// ParseTickers maps a market tickers payload into Stock records.
func ParseTickers(raw []byte) ([]record.Stock, error) {
	items, err := bodyItems(raw, "tickers")
	if err != nil {
		return nil, err
	}
	out := make([]record.Stock, 0, len(items))
	for _, m := range items {
		sym := symbolOf(m)
		if sym == "" {
			slog.Warn("skipping ticker without symbol", "name", record.String(m["name"]))
			continue
		}
		out = append(out, record.Stock{
			Symbol:      sym,
			Name:        record.String(m["name"]),
			Exchange:    record.String(m["exchange"]),
			Sector:      record.String(m["sector"]),
			Industry:    record.String(m["industry"]),
			MarketCap:   record.Float(m["marketCap"]),
			Currency:    currencyOr(m["currency"]),
			Country:     record.String(m["country"]),
			Website:     record.String(m["website"]),
			Description: record.String(m["description"]),
			Meta:        meta(),
		})
	}
	return out, nil
}

// ParseSearch maps a search payload into Stock records.
func ParseSearch(raw []byte) ([]record.Stock, error) {
	items, err := bodyItems(raw, "search")
	if err != nil {
		return nil, err
	}
	out := make([]record.Stock, 0, len(items))
	for _, m := range items {
		sym := symbolOf(m)
		if sym == "" {
			slog.Warn("skipping search result without symbol")
			continue
		}
		out = append(out, record.Stock{
			Symbol:   sym,
			Name:     record.FirstString(m, "longname", "shortname"),
			Exchange: record.String(m["exchDisp"]),
			Sector:   record.FirstString(m, "sectorDisp", "sector"),
			Industry: record.FirstString(m, "industryDisp", "industry"),
			Currency: "USD",
			Country:  "US",
			Meta:     meta(),
		})
	}
	return out, nil
}

// ParseQuotes maps a quotes payload into StockQuote records.
func ParseQuotes(raw []byte) ([]record.StockQuote, error) {
	items, err := bodyItems(raw, "quotes")
	if err != nil {
		return nil, err
	}
	out := make([]record.StockQuote, 0, len(items))
	for _, m := range items {
		sym := symbolOf(m)
		if sym == "" {
			slog.Warn("skipping quote without symbol")
			continue
		}
		out = append(out, record.StockQuote{
			Symbol:        sym,
			Name:          record.FirstString(m, "longName", "shortName"),
			Price:         record.Float(m["regularMarketPrice"]),
			PreviousClose: record.Float(m["regularMarketPreviousClose"]),
			Open:          record.Float(m["regularMarketOpen"]),
			High:          record.Float(m["regularMarketDayHigh"]),
			Low:           record.Float(m["regularMarketDayLow"]),
			Volume:        record.Int(m["regularMarketVolume"]),
			MarketCap:     record.Float(m["marketCap"]),
			PERatio:       record.Float(m["trailingPE"]),
			DividendYield: record.Float(m["dividendYield"]),
			Change:        record.Float(m["regularMarketChange"]),
			ChangePercent: record.Float(m["regularMarketChangePercent"]),
			Currency:      currencyOr(m["currency"]),
			Exchange:      record.String(m["fullExchangeName"]),
			QuoteType:     record.String(m["quoteType"]),
			Sector:        record.String(m["sector"]),
			Timestamp:     record.UnixTime(m["regularMarketTime"]),
			Meta:          meta(),
		})
	}
	return out, nil
}

// ParseHistory maps a history payload for symbol into StockHistory records.
// Bars without a usable timestamp are skipped.
func ParseHistory(raw []byte, symbol, interval string) ([]record.StockHistory, error) {
	items, err := bodyItems(raw, "history")
	if err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("history: empty symbol")
	}
	out := make([]record.StockHistory, 0, len(items))
	for _, m := range items {
		date := record.UnixTime(m["timestamp_unix"])
		if date == nil {
			slog.Warn("skipping history bar without timestamp", "symbol", symbol)
			continue
		}
		out = append(out, record.StockHistory{
			Symbol:        symbol,
			Date:          *date,
			Open:          record.Float(m["open"]),
			High:          record.Float(m["high"]),
			Low:           record.Float(m["low"]),
			Close:         record.Float(m["close"]),
			Volume:        record.Int(m["volume"]),
			AdjustedClose: record.Float(m["adjclose"]),
			Interval:      interval,
			Meta:          meta(),
		})
	}
	return out, nil
}

// ParseScreener maps a screener payload into ranked MarketScreener records.
// Rank is the 1-based position in the upstream list.
func ParseScreener(raw []byte, list string) ([]record.MarketScreener, error) {
	items, err := bodyItems(raw, "screener")
	if err != nil {
		return nil, err
	}
	out := make([]record.MarketScreener, 0, len(items))
	for i, m := range items {
		sym := symbolOf(m)
		if sym == "" {
			slog.Warn("skipping screener entry without symbol", "list", list, "rank", i+1)
			continue
		}
		out = append(out, record.MarketScreener{
			Symbol:        sym,
			Name:          record.FirstString(m, "longName", "shortName"),
			Price:         record.Float(m["regularMarketPrice"]),
			Change:        record.Float(m["regularMarketChange"]),
			ChangePercent: record.Float(m["regularMarketChangePercent"]),
			Volume:        record.Int(m["regularMarketVolume"]),
			MarketCap:     record.Float(m["marketCap"]),
			ScreenerType:  list,
			Rank:          i + 1,
			Meta:          meta(),
		})
	}
	return out, nil
}

// ParseNews maps a news payload requested for symbol into StockNews records.
// Items without a title or URL are skipped.
func ParseNews(raw []byte, symbol string) ([]record.StockNews, error) {
	items, err := bodyItems(raw, "news")
	if err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("news: empty symbol")
	}
	out := make([]record.StockNews, 0, len(items))
	for _, m := range items {
		title, link := record.String(m["title"]), record.String(m["url"])
		if title == "" || link == "" {
			slog.Warn("skipping news item without title or url", "symbol", symbol)
			continue
		}
		out = append(out, record.StockNews{
			Symbol:        symbol,
			Title:         title,
			URL:           link,
			Text:          record.String(m["text"]),
			Publisher:     record.String(m["source"]),
			NewsType:      record.String(m["type"]),
			PublishedTime: parseTime(m["time"]),
			ImageURL:      record.String(m["img"]),
			Meta:          meta(),
		})
	}
	return out, nil
}

// ParseModule wraps a module payload's body object into a StockModule.
func ParseModule(raw []byte, ticker, module string) (record.StockModule, error) {
	payload, err := decode(raw)
	if err != nil {
		return record.StockModule{}, err
	}
	body, ok := payload["body"].(map[string]any)
	if !ok {
		return record.StockModule{}, fmt.Errorf("%w: module body is not an object", ErrNoBody)
	}
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return record.StockModule{}, fmt.Errorf("module: empty ticker")
	}
	return record.StockModule{
		Symbol:     ticker,
		ModuleType: module,
		Data:       body,
		Meta:       meta(),
	}, nil
}

// parseTime accepts epoch seconds or an RFC 3339 / RFC 1123 string.
func parseTime(v any) *time.Time {
	if t := record.UnixTime(v); t != nil {
		return t
	}
	s := record.String(v)
	for _, layout := range []string{time.RFC3339, time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
