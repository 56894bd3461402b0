package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ahmethakanbesel/finance-pipeline/internal/job"
	"github.com/ahmethakanbesel/finance-pipeline/internal/provider/walmart"
	"github.com/ahmethakanbesel/finance-pipeline/internal/provider/yahoo"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

// Defaults are used for every parameter a job does not set.
type Defaults struct {
	TickerPages      int
	TickerTypes      []string
	QuoteSymbols     []string
	BatchSize        int
	HistorySymbols   []string
	HistoryIntervals []string
	HistoryLimits    map[string]int
	ScreenerLists    []string
	NewsSymbols      []string
	NewsType         string
	ModuleTickers    []string
	Modules          []string
	WalmartURLs      []string
	WalmartQueries   []string
	WalmartProducts  []string
}

// ErrNothingToDo is returned by a plan that resolves to zero sub-calls.
var ErrNothingToDo = errors.New("no items to extract")

// Recognised job parameters.
const (
	ParamPages     = "pages"
	ParamTypes     = "types"
	ParamSymbols   = "symbols"
	ParamIntervals = "intervals"
	ParamLimit     = "limit"
	ParamLists     = "lists"
	ParamNewsType  = "type"
	ParamModules   = "modules"
	ParamURLs      = "urls"
	ParamQueries   = "queries"
	ParamProducts  = "products"
)

func stringsOr(p job.Params, key string, fallback []string) []string {
	if v := p.Strings(key); len(v) > 0 {
		return v
	}
	return fallback
}

// NewRegistryWith registers an extractor for every Yahoo source type and,
// when wc is non-nil, for Walmart products.
func NewRegistryWith(yc *yahoo.Client, wc *walmart.Client, rt Runtime, d Defaults) *Registry {
	r := NewRegistry()
	r.Register(NewTickers(yc, rt, d))
	r.Register(NewQuotes(yc, rt, d))
	r.Register(NewHistory(yc, rt, d))
	r.Register(NewScreeners(yc, rt, d))
	r.Register(NewNews(yc, rt, d))
	r.Register(NewModules(yc, rt, d))
	if wc != nil {
		r.Register(NewWalmart(wc, rt, d))
	}
	return r
}

// NewTickers plans one call per page and ticker type.
func NewTickers(yc *yahoo.Client, rt Runtime, d Defaults) Extractor {
	return newExtractor(record.SourceTickers, rt, func(p job.Params) ([]call[record.Stock], error) {
		pages := p.Int(ParamPages, d.TickerPages)
		types := stringsOr(p, ParamTypes, d.TickerTypes)
		if pages <= 0 || len(types) == 0 {
			return nil, ErrNothingToDo
		}

		var calls []call[record.Stock]
		for _, typ := range types {
			for page := 1; page <= pages; page++ {
				calls = append(calls, call[record.Stock]{
					label: fmt.Sprintf("%s page %d", typ, page),
					items: 1,
					fetch: func(ctx context.Context) (json.RawMessage, error) {
						return yc.MarketTickers(ctx, page, typ)
					},
					parse: func(raw json.RawMessage) ([]record.Stock, error) { return yahoo.ParseTickers(raw) },
				})
			}
		}
		return calls, nil
	})
}

// NewQuotes plans one call per batch of symbols. Each batch counts as many
// items as it has symbols.
func NewQuotes(yc *yahoo.Client, rt Runtime, d Defaults) Extractor {
	return newExtractor(record.SourceQuotes, rt, func(p job.Params) ([]call[record.StockQuote], error) {
		symbols := stringsOr(p, ParamSymbols, d.QuoteSymbols)
		size := d.BatchSize
		if size <= 0 {
			size = 100
		}
		batches := Batches(symbols, size)
		if len(batches) == 0 {
			return nil, ErrNothingToDo
		}

		calls := make([]call[record.StockQuote], 0, len(batches))
		for i, batch := range batches {
			calls = append(calls, call[record.StockQuote]{
				label: "batch " + strconv.Itoa(i+1),
				items: len(batch),
				fetch: func(ctx context.Context) (json.RawMessage, error) {
					return yc.Quotes(ctx, batch)
				},
				parse: func(raw json.RawMessage) ([]record.StockQuote, error) { return yahoo.ParseQuotes(raw) },
			})
		}
		return calls, nil
	})
}

// NewHistory plans one call per symbol and interval. The limit parameter, if
// given, overrides the per-interval defaults.
func NewHistory(yc *yahoo.Client, rt Runtime, d Defaults) Extractor {
	return newExtractor(record.SourceHistory, rt, func(p job.Params) ([]call[record.StockHistory], error) {
		symbols := stringsOr(p, ParamSymbols, d.HistorySymbols)
		intervals := stringsOr(p, ParamIntervals, d.HistoryIntervals)
		override := p.Int(ParamLimit, 0)

		var calls []call[record.StockHistory]
		for _, sym := range symbols {
			for _, iv := range intervals {
				limit := override
				if limit <= 0 {
					limit = d.HistoryLimits[iv]
				}
				if limit <= 0 {
					limit = 100
				}
				calls = append(calls, call[record.StockHistory]{
					label: sym + " " + iv,
					items: 1,
					fetch: func(ctx context.Context) (json.RawMessage, error) {
						return yc.History(ctx, sym, iv, limit)
					},
					parse: func(raw json.RawMessage) ([]record.StockHistory, error) {
						return yahoo.ParseHistory(raw, sym, iv)
					},
				})
			}
		}
		if len(calls) == 0 {
			return nil, ErrNothingToDo
		}
		return calls, nil
	})
}

// NewScreeners plans one call per predefined screener list.
func NewScreeners(yc *yahoo.Client, rt Runtime, d Defaults) Extractor {
	return newExtractor(record.SourceScreeners, rt, func(p job.Params) ([]call[record.MarketScreener], error) {
		lists := stringsOr(p, ParamLists, d.ScreenerLists)
		if len(lists) == 0 {
			return nil, ErrNothingToDo
		}
		calls := make([]call[record.MarketScreener], 0, len(lists))
		for _, list := range lists {
			calls = append(calls, call[record.MarketScreener]{
				label: list,
				items: 1,
				fetch: func(ctx context.Context) (json.RawMessage, error) {
					return yc.Screener(ctx, list)
				},
				parse: func(raw json.RawMessage) ([]record.MarketScreener, error) {
					return yahoo.ParseScreener(raw, list)
				},
			})
		}
		return calls, nil
	})
}

// NewNews plans one call per symbol so every news item keeps its symbol.
func NewNews(yc *yahoo.Client, rt Runtime, d Defaults) Extractor {
	return newExtractor(record.SourceNews, rt, func(p job.Params) ([]call[record.StockNews], error) {
		symbols := stringsOr(p, ParamSymbols, d.NewsSymbols)
		if len(symbols) == 0 {
			return nil, ErrNothingToDo
		}
		typ := d.NewsType
		if v := p.Strings(ParamNewsType); len(v) > 0 {
			typ = v[0]
		}
		if typ == "" {
			typ = "ALL"
		}

		calls := make([]call[record.StockNews], 0, len(symbols))
		for _, sym := range symbols {
			calls = append(calls, call[record.StockNews]{
				label: sym,
				items: 1,
				fetch: func(ctx context.Context) (json.RawMessage, error) {
					return yc.News(ctx, []string{sym}, typ)
				},
				parse: func(raw json.RawMessage) ([]record.StockNews, error) {
					return yahoo.ParseNews(raw, sym)
				},
			})
		}
		return calls, nil
	})
}

// NewModules plans one call per ticker and module.
func NewModules(yc *yahoo.Client, rt Runtime, d Defaults) Extractor {
	return newExtractor(record.SourceModules, rt, func(p job.Params) ([]call[record.StockModule], error) {
		tickers := stringsOr(p, ParamSymbols, d.ModuleTickers)
		modules := stringsOr(p, ParamModules, d.Modules)

		var calls []call[record.StockModule]
		for _, ticker := range tickers {
			for _, module := range modules {
				calls = append(calls, call[record.StockModule]{
					label: ticker + " " + module,
					items: 1,
					fetch: func(ctx context.Context) (json.RawMessage, error) {
						return yc.Modules(ctx, ticker, module)
					},
					parse: func(raw json.RawMessage) ([]record.StockModule, error) {
						m, err := yahoo.ParseModule(raw, ticker, module)
						if err != nil {
							return nil, err
						}
						return []record.StockModule{m}, nil
					},
				})
			}
		}
		if len(calls) == 0 {
			return nil, ErrNothingToDo
		}
		return calls, nil
	})
}

// NewWalmart plans one call per category URL, search query and product page
// URL.
func NewWalmart(wc *walmart.Client, rt Runtime, d Defaults) Extractor {
	return newExtractor(record.SourceWalmart, rt, func(p job.Params) ([]call[record.WalmartProduct], error) {
		urls := stringsOr(p, ParamURLs, d.WalmartURLs)
		queries := stringsOr(p, ParamQueries, d.WalmartQueries)
		products := stringsOr(p, ParamProducts, d.WalmartProducts)

		parse := func(raw json.RawMessage) ([]record.WalmartProduct, error) { return walmart.ParseProducts(raw) }
		var calls []call[record.WalmartProduct]
		for _, u := range urls {
			calls = append(calls, call[record.WalmartProduct]{
				label: u,
				items: 1,
				fetch: func(ctx context.Context) (json.RawMessage, error) { return wc.Category(ctx, u) },
				parse: parse,
			})
		}
		for _, q := range queries {
			calls = append(calls, call[record.WalmartProduct]{
				label: "search " + q,
				items: 1,
				fetch: func(ctx context.Context) (json.RawMessage, error) { return wc.Search(ctx, q, nil) },
				parse: parse,
			})
		}
		for _, u := range products {
			calls = append(calls, call[record.WalmartProduct]{
				label: "product " + u,
				items: 1,
				fetch: func(ctx context.Context) (json.RawMessage, error) { return wc.Product(ctx, u) },
				parse: func(raw json.RawMessage) ([]record.WalmartProduct, error) {
					p, err := walmart.ParseProduct(raw)
					if err != nil {
						return nil, err
					}
					return []record.WalmartProduct{p}, nil
				},
			})
		}
		if len(calls) == 0 {
			return nil, ErrNothingToDo
		}
		return calls, nil
	})
}
