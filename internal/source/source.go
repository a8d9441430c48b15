package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/finsight/quotecrawler/internal/breaker"
	"github.com/finsight/quotecrawler/internal/cache"
	"github.com/finsight/quotecrawler/internal/ledger"
	"github.com/finsight/quotecrawler/internal/observ"
	"github.com/finsight/quotecrawler/internal/parse"
	"github.com/finsight/quotecrawler/internal/quote"
)

// DocumentFetcher retrieves a rendered document for a URL. The paid source
// implements this; every successful or failed fetch attempt costs money.
type DocumentFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// QuoteFetcher retrieves a raw quote record for a provider-native symbol.
// A (nil, nil) return means the provider answered but knows no such symbol.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context, symbol string) (map[string]any, error)
}

// Config tunes the orchestrator.
type Config struct {
	BloombergBaseURL string // default https://www.bloomberg.com/quote
	MaxConcurrency   int    // batch fan-out limit, default 4
}

func (c Config) withDefaults() Config {
	if c.BloombergBaseURL == "" {
		c.BloombergBaseURL = "https://www.bloomberg.com/quote"
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	return c
}

// Orchestrator resolves quotes through the priority chain: cache, then the
// paid Bloomberg scrape, then the free Yahoo Finance API. Cache faults
// degrade to misses; budget exhaustion silently skips the paid tier.
type Orchestrator struct {
	cache  *cache.Cache
	ledger *ledger.Ledger
	paid   DocumentFetcher
	free   QuoteFetcher
	cfg    Config

	paidBreaker *breaker.Breaker
	freeBreaker *breaker.Breaker

	mu      sync.Mutex
	tallies tallies
}

type tallies struct {
	CacheHits    int `json:"cache_hits"`
	CacheMisses  int `json:"cache_misses"`
	PaidSuccess  int `json:"paid_success"`
	PaidFailures int `json:"paid_failures"`
	FreeSuccess  int `json:"free_success"`
	FreeFailures int `json:"free_failures"`
}

// New wires the chain. The ledger is injected, never constructed here, so
// every collaborator charges the same budget.
func New(c *cache.Cache, l *ledger.Ledger, paid DocumentFetcher, free QuoteFetcher, cfg Config, paidBreakerCfg, freeBreakerCfg breaker.Config) *Orchestrator {
	return &Orchestrator{
		cache:       c,
		ledger:      l,
		paid:        paid,
		free:        free,
		cfg:         cfg.withDefaults(),
		paidBreaker: breaker.New("bloomberg", paidBreakerCfg),
		freeBreaker: breaker.New("yfinance", freeBreakerCfg),
	}
}

// GetQuote resolves one quote through the chain. Budget exhaustion is not an
// error here: the paid tier is skipped and the free tier still runs. Absence
// is (nil, nil): every consulted source answered and none knows the symbol.
// The returned quote's Source field says which tier produced it.
func (o *Orchestrator) GetQuote(ctx context.Context, symbol string, category quote.Category) (*quote.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("source: empty symbol")
	}

	if q := o.fromCache(category, symbol); q != nil {
		return q, nil
	}

	q, paidErr := o.fromPaid(ctx, symbol, category)
	if q != nil {
		o.writeThrough(category, symbol, q)
		return q, nil
	}

	q, freeErr := o.fromFree(ctx, symbol, category)
	if q != nil {
		o.writeThrough(category, symbol, q)
		return q, nil
	}

	// Upstream failures were tallied and logged in the tier helpers; with no
	// path producing data the result is absent, never an error.
	if paidErr != nil || freeErr != nil {
		observ.Warn("all_sources_failed", map[string]any{
			"symbol":   symbol,
			"category": string(category),
			"error":    errors.Join(paidErr, freeErr).Error(),
		})
	}
	return nil, nil
}

// FetchFresh bypasses the cache read and forces an upstream fetch. Unlike
// GetQuote it treats budget exhaustion as fatal, but only once the free tier
// has also come up empty: the caller explicitly asked for a refresh and must
// learn when the paid tier is priced out and nothing else had data. Absence
// with an intact budget is (nil, nil), as in GetQuote.
func (o *Orchestrator) FetchFresh(ctx context.Context, symbol string, category quote.Category) (*quote.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("source: empty symbol")
	}
	var exhausted *ledger.ExhaustedError
	if err := o.ledger.CanMakeRequest(); err != nil && !errors.As(err, &exhausted) {
		return nil, err
	}

	q, paidErr := o.fromPaid(ctx, symbol, category)
	if q != nil {
		o.writeThrough(category, symbol, q)
		return q, nil
	}
	q, freeErr := o.fromFree(ctx, symbol, category)
	if q != nil {
		o.writeThrough(category, symbol, q)
		return q, nil
	}
	if exhausted != nil {
		return nil, exhausted
	}
	if paidErr != nil || freeErr != nil {
		observ.Warn("all_sources_failed", map[string]any{
			"symbol":   symbol,
			"category": string(category),
			"error":    errors.Join(paidErr, freeErr).Error(),
		})
	}
	return nil, nil
}

// GetQuotes resolves a batch concurrently. Per-symbol failures and absent
// symbols do not abort the batch; the result map holds only the symbols that
// resolved.
func (o *Orchestrator) GetQuotes(ctx context.Context, symbols []string, category quote.Category) (map[string]*quote.Quote, error) {
	results := make(map[string]*quote.Quote, len(symbols))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrency)
	for _, sym := range symbols {
		g.Go(func() error {
			q, err := o.GetQuote(gctx, sym, category)
			if err != nil {
				observ.Warn("quote_fetch_failed", map[string]any{
					"symbol":   sym,
					"category": string(category),
					"error":    err.Error(),
				})
				return nil
			}
			if q == nil {
				return nil
			}
			mu.Lock()
			results[strings.ToUpper(strings.TrimSpace(sym))] = q
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// fromCache returns a live cached quote or nil. Cache faults are logged and
// treated as misses so a corrupt cache file never blocks retrieval.
func (o *Orchestrator) fromCache(category quote.Category, symbol string) *quote.Quote {
	payload, ok, err := o.cache.Get(string(category), symbol)
	if err != nil {
		observ.Warn("cache_fault_degraded", map[string]any{"symbol": symbol, "error": err.Error()})
		observ.IncCounter("cache_faults_total", nil)
		o.bump(func(t *tallies) { t.CacheMisses++ })
		return nil
	}
	if !ok {
		o.bump(func(t *tallies) { t.CacheMisses++ })
		observ.IncCounter("cache_lookups_total", map[string]string{"result": "miss"})
		return nil
	}
	q, err := quote.Decode(payload)
	if err != nil {
		observ.Warn("cache_fault_degraded", map[string]any{"symbol": symbol, "error": err.Error()})
		o.bump(func(t *tallies) { t.CacheMisses++ })
		return nil
	}
	o.bump(func(t *tallies) { t.CacheHits++ })
	observ.IncCounter("cache_lookups_total", map[string]string{"result": "hit"})
	return q
}

// fromPaid runs the Bloomberg scrape under budget and breaker control.
// Breaker rejections do not reach the provider and are never charged; every
// attempt that does reach it is charged, succeed or fail.
func (o *Orchestrator) fromPaid(ctx context.Context, symbol string, category quote.Category) (*quote.Quote, error) {
	if err := o.ledger.CanMakeRequest(); err != nil {
		var exhausted *ledger.ExhaustedError
		if errors.As(err, &exhausted) {
			observ.Log("paid_source_skipped", map[string]any{
				"symbol": symbol,
				"reason": "budget_exhausted",
				"usage":  exhausted.CurrentUsage,
				"limit":  exhausted.BudgetLimit,
			})
			return nil, nil
		}
		return nil, err
	}

	var q *quote.Quote
	err := o.paidBreaker.Do(ctx, func(ctx context.Context) error {
		url := o.cfg.BloombergBaseURL + "/" + quote.BloombergSymbol(symbol, category)
		html, err := o.paid.Fetch(ctx, url)
		if err != nil {
			o.ledger.RecordRequest(string(category), symbol, false)
			return err
		}
		raw, err := parse.QuotePage(html)
		if err != nil {
			o.ledger.RecordRequest(string(category), symbol, false)
			return err
		}
		q, err = quote.FromBloomberg(raw, symbol, category)
		if err != nil {
			o.ledger.RecordRequest(string(category), symbol, false)
			return err
		}
		o.ledger.RecordRequest(string(category), symbol, true)
		return nil
	})
	if err != nil {
		var open *breaker.OpenError
		if errors.As(err, &open) {
			observ.Log("paid_source_skipped", map[string]any{"symbol": symbol, "reason": "circuit_open", "retry_in": open.RetryIn.String()})
			return nil, nil
		}
		o.bump(func(t *tallies) { t.PaidFailures++ })
		return nil, err
	}
	o.bump(func(t *tallies) { t.PaidSuccess++ })
	return q, nil
}

// fromFree queries the free Yahoo Finance API. An unknown symbol is not a
// failure of the source, just the absence of data.
func (o *Orchestrator) fromFree(ctx context.Context, symbol string, category quote.Category) (*quote.Quote, error) {
	var q *quote.Quote
	err := o.freeBreaker.Do(ctx, func(ctx context.Context) error {
		raw, err := o.free.FetchQuote(ctx, quote.YFinanceSymbol(symbol, category))
		if err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		q, err = quote.FromYFinance(raw, symbol, category)
		return err
	})
	if err != nil {
		var open *breaker.OpenError
		if errors.As(err, &open) {
			observ.Log("free_source_skipped", map[string]any{"symbol": symbol, "reason": "circuit_open", "retry_in": open.RetryIn.String()})
			return nil, nil
		}
		o.bump(func(t *tallies) { t.FreeFailures++ })
		return nil, err
	}
	if q == nil {
		return nil, nil
	}
	o.bump(func(t *tallies) { t.FreeSuccess++ })
	return q, nil
}

// writeThrough stores a freshly fetched quote. A cache write fault must not
// fail a retrieval that already succeeded upstream.
func (o *Orchestrator) writeThrough(category quote.Category, symbol string, q *quote.Quote) {
	payload, err := quote.Encode(q)
	if err != nil {
		observ.Warn("cache_fault_degraded", map[string]any{"symbol": symbol, "error": err.Error()})
		return
	}
	if err := o.cache.Set(string(category), symbol, payload); err != nil {
		observ.Warn("cache_fault_degraded", map[string]any{"symbol": symbol, "error": err.Error()})
		observ.IncCounter("cache_faults_total", nil)
	}
}

func (o *Orchestrator) bump(fn func(*tallies)) {
	o.mu.Lock()
	fn(&o.tallies)
	o.mu.Unlock()
}

// Statistics aggregates the chain: retrieval tallies plus the snapshots of
// every subsystem the orchestrator coordinates.
type Statistics struct {
	Retrieval   tallies            `json:"retrieval"`
	Cache       cache.Statistics   `json:"cache"`
	Budget      ledger.Statistics  `json:"budget"`
	PaidBreaker breaker.Statistics `json:"paid_breaker"`
	FreeBreaker breaker.Statistics `json:"free_breaker"`
}

func (o *Orchestrator) Statistics() Statistics {
	o.mu.Lock()
	t := o.tallies
	o.mu.Unlock()

	s := Statistics{
		Retrieval:   t,
		Budget:      o.ledger.Statistics(),
		PaidBreaker: o.paidBreaker.Statistics(),
		FreeBreaker: o.freeBreaker.Statistics(),
	}
	if cs, err := o.cache.Statistics(); err == nil {
		s.Cache = cs
	}
	return s
}

// MarshalStatistics renders the aggregate snapshot as indented JSON for CLI
// display.
func (o *Orchestrator) MarshalStatistics() ([]byte, error) {
	return json.MarshalIndent(o.Statistics(), "", "  ")
}
