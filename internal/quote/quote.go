package quote

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Category is the asset-classification partition used in cache and ledger keys.
type Category string

const (
	CategoryStocks      Category = "stocks"
	CategoryForex       Category = "forex"
	CategoryCommodities Category = "commodities"
	CategoryBonds       Category = "bonds"
	CategoryCrypto      Category = "crypto"
	CategoryIndices     Category = "indices"
	CategoryETF         Category = "etf"
)

// ParseCategory maps a string to a known Category, defaulting to stocks.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryForex:
		return CategoryForex
	case CategoryCommodities:
		return CategoryCommodities
	case CategoryBonds:
		return CategoryBonds
	case CategoryCrypto:
		return CategoryCrypto
	case CategoryIndices:
		return CategoryIndices
	case CategoryETF:
		return CategoryETF
	default:
		return CategoryStocks
	}
}

// Source identifies the provider a quote was normalized from.
type Source string

const (
	SourceBloomberg Source = "bloomberg"
	SourceYFinance  Source = "yfinance"
)

// Quote is the canonical market-data record produced by the normalizers and
// stored opaquely in the cache and the flat-file store.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name,omitempty"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change,omitempty"`
	ChangePct     float64   `json:"change_pct,omitempty"`
	Volume        int64     `json:"volume,omitempty"`
	Bid           float64   `json:"bid,omitempty"`
	Ask           float64   `json:"ask,omitempty"`
	DayHigh       float64   `json:"day_high,omitempty"`
	DayLow        float64   `json:"day_low,omitempty"`
	PreviousClose float64   `json:"previous_close,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Category      Category  `json:"category"`
	Source        Source    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
}

// Validate performs fail-closed validation before a quote is cached or stored.
func Validate(q *Quote) error {
	if q == nil {
		return fmt.Errorf("quote is nil")
	}
	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	if q.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if q.Price <= 0 {
		return fmt.Errorf("invalid price: %.4f", q.Price)
	}
	if q.Volume < 0 {
		return fmt.Errorf("negative volume: %d", q.Volume)
	}
	if q.Bid > 0 && q.Ask > 0 && q.Ask < q.Bid {
		return fmt.Errorf("invalid spread: ask(%.4f) < bid(%.4f)", q.Ask, q.Bid)
	}
	if q.Timestamp.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", q.Timestamp)
	}
	return nil
}

// Encode serializes a quote for use as an opaque cache payload.
func Encode(q *Quote) ([]byte, error) {
	return json.Marshal(q)
}

// Decode is the inverse of Encode.
func Decode(payload []byte) (*Quote, error) {
	var q Quote
	if err := json.Unmarshal(payload, &q); err != nil {
		return nil, err
	}
	if err := Validate(&q); err != nil {
		return nil, err
	}
	return &q, nil
}
