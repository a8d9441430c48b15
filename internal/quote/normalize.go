package quote

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NormalizeError reports a field that could not be normalized from a raw
// provider record.
type NormalizeError struct {
	Source  Source
	Field   string
	Message string
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("normalize %s: field %q: %s", e.Source, e.Field, e.Message)
}

// FromBloomberg normalizes a loosely-typed record parsed from a Bloomberg
// quote page into a canonical Quote.
func FromBloomberg(raw map[string]any, symbol string, category Category) (*Quote, error) {
	if raw == nil {
		return nil, &NormalizeError{Source: SourceBloomberg, Field: "record", Message: "nil record"}
	}
	price, ok := asFloat(raw["price"])
	if !ok || price <= 0 {
		return nil, &NormalizeError{Source: SourceBloomberg, Field: "price", Message: "missing or non-positive"}
	}
	q := &Quote{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Price:     price,
		Category:  category,
		Source:    SourceBloomberg,
		Timestamp: time.Now().UTC(),
	}
	if name, ok := asString(raw["name"]); ok {
		q.Name = name
	}
	if v, ok := asFloat(raw["change"]); ok {
		q.Change = v
	}
	if v, ok := asFloat(raw["change_pct"]); ok {
		q.ChangePct = v
	}
	if cur, ok := asString(raw["currency"]); ok {
		q.Currency = strings.ToUpper(cur)
	}
	if v, ok := asFloat(raw["previous_close"]); ok {
		q.PreviousClose = v
	}
	if err := Validate(q); err != nil {
		return nil, &NormalizeError{Source: SourceBloomberg, Field: "quote", Message: err.Error()}
	}
	return q, nil
}

// FromYFinance normalizes a raw Yahoo Finance quote record into a canonical
// Quote. The symbol keeps its caller-facing (Bloomberg-style) form so cache
// keys stay consistent across sources.
func FromYFinance(raw map[string]any, symbol string, category Category) (*Quote, error) {
	if raw == nil {
		return nil, &NormalizeError{Source: SourceYFinance, Field: "record", Message: "nil record"}
	}
	price, ok := asFloat(raw["regularMarketPrice"])
	if !ok || price <= 0 {
		return nil, &NormalizeError{Source: SourceYFinance, Field: "regularMarketPrice", Message: "missing or non-positive"}
	}
	q := &Quote{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Price:     price,
		Category:  category,
		Source:    SourceYFinance,
		Timestamp: time.Now().UTC(),
	}
	if name, ok := asString(raw["shortName"]); ok {
		q.Name = name
	} else if name, ok := asString(raw["longName"]); ok {
		q.Name = name
	}
	if v, ok := asFloat(raw["regularMarketChange"]); ok {
		q.Change = v
	}
	if v, ok := asFloat(raw["regularMarketChangePercent"]); ok {
		q.ChangePct = v
	}
	if v, ok := asFloat(raw["regularMarketVolume"]); ok {
		q.Volume = int64(v)
	}
	if v, ok := asFloat(raw["bid"]); ok {
		q.Bid = v
	}
	if v, ok := asFloat(raw["ask"]); ok {
		q.Ask = v
	}
	if v, ok := asFloat(raw["regularMarketDayHigh"]); ok {
		q.DayHigh = v
	}
	if v, ok := asFloat(raw["regularMarketDayLow"]); ok {
		q.DayLow = v
	}
	if v, ok := asFloat(raw["regularMarketPreviousClose"]); ok {
		q.PreviousClose = v
	}
	if cur, ok := asString(raw["currency"]); ok {
		q.Currency = strings.ToUpper(cur)
	}
	if ts, ok := asFloat(raw["regularMarketTime"]); ok && ts > 0 {
		q.Timestamp = time.Unix(int64(ts), 0).UTC()
	}
	if err := Validate(q); err != nil {
		return nil, &NormalizeError{Source: SourceYFinance, Field: "quote", Message: err.Error()}
	}
	return q, nil
}

// asFloat tolerates the number representations a decoded JSON record can carry.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(n, ",", ""), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}
