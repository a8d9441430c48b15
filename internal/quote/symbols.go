package quote

import "strings"

// BloombergSymbol converts a base symbol to the exchange-qualified form used
// in Bloomberg quote URLs (stocks default to the US exchange).
func BloombergSymbol(symbol string, category Category) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if category == CategoryStocks && !strings.Contains(symbol, ":") {
		return symbol + ":US"
	}
	return symbol
}

// YFinanceSymbol converts an exchange-qualified symbol to the form the Yahoo
// Finance API expects.
func YFinanceSymbol(symbol string, category Category) string {
	base := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.Index(base, ":"); i >= 0 {
		base = base[:i]
	}
	switch category {
	case CategoryForex:
		// EUR/USD and EURUSD both map to EURUSD=X
		base = strings.ReplaceAll(base, "/", "")
		if !strings.HasSuffix(base, "=X") {
			base += "=X"
		}
	case CategoryCommodities:
		if !strings.HasSuffix(base, "=F") {
			base += "=F"
		}
	}
	return base
}
