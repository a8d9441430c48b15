package parse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Error reports a document that yielded no usable quote data.
type Error struct {
	Strategy string
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Strategy, e.Message)
}

var (
	jsonLDRe   = regexp.MustCompile(`(?is)<script[^>]+type="application/ld\+json"[^>]*>(.*?)</script>`)
	metaRe     = regexp.MustCompile(`(?is)<meta[^>]+(?:property|name)="([^"]+)"[^>]+content="([^"]*)"`)
	metaRevRe  = regexp.MustCompile(`(?is)<meta[^>]+content="([^"]*)"[^>]+(?:property|name)="([^"]+)"`)
	priceTxtRe = regexp.MustCompile(`(?i)"price"\s*:\s*"?([0-9][0-9,]*\.?[0-9]*)"?`)
	priceSpnRe = regexp.MustCompile(`(?is)class="[^"]*priceText[^"]*"[^>]*>\s*([0-9][0-9,]*\.?[0-9]*)`)
	changeRe   = regexp.MustCompile(`(?i)"priceChange1Day"\s*:\s*"?(-?[0-9][0-9,]*\.?[0-9]*)"?`)
	pctRe      = regexp.MustCompile(`(?i)"percentChange1Day"\s*:\s*"?(-?[0-9][0-9,]*\.?[0-9]*)"?`)
	titleRe    = regexp.MustCompile(`(?is)<title>([^<|]+)`)
)

// QuotePage extracts quote fields from a Bloomberg quote page. Strategies run
// in order of fidelity: embedded JSON-LD, Open Graph meta tags, then raw
// regex over the markup. The first strategy that yields a price wins; later
// strategies only fill fields the winner left empty.
func QuotePage(html string) (map[string]any, error) {
	if strings.TrimSpace(html) == "" {
		return nil, &Error{Strategy: "document", Message: "empty document"}
	}
	out := map[string]any{}

	fromJSONLD(html, out)
	fromMetaTags(html, out)
	fromMarkup(html, out)

	if _, ok := out["price"]; !ok {
		return nil, &Error{Strategy: "all", Message: "no price found in document"}
	}
	return out, nil
}

// fromJSONLD reads the structured-data script blocks Bloomberg embeds on
// quote pages.
func fromJSONLD(html string, out map[string]any) {
	for _, m := range jsonLDRe.FindAllStringSubmatch(html, -1) {
		var doc map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &doc); err != nil {
			continue
		}
		setIfAbsent(out, "name", stringField(doc, "name"))
		if offers, ok := doc["offers"].(map[string]any); ok {
			setPriceIfAbsent(out, "price", offers["price"])
			setIfAbsent(out, "currency", stringField(offers, "priceCurrency"))
		}
		setPriceIfAbsent(out, "price", doc["price"])
		setIfAbsent(out, "currency", stringField(doc, "priceCurrency"))
	}
}

// fromMetaTags reads og:/twitter: style meta tags. Attribute order varies
// across page vintages so both orders are matched.
func fromMetaTags(html string, out map[string]any) {
	collect := func(name, content string) {
		switch strings.ToLower(name) {
		case "og:title", "twitter:title":
			if i := strings.Index(content, " - "); i > 0 {
				content = content[:i]
			}
			setIfAbsent(out, "name", strings.TrimSpace(content))
		case "og:price:amount", "twitter:data1":
			setPriceIfAbsent(out, "price", content)
		case "og:price:currency":
			setIfAbsent(out, "currency", strings.TrimSpace(content))
		}
	}
	for _, m := range metaRe.FindAllStringSubmatch(html, -1) {
		collect(m[1], m[2])
	}
	for _, m := range metaRevRe.FindAllStringSubmatch(html, -1) {
		collect(m[2], m[1])
	}
}

// fromMarkup is the last-resort pass over raw markup and inline JSON blobs.
func fromMarkup(html string, out map[string]any) {
	if m := priceTxtRe.FindStringSubmatch(html); m != nil {
		setPriceIfAbsent(out, "price", m[1])
	}
	if m := priceSpnRe.FindStringSubmatch(html); m != nil {
		setPriceIfAbsent(out, "price", m[1])
	}
	if m := changeRe.FindStringSubmatch(html); m != nil {
		setPriceIfAbsent(out, "change", m[1])
	}
	if m := pctRe.FindStringSubmatch(html); m != nil {
		setPriceIfAbsent(out, "change_pct", m[1])
	}
	if m := titleRe.FindStringSubmatch(html); m != nil {
		name := strings.TrimSpace(m[1])
		if i := strings.Index(name, " - "); i > 0 {
			name = name[:i]
		}
		setIfAbsent(out, "name", name)
	}
}

func setIfAbsent(out map[string]any, key, val string) {
	if val == "" {
		return
	}
	if _, ok := out[key]; !ok {
		out[key] = val
	}
}

func setPriceIfAbsent(out map[string]any, key string, val any) {
	if _, ok := out[key]; ok {
		return
	}
	switch v := val.(type) {
	case float64:
		out[key] = v
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(v), ",", ""), 64)
		if err == nil {
			out[key] = f
		}
	}
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return strings.TrimSpace(s)
}
