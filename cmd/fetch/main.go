package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/finsight/quotecrawler/internal/breaker"
	"github.com/finsight/quotecrawler/internal/cache"
	"github.com/finsight/quotecrawler/internal/clients/brightdata"
	"github.com/finsight/quotecrawler/internal/clients/yfinance"
	"github.com/finsight/quotecrawler/internal/config"
	"github.com/finsight/quotecrawler/internal/ledger"
	"github.com/finsight/quotecrawler/internal/quote"
	"github.com/finsight/quotecrawler/internal/source"
)

// fetch resolves one quote from the command line, for ad-hoc checks and
// debugging the source chain.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	symbol := flag.String("symbol", "", "symbol to fetch (required)")
	category := flag.String("category", "stocks", "category: stocks, forex, commodities, bonds, crypto, indices, etf")
	fresh := flag.Bool("fresh", false, "bypass the cache and force an upstream fetch")
	showStats := flag.Bool("stats", false, "print chain statistics after the fetch")
	flag.Parse()

	if *symbol == "" {
		flag.Usage()
		os.Exit(2)
	}
	cat := quote.ParseCategory(*category)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.BrightDataToken == "" {
		log.Fatal("BRIGHTDATA_API_TOKEN is not set")
	}

	c, err := cache.Open(cfg.Cache.Path, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	if err != nil {
		log.Fatalf("open cache: %v", err)
	}
	defer c.Close()

	l, err := ledger.Shared(cfg.Budget.LedgerPath, cfg.Budget.LimitUSD, cfg.Budget.CostPerRequest)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}

	paid, err := brightdata.New(brightdata.Config{
		APIToken:           cfg.BrightDataToken,
		Zone:               cfg.BrightData.Zone,
		Endpoint:           cfg.BrightData.Endpoint,
		RateLimitPerMinute: cfg.BrightData.RateLimitPerMinute,
		TimeoutSeconds:     cfg.BrightData.TimeoutSeconds,
		MaxRetries:         cfg.BrightData.MaxRetries,
		BackoffBaseMs:      cfg.BrightData.BackoffBaseMs,
	})
	if err != nil {
		log.Fatalf("bright data client: %v", err)
	}
	free := yfinance.New(yfinance.Config{
		BaseURL:        cfg.YFinance.BaseURL,
		TimeoutSeconds: cfg.YFinance.TimeoutSeconds,
	})

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Breaker.RecoveryTimeoutSeconds) * time.Second,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}
	orch := source.New(c, l, paid, free, source.Config{}, breakerCfg, breakerCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var q *quote.Quote
	if *fresh {
		q, err = orch.FetchFresh(ctx, *symbol, cat)
	} else {
		q, err = orch.GetQuote(ctx, *symbol, cat)
	}
	if err != nil {
		var exhausted *ledger.ExhaustedError
		if errors.As(err, &exhausted) {
			fmt.Fprintf(os.Stderr, "budget exhausted: %d of %d requests used\n", exhausted.CurrentUsage, exhausted.BudgetLimit)
			os.Exit(3)
		}
		log.Fatalf("fetch %s: %v", *symbol, err)
	}
	if q == nil {
		fmt.Fprintf(os.Stderr, "no source has a quote for %s (%s)\n", *symbol, cat)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		log.Fatalf("encode quote: %v", err)
	}
	fmt.Println(string(out))

	if *showStats {
		if stats, err := orch.MarshalStatistics(); err == nil {
			fmt.Println(string(stats))
		}
	}
}
