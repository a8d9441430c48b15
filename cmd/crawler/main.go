package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finsight/quotecrawler/internal/breaker"
	"github.com/finsight/quotecrawler/internal/cache"
	"github.com/finsight/quotecrawler/internal/clients/brightdata"
	"github.com/finsight/quotecrawler/internal/clients/yfinance"
	"github.com/finsight/quotecrawler/internal/config"
	"github.com/finsight/quotecrawler/internal/ledger"
	"github.com/finsight/quotecrawler/internal/observ"
	"github.com/finsight/quotecrawler/internal/quote"
	"github.com/finsight/quotecrawler/internal/scheduler"
	"github.com/finsight/quotecrawler/internal/source"
	"github.com/finsight/quotecrawler/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	metricsAddr := flag.String("metrics-addr", "", "listen address for the metrics endpoint (empty disables)")
	flag.Parse()

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

	writer := store.New(cfg.DataDir)
	sched := scheduler.New(orch, l, c, writer, scheduler.Config{
		CollectInterval:  time.Duration(cfg.Scheduler.CollectIntervalSeconds) * time.Second,
		BudgetResetHour:  cfg.Budget.ResetHourUTC,
		CacheSweepPeriod: time.Duration(cfg.Scheduler.CacheSweepSeconds) * time.Second,
	})
	for _, s := range cfg.Symbols {
		sched.AddSymbol(s.Symbol, quote.ParseCategory(s.Category))
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observ.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				observ.Warn("metrics_server_failed", map[string]any{"error": err.Error()})
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	observ.Log("crawler_started", map[string]any{
		"symbols":          len(cfg.Symbols),
		"collect_interval": cfg.Scheduler.CollectIntervalSeconds,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Fprintln(os.Stderr, "shutting down, waiting for in-flight cycle")
	sched.Stop(true)

	if out, err := orch.MarshalStatistics(); err == nil {
		fmt.Println(string(out))
	}
}
