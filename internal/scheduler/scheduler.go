package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finsight/quotecrawler/internal/cache"
	"github.com/finsight/quotecrawler/internal/ledger"
	"github.com/finsight/quotecrawler/internal/observ"
	"github.com/finsight/quotecrawler/internal/quote"
	"github.com/finsight/quotecrawler/internal/source"
	"github.com/finsight/quotecrawler/internal/store"
)

// QuoteGetter is the retrieval surface the scheduler drives.
type QuoteGetter interface {
	GetQuote(ctx context.Context, symbol string, category quote.Category) (*quote.Quote, error)
}

// retrievalStatistics is satisfied by getters that expose aggregate retrieval
// stats, which the scheduler folds into its own snapshot.
type retrievalStatistics interface {
	Statistics() source.Statistics
}

// Config tunes the periodic jobs. Zero values take the defaults in New.
type Config struct {
	CollectInterval  time.Duration // default 15m
	BudgetResetHour  int           // UTC hour for the daily ledger reset, default 0
	CacheSweepPeriod time.Duration // default 1h
}

// Scheduler runs three periodic jobs: quote collection over the tracked set,
// a daily budget reset, and an hourly sweep of expired cache entries. At most
// one collection cycle runs at a time; a tick that arrives while a cycle is
// in flight is skipped, not queued.
type Scheduler struct {
	getter QuoteGetter
	ledger *ledger.Ledger
	cache  *cache.Cache
	writer *store.Writer
	cfg    Config

	mu      sync.Mutex
	tracked map[string]quote.Category
	stats   stats

	runMu  sync.Mutex // held for the duration of a collection cycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt   time.Time
	nextCollect time.Time
	nextReset   time.Time
	nextSweep   time.Time
}

type stats struct {
	CyclesRun       int        `json:"cycles_run"`
	CyclesFailed    int        `json:"cycles_failed"`
	CyclesSkipped   int        `json:"cycles_skipped"`
	QuotesCollected int        `json:"quotes_collected"`
	QuotesFailed    int        `json:"quotes_failed"`
	BudgetResets    int        `json:"budget_resets"`
	CacheSweeps     int        `json:"cache_sweeps"`
	LastCycleID     string     `json:"last_cycle_id,omitempty"`
	LastCycleAt     *time.Time `json:"last_cycle_at,omitempty"`
}

// New constructs a stopped scheduler. Call Start to launch the jobs.
func New(getter QuoteGetter, l *ledger.Ledger, c *cache.Cache, w *store.Writer, cfg Config) *Scheduler {
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = 15 * time.Minute
	}
	if cfg.BudgetResetHour < 0 || cfg.BudgetResetHour > 23 {
		cfg.BudgetResetHour = 0
	}
	if cfg.CacheSweepPeriod <= 0 {
		cfg.CacheSweepPeriod = time.Hour
	}
	return &Scheduler{
		getter:  getter,
		ledger:  l,
		cache:   c,
		writer:  w,
		cfg:     cfg,
		tracked: map[string]quote.Category{},
	}
}

// AddSymbol puts a symbol under periodic collection. Re-adding updates the
// category.
func (s *Scheduler) AddSymbol(symbol string, category quote.Category) {
	key := cache.Key(string(category), symbol)
	s.mu.Lock()
	s.tracked[key] = category
	s.mu.Unlock()
	observ.Log("scheduler_symbol_added", map[string]any{"key": key})
}

// RemoveSymbol stops collecting a symbol, reporting whether it was tracked.
func (s *Scheduler) RemoveSymbol(symbol string, category quote.Category) bool {
	key := cache.Key(string(category), symbol)
	s.mu.Lock()
	_, ok := s.tracked[key]
	delete(s.tracked, key)
	s.mu.Unlock()
	if ok {
		observ.Log("scheduler_symbol_removed", map[string]any{"key": key})
	}
	return ok
}

// TrackedSymbols returns a sorted snapshot of the tracked set.
func (s *Scheduler) TrackedSymbols() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.tracked))
	for k := range s.tracked {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Start launches the job goroutines. Collection fires once immediately, then
// on every interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	now := time.Now().UTC()
	s.mu.Lock()
	s.cancel = cancel
	s.startedAt = now
	s.nextCollect = now
	s.nextReset = nextResetTime(now, s.cfg.BudgetResetHour)
	s.nextSweep = now.Add(s.cfg.CacheSweepPeriod)
	s.mu.Unlock()

	s.wg.Add(3)
	go s.collectLoop(ctx)
	go s.resetLoop(ctx)
	go s.sweepLoop(ctx)

	observ.Log("scheduler_started", map[string]any{
		"collect_interval":   s.cfg.CollectInterval.String(),
		"budget_reset_hour":  s.cfg.BudgetResetHour,
		"cache_sweep_period": s.cfg.CacheSweepPeriod.String(),
	})
}

// Stop cancels the jobs. With wait set it blocks until any in-flight cycle
// finishes.
func (s *Scheduler) Stop(wait bool) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if wait {
		s.wg.Wait()
	}
	observ.Log("scheduler_stopped", map[string]any{"waited": wait})
}

func (s *Scheduler) collectLoop(ctx context.Context) {
	defer s.wg.Done()
	// Immediate first run, then the ticker.
	s.runCycle(ctx)

	ticker := time.NewTicker(s.cfg.CollectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.nextCollect = time.Now().UTC().Add(s.cfg.CollectInterval)
			s.mu.Unlock()
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) resetLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		next := s.nextReset
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			snapshot, err := s.ledger.Reset(true)
			if err != nil {
				observ.Warn("scheduler_budget_reset_failed", map[string]any{"error": err.Error()})
			} else {
				observ.Log("scheduler_budget_reset", map[string]any{
					"previous_requests": snapshot.TotalRequests,
					"previous_cost":     snapshot.TotalCost,
				})
				s.mu.Lock()
				s.stats.BudgetResets++
				s.mu.Unlock()
			}
			s.mu.Lock()
			s.nextReset = nextResetTime(time.Now().UTC(), s.cfg.BudgetResetHour)
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CacheSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.nextSweep = time.Now().UTC().Add(s.cfg.CacheSweepPeriod)
			s.mu.Unlock()
			s.runSweep()
		}
	}
}

// runSweep clears expired cache entries and counts the sweep. Failures are
// logged; the counter only advances on a completed sweep.
func (s *Scheduler) runSweep() {
	n, err := s.cache.ClearExpired()
	if err != nil {
		observ.Warn("scheduler_cache_sweep_failed", map[string]any{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.stats.CacheSweeps++
	s.mu.Unlock()
	if n > 0 {
		observ.Log("scheduler_cache_swept", map[string]any{"deleted": n})
	}
}

// runCycle collects every tracked symbol once. The run mutex guarantees a
// single cycle at a time; an overlapping trigger is counted as skipped. Budget
// exhaustion discovered mid-cycle ends the cycle early and marks it failed.
func (s *Scheduler) runCycle(ctx context.Context) {
	if !s.runMu.TryLock() {
		s.mu.Lock()
		s.stats.CyclesSkipped++
		s.mu.Unlock()
		observ.Log("scheduler_cycle_skipped", map[string]any{"reason": "cycle_in_flight"})
		return
	}
	defer s.runMu.Unlock()

	cycleID := uuid.NewString()
	start := time.Now().UTC()

	s.mu.Lock()
	targets := make(map[string]quote.Category, len(s.tracked))
	for k, v := range s.tracked {
		targets[k] = v
	}
	s.mu.Unlock()

	keys := make([]string, 0, len(targets))
	for k := range targets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	observ.Log("scheduler_cycle_started", map[string]any{"cycle_id": cycleID, "symbols": len(keys)})

	var collected, failed int
	exhausted := false
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		if err := s.ledger.CanMakeRequest(); err != nil {
			observ.Warn("scheduler_cycle_budget_exhausted", map[string]any{"cycle_id": cycleID, "error": err.Error()})
			exhausted = true
			break
		}
		category := targets[key]
		symbol := key[len(string(category))+1:]
		q, err := s.getter.GetQuote(ctx, symbol, category)
		if err != nil {
			failed++
			observ.Warn("scheduler_collect_failed", map[string]any{"cycle_id": cycleID, "key": key, "error": err.Error()})
			continue
		}
		if q == nil {
			failed++
			observ.Log("scheduler_collect_absent", map[string]any{"cycle_id": cycleID, "key": key})
			continue
		}
		if s.writer != nil {
			if err := s.writer.Write(q); err != nil {
				observ.Warn("scheduler_store_failed", map[string]any{"cycle_id": cycleID, "key": key, "error": err.Error()})
			}
		}
		collected++
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.stats.CyclesRun++
	if exhausted {
		s.stats.CyclesFailed++
	}
	s.stats.QuotesCollected += collected
	s.stats.QuotesFailed += failed
	s.stats.LastCycleID = cycleID
	s.stats.LastCycleAt = &now
	s.mu.Unlock()

	observ.Log("scheduler_cycle_finished", map[string]any{
		"cycle_id":  cycleID,
		"collected": collected,
		"failed":    failed,
		"exhausted": exhausted,
		"elapsed":   time.Since(start).String(),
	})
	observ.IncCounterBy("scheduler_quotes_collected_total", nil, int64(collected))
	observ.RecordDuration("scheduler_cycle_seconds", time.Since(start), nil)
}

// ForceCollection triggers one cycle synchronously, outside the interval.
func (s *Scheduler) ForceCollection(ctx context.Context) {
	s.runCycle(ctx)
}

// nextResetTime is the next occurrence of the configured UTC hour.
func nextResetTime(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// Statistics is a snapshot of job progress, upcoming fire times, and the
// aggregate stats of the retrieval pipeline the scheduler drives.
type Statistics struct {
	Running        bool               `json:"running"`
	StartedAt      time.Time          `json:"started_at"`
	TrackedSymbols []string           `json:"tracked_symbols"`
	NextCollect    time.Time          `json:"next_collect"`
	NextReset      time.Time          `json:"next_budget_reset"`
	NextSweep      time.Time          `json:"next_cache_sweep"`
	Jobs           stats              `json:"jobs"`
	Retrieval      *source.Statistics `json:"retrieval,omitempty"`
}

func (s *Scheduler) Statistics() Statistics {
	// Query the getter outside our own lock; it locks its collaborators.
	var retrieval *source.Statistics
	if rs, ok := s.getter.(retrievalStatistics); ok {
		snap := rs.Statistics()
		retrieval = &snap
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tracked))
	for k := range s.tracked {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Statistics{
		Running:        s.cancel != nil,
		StartedAt:      s.startedAt,
		TrackedSymbols: keys,
		NextCollect:    s.nextCollect,
		NextReset:      s.nextReset,
		NextSweep:      s.nextSweep,
		Jobs:           s.stats,
		Retrieval:      retrieval,
	}
}
