package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/quotecrawler/internal/cache"
	"github.com/finsight/quotecrawler/internal/ledger"
	"github.com/finsight/quotecrawler/internal/quote"
	"github.com/finsight/quotecrawler/internal/source"
	"github.com/finsight/quotecrawler/internal/store"
)

type fakeGetter struct {
	mu      sync.Mutex
	fetched []string
	err     error
	charge  *ledger.Ledger // when set, each fetch charges one request
}

func (f *fakeGetter) GetQuote(ctx context.Context, symbol string, category quote.Category) (*quote.Quote, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, symbol)
	f.mu.Unlock()
	if f.charge != nil {
		f.charge.RecordRequest(string(category), symbol, f.err == nil)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &quote.Quote{
		Symbol:    symbol,
		Price:     100,
		Category:  category,
		Source:    quote.SourceYFinance,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (f *fakeGetter) symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func newTestScheduler(t *testing.T, getter QuoteGetter, budget, cost float64) (*Scheduler, *ledger.Ledger, *store.Writer) {
	t.Helper()
	dir := t.TempDir()
	c, err := cache.Open(filepath.Join(dir, "cache.db"), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	l, err := ledger.Open(filepath.Join(dir, "ledger.json"), budget, cost)
	require.NoError(t, err)
	w := store.New(filepath.Join(dir, "quotes"))
	s := New(getter, l, c, w, Config{CollectInterval: time.Hour})
	return s, l, w
}

func TestTrackedSetMutation(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeGetter{}, 100, 0.0015)

	s.AddSymbol("aapl", quote.CategoryStocks)
	s.AddSymbol("EURUSD", quote.CategoryForex)
	assert.Equal(t, []string{"forex:EURUSD", "stocks:AAPL"}, s.TrackedSymbols())

	assert.True(t, s.RemoveSymbol("AAPL", quote.CategoryStocks))
	assert.False(t, s.RemoveSymbol("AAPL", quote.CategoryStocks), "second remove finds nothing")
	assert.Equal(t, []string{"forex:EURUSD"}, s.TrackedSymbols())
}

func TestForceCollectionFetchesTrackedSet(t *testing.T) {
	getter := &fakeGetter{}
	s, _, w := newTestScheduler(t, getter, 100, 0.0015)
	s.AddSymbol("AAPL", quote.CategoryStocks)
	s.AddSymbol("MSFT", quote.CategoryStocks)

	s.ForceCollection(context.Background())

	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, getter.symbols())

	stats := s.Statistics()
	assert.Equal(t, 1, stats.Jobs.CyclesRun)
	assert.Equal(t, 2, stats.Jobs.QuotesCollected)
	assert.NotEmpty(t, stats.Jobs.LastCycleID)

	records, err := w.ReadDay(quote.CategoryStocks, "AAPL", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "AAPL", records[0].Symbol)
}

func TestCycleCountsPerSymbolFailures(t *testing.T) {
	getter := &fakeGetter{err: errors.New("all sources down")}
	s, _, _ := newTestScheduler(t, getter, 100, 0.0015)
	s.AddSymbol("AAPL", quote.CategoryStocks)

	s.ForceCollection(context.Background())

	stats := s.Statistics()
	assert.Equal(t, 1, stats.Jobs.CyclesRun)
	assert.Equal(t, 0, stats.Jobs.QuotesCollected)
	assert.Equal(t, 1, stats.Jobs.QuotesFailed)
	assert.Equal(t, 0, stats.Jobs.CyclesFailed, "per-symbol failure does not fail the cycle")
}

func TestCycleEndsEarlyOnExhaustedBudget(t *testing.T) {
	// Budget covers exactly two charged fetches; the third symbol is never tried.
	getter := &fakeGetter{}
	s, l, _ := newTestScheduler(t, getter, 1.0, 0.5)
	getter.charge = l
	s.AddSymbol("AAPL", quote.CategoryStocks)
	s.AddSymbol("GOOG", quote.CategoryStocks)
	s.AddSymbol("MSFT", quote.CategoryStocks)

	s.ForceCollection(context.Background())

	assert.Len(t, getter.symbols(), 2)
	stats := s.Statistics()
	assert.Equal(t, 1, stats.Jobs.CyclesFailed, "exhaustion marks the cycle failed")
	assert.Equal(t, 2, stats.Jobs.QuotesCollected)
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	getter := &fakeGetter{}
	s, _, _ := newTestScheduler(t, getter, 100, 0.0015)
	s.AddSymbol("AAPL", quote.CategoryStocks)

	s.runMu.Lock()
	done := make(chan struct{})
	go func() {
		s.ForceCollection(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("skipped cycle should return immediately")
	}
	s.runMu.Unlock()

	stats := s.Statistics()
	assert.Equal(t, 1, stats.Jobs.CyclesSkipped)
	assert.Equal(t, 0, stats.Jobs.CyclesRun)
	assert.Empty(t, getter.symbols())
}

func TestStartRunsImmediateCycleAndStops(t *testing.T) {
	getter := &fakeGetter{}
	s, _, _ := newTestScheduler(t, getter, 100, 0.0015)
	s.AddSymbol("AAPL", quote.CategoryStocks)

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return len(getter.symbols()) == 1
	}, 2*time.Second, 10*time.Millisecond, "collection fires once at startup")

	s.Stop(true)
	stats := s.Statistics()
	assert.Equal(t, 1, stats.Jobs.CyclesRun)
	assert.False(t, stats.NextCollect.IsZero())
	assert.False(t, stats.NextReset.IsZero())
}

// statsGetter is a getter that also exposes aggregate retrieval stats, the way
// the orchestrator does.
type statsGetter struct {
	fakeGetter
	snap source.Statistics
}

func (g *statsGetter) Statistics() source.Statistics { return g.snap }

func TestStatisticsIncludesRetrievalSnapshot(t *testing.T) {
	getter := &statsGetter{snap: source.Statistics{Budget: ledger.Statistics{TotalRequests: 7}}}
	s, _, _ := newTestScheduler(t, getter, 100, 0.0015)

	stats := s.Statistics()
	require.NotNil(t, stats.Retrieval, "a stats-capable getter is folded into the snapshot")
	assert.Equal(t, 7, stats.Retrieval.Budget.TotalRequests)
}

func TestStatisticsWithoutStatsCapableGetter(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeGetter{}, 100, 0.0015)
	assert.Nil(t, s.Statistics().Retrieval)
}

func TestSweepCountsAndClearsExpired(t *testing.T) {
	dir := t.TempDir()
	c, err := cache.Open(filepath.Join(dir, "cache.db"), time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	l, err := ledger.Open(filepath.Join(dir, "ledger.json"), 100, 0.0015)
	require.NoError(t, err)
	s := New(&fakeGetter{}, l, c, nil, Config{})

	require.NoError(t, c.Set("stocks", "AAPL", []byte(`{}`)))
	time.Sleep(5 * time.Millisecond)

	s.runSweep()
	s.runSweep()

	stats := s.Statistics()
	assert.Equal(t, 2, stats.Jobs.CacheSweeps)
	_, ok, err := c.Get("stocks", "AAPL")
	require.NoError(t, err)
	assert.False(t, ok, "the swept entry is gone")
}

func TestNextResetTime(t *testing.T) {
	now := time.Date(2026, 8, 23, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC), nextResetTime(now, 12))
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), nextResetTime(now, 0))
	assert.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), nextResetTime(now, 10))
}
