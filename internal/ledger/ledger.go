package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/finsight/quotecrawler/internal/observ"
)

// AlertLevel classifies budget usage against the configured thresholds.
type AlertLevel string

const (
	AlertOK       AlertLevel = "ok"
	AlertWarning  AlertLevel = "warning"  // >= 50% of budget
	AlertCritical AlertLevel = "critical" // >= 80% of budget
	AlertDanger   AlertLevel = "danger"   // >= 95% of budget
)

// AlertLevelFor is a step function of the budget usage ratio.
func AlertLevelFor(usageRatio float64) AlertLevel {
	switch {
	case usageRatio >= 0.95:
		return AlertDanger
	case usageRatio >= 0.80:
		return AlertCritical
	case usageRatio >= 0.50:
		return AlertWarning
	default:
		return AlertOK
	}
}

// ExhaustedError signals that one more request would exceed the budget.
type ExhaustedError struct {
	CurrentUsage int     // requests already recorded
	BudgetLimit  int     // maximum requests the budget allows
	TotalCost    float64 // spend so far, USD
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted: %d/%d requests used ($%.4f spent)",
		e.CurrentUsage, e.BudgetLimit, e.TotalCost)
}

// state is the persisted ledger document.
type state struct {
	TotalRequests      int                       `json:"total_requests"`
	TotalCost          float64                   `json:"total_cost"`
	SuccessfulRequests int                       `json:"successful_requests"`
	FailedRequests     int                       `json:"failed_requests"`
	StartDate          time.Time                 `json:"start_date"`
	RequestsByDate     map[string]int            `json:"requests_by_date"`
	RequestsByCategory map[string]map[string]int `json:"requests_by_category"`
	DailyCost          map[string]float64        `json:"daily_cost"`
	BudgetLimit        float64                   `json:"budget_limit"`
	CostPerRequest     float64                   `json:"cost_per_request"`
	LastUpdated        time.Time                 `json:"last_updated"`
}

func newState(budgetLimit, costPerRequest float64) state {
	return state{
		StartDate:          time.Now().UTC(),
		RequestsByDate:     map[string]int{},
		RequestsByCategory: map[string]map[string]int{},
		DailyCost:          map[string]float64{},
		BudgetLimit:        budgetLimit,
		CostPerRequest:     costPerRequest,
	}
}

// Ledger tracks cumulative spend against a fixed budget. It is process-wide
// mutable state: construct one instance and inject it into every collaborator
// that records spend. All mutators are atomic over their
// read-modify-write-persist sequence.
type Ledger struct {
	mu   sync.Mutex
	path string
	st   state
}

// Open restores the ledger from path, or starts fresh when no document
// exists. Budget configuration always comes from the caller, not the file.
func Open(path string, budgetLimit, costPerRequest float64) (*Ledger, error) {
	if budgetLimit <= 0 || costPerRequest <= 0 {
		return nil, fmt.Errorf("ledger: budget_limit and cost_per_request must be positive")
	}
	l := &Ledger{path: path, st: newState(budgetLimit, costPerRequest)}
	b, err := os.ReadFile(path)
	if err == nil {
		var st state
		if jerr := json.Unmarshal(b, &st); jerr != nil {
			observ.Warn("ledger_restore_failed", map[string]any{"path": path, "error": jerr.Error()})
		} else {
			if st.RequestsByDate == nil {
				st.RequestsByDate = map[string]int{}
			}
			if st.RequestsByCategory == nil {
				st.RequestsByCategory = map[string]map[string]int{}
			}
			if st.DailyCost == nil {
				st.DailyCost = map[string]float64{}
			}
			st.BudgetLimit = budgetLimit
			st.CostPerRequest = costPerRequest
			if st.StartDate.IsZero() {
				st.StartDate = time.Now().UTC()
			}
			l.st = st
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}
	observ.Log("ledger_opened", map[string]any{
		"path":             path,
		"budget_limit":     budgetLimit,
		"cost_per_request": costPerRequest,
		"total_requests":   l.st.TotalRequests,
		"total_cost":       l.st.TotalCost,
	})
	return l, nil
}

var (
	sharedOnce sync.Once
	shared     *Ledger
	sharedErr  error
)

// Shared returns the process-wide ledger, constructing it on first use. The
// construction is idempotent under concurrent callers; later calls ignore the
// arguments and return the first instance.
func Shared(path string, budgetLimit, costPerRequest float64) (*Ledger, error) {
	sharedOnce.Do(func() {
		shared, sharedErr = Open(path, budgetLimit, costPerRequest)
	})
	return shared, sharedErr
}

// CanMakeRequest projects one more request onto the current spend and errors
// with ExhaustedError when that projection would breach the budget, so the
// request that would cross the limit is the one rejected.
func (l *Ledger) CanMakeRequest() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st.TotalCost+l.st.CostPerRequest > l.st.BudgetLimit {
		return &ExhaustedError{
			CurrentUsage: l.st.TotalRequests,
			BudgetLimit:  int(l.st.BudgetLimit / l.st.CostPerRequest),
			TotalCost:    l.st.TotalCost,
		}
	}
	return nil
}

// RecordResult is the snapshot returned by RecordRequest.
type RecordResult struct {
	RequestCount    int        `json:"request_count"`
	TotalCost       float64    `json:"total_cost"`
	BudgetRemaining float64    `json:"budget_remaining"`
	BudgetUsedPct   float64    `json:"budget_used_pct"`
	AlertLevel      AlertLevel `json:"alert_level"`
	Success         bool       `json:"success"`
	Category        string     `json:"category"`
	Symbol          string     `json:"symbol"`
	Timestamp       time.Time  `json:"timestamp"`
}

// RecordRequest charges one request to the ledger. Cost accrues per attempt:
// the charge is identical for successes and failures. The document is
// persisted before the lock is released.
func (l *Ledger) RecordRequest(category, symbol string, success bool) RecordResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	l.st.TotalRequests++
	l.st.TotalCost += l.st.CostPerRequest
	if success {
		l.st.SuccessfulRequests++
	} else {
		l.st.FailedRequests++
	}

	day := now.Format("2006-01-02")
	l.st.RequestsByDate[day]++
	l.st.DailyCost[day] += l.st.CostPerRequest
	byCat, ok := l.st.RequestsByCategory[category]
	if !ok {
		byCat = map[string]int{}
		l.st.RequestsByCategory[category] = byCat
	}
	byCat[symbol]++

	l.persistLocked()

	ratio := l.st.TotalCost / l.st.BudgetLimit
	level := AlertLevelFor(ratio)
	if level != AlertOK {
		observ.Warn("ledger_budget_alert", map[string]any{
			"alert_level":     string(level),
			"budget_used_pct": ratio * 100,
			"total_cost":      l.st.TotalCost,
			"budget_limit":    l.st.BudgetLimit,
		})
	}
	observ.SetGauge("ledger_total_cost_usd", l.st.TotalCost, nil)
	observ.SetGauge("ledger_budget_remaining_usd", l.st.BudgetLimit-l.st.TotalCost, nil)
	observ.IncCounter("ledger_requests_total", map[string]string{"category": category, "success": fmt.Sprintf("%t", success)})

	return RecordResult{
		RequestCount:    l.st.TotalRequests,
		TotalCost:       l.st.TotalCost,
		BudgetRemaining: l.st.BudgetLimit - l.st.TotalCost,
		BudgetUsedPct:   ratio * 100,
		AlertLevel:      level,
		Success:         success,
		Category:        category,
		Symbol:          symbol,
		Timestamp:       now,
	}
}

// Reset snapshots the current statistics, zeroes every counter and persists
// the cleared document. It refuses to run without explicit confirmation.
func (l *Ledger) Reset(confirm bool) (Statistics, error) {
	if !confirm {
		return Statistics{}, fmt.Errorf("ledger reset requires explicit confirmation")
	}

	// Snapshot and zero under one lock: a request recorded concurrently lands
	// either in the snapshot or in the fresh state, never in neither.
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := l.statisticsLocked()
	l.st = newState(l.st.BudgetLimit, l.st.CostPerRequest)
	l.persistLocked()

	observ.Log("ledger_reset", map[string]any{
		"previous_total_requests": snapshot.TotalRequests,
		"previous_total_cost":     snapshot.TotalCost,
	})
	return snapshot, nil
}

// persistLocked writes the document synchronously. A persistence failure is
// logged, not propagated: the in-memory counters remain authoritative for the
// process lifetime.
func (l *Ledger) persistLocked() {
	l.st.LastUpdated = time.Now().UTC()
	b, err := json.MarshalIndent(&l.st, "", "  ")
	if err != nil {
		observ.Warn("ledger_persist_failed", map[string]any{"path": l.path, "error": err.Error()})
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		observ.Warn("ledger_persist_failed", map[string]any{"path": l.path, "error": err.Error()})
		return
	}
	if err := os.WriteFile(l.path, b, 0o644); err != nil {
		observ.Warn("ledger_persist_failed", map[string]any{"path": l.path, "error": err.Error()})
	}
}
