package ledger

import (
	"math"
	"time"
)

// Statistics is a derived, point-in-time view of the ledger.
type Statistics struct {
	TotalRequests      int                       `json:"total_requests"`
	SuccessfulRequests int                       `json:"successful_requests"`
	FailedRequests     int                       `json:"failed_requests"`
	SuccessRatePct     float64                   `json:"success_rate_pct"`
	TotalCost          float64                   `json:"total_cost"`
	BudgetLimit        float64                   `json:"budget_limit"`
	BudgetRemaining    float64                   `json:"budget_remaining"`
	BudgetUsedPct      float64                   `json:"budget_used_pct"`
	AlertLevel         AlertLevel                `json:"alert_level"`
	CostPerRequest     float64                   `json:"cost_per_request"`
	StartDate          time.Time                 `json:"start_date"`
	DaysElapsed        int                       `json:"days_elapsed"`
	AvgRequestsPerDay  float64                   `json:"avg_requests_per_day"`
	AvgCostPerDay      float64                   `json:"avg_cost_per_day"`
	DaysUntilExhausted float64                   `json:"days_until_exhausted"`
	RequestsByDate     map[string]int            `json:"requests_by_date"`
	RequestsByCategory map[string]map[string]int `json:"requests_by_category"`
	DailyCost          map[string]float64        `json:"daily_cost"`
}

// Statistics derives rates and projections from the counters. Days elapsed is
// floored at one so per-day averages are defined from the first request.
func (l *Ledger) Statistics() Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statisticsLocked()
}

// statisticsLocked builds the snapshot under an already-held mutex so Reset
// can snapshot and zero in one critical section.
func (l *Ledger) statisticsLocked() Statistics {
	days := int(time.Now().UTC().Sub(l.st.StartDate).Hours()/24) + 1
	if days < 1 {
		days = 1
	}

	s := Statistics{
		TotalRequests:      l.st.TotalRequests,
		SuccessfulRequests: l.st.SuccessfulRequests,
		FailedRequests:     l.st.FailedRequests,
		TotalCost:          l.st.TotalCost,
		BudgetLimit:        l.st.BudgetLimit,
		BudgetRemaining:    l.st.BudgetLimit - l.st.TotalCost,
		CostPerRequest:     l.st.CostPerRequest,
		StartDate:          l.st.StartDate,
		DaysElapsed:        days,
		AvgRequestsPerDay:  float64(l.st.TotalRequests) / float64(days),
		AvgCostPerDay:      l.st.TotalCost / float64(days),
		RequestsByDate:     make(map[string]int, len(l.st.RequestsByDate)),
		RequestsByCategory: make(map[string]map[string]int, len(l.st.RequestsByCategory)),
		DailyCost:          make(map[string]float64, len(l.st.DailyCost)),
	}
	if l.st.TotalRequests > 0 {
		s.SuccessRatePct = float64(l.st.SuccessfulRequests) / float64(l.st.TotalRequests) * 100
	}
	if l.st.BudgetLimit > 0 {
		s.BudgetUsedPct = l.st.TotalCost / l.st.BudgetLimit * 100
	}
	s.AlertLevel = AlertLevelFor(l.st.TotalCost / l.st.BudgetLimit)
	// -1 means no spend yet, so no projection. Inf is not JSON-encodable.
	if s.AvgCostPerDay > 0 {
		s.DaysUntilExhausted = math.Max(s.BudgetRemaining, 0) / s.AvgCostPerDay
	} else {
		s.DaysUntilExhausted = -1
	}

	for k, v := range l.st.RequestsByDate {
		s.RequestsByDate[k] = v
	}
	for cat, bySym := range l.st.RequestsByCategory {
		out := make(map[string]int, len(bySym))
		for sym, n := range bySym {
			out[sym] = n
		}
		s.RequestsByCategory[cat] = out
	}
	for k, v := range l.st.DailyCost {
		s.DailyCost[k] = v
	}
	return s
}
