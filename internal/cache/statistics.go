package cache

import (
	"os"
	"time"
)

// EntryStats describes one entry in the most-accessed ranking.
type EntryStats struct {
	Key          string    `json:"cache_key"`
	HitCount     int64     `json:"hit_count"`
	LastAccessed time.Time `json:"last_accessed,omitempty"`
}

// Statistics is a point-in-time summary of cache contents and usage.
type Statistics struct {
	TotalEntries   int          `json:"total_entries"`
	ValidEntries   int          `json:"valid_entries"`
	ExpiredEntries int          `json:"expired_entries"`
	TotalHits      int64        `json:"total_hits"`
	AverageHits    float64      `json:"average_hits"`
	MostAccessed   []EntryStats `json:"most_accessed"`
	SizeBytes      int64        `json:"size_bytes"`
	TTLSeconds     float64      `json:"ttl_seconds"`
	Path           string       `json:"path"`
}

// Statistics reports totals, validity split, hit aggregates and the top five
// live entries by hit count.
func (c *Cache) Statistics() (Statistics, error) {
	now := time.Now().UTC().UnixNano()
	stats := Statistics{TTLSeconds: c.ttl.Seconds(), Path: c.path}

	if err := c.db.Get(&stats.TotalEntries, `SELECT COUNT(*) FROM cache`); err != nil {
		return stats, &Error{Op: "statistics", Err: err}
	}
	if err := c.db.Get(&stats.ExpiredEntries, `SELECT COUNT(*) FROM cache WHERE expires_at <= ?`, now); err != nil {
		return stats, &Error{Op: "statistics", Err: err}
	}
	stats.ValidEntries = stats.TotalEntries - stats.ExpiredEntries

	var agg struct {
		Total   *int64   `db:"total"`
		Average *float64 `db:"average"`
	}
	if err := c.db.Get(&agg, `SELECT SUM(hit_count) AS total, AVG(hit_count) AS average FROM cache`); err != nil {
		return stats, &Error{Op: "statistics", Err: err}
	}
	if agg.Total != nil {
		stats.TotalHits = *agg.Total
	}
	if agg.Average != nil {
		stats.AverageHits = *agg.Average
	}

	rows, err := c.db.Queryx(`
		SELECT cache_key, hit_count, last_accessed
		FROM cache WHERE expires_at > ?
		ORDER BY hit_count DESC LIMIT 5`, now)
	if err != nil {
		return stats, &Error{Op: "statistics", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key          string
			hits         int64
			lastAccessed *int64
		)
		if err := rows.Scan(&key, &hits, &lastAccessed); err != nil {
			return stats, &Error{Op: "statistics", Err: err}
		}
		entry := EntryStats{Key: key, HitCount: hits}
		if lastAccessed != nil {
			entry.LastAccessed = time.Unix(0, *lastAccessed).UTC()
		}
		stats.MostAccessed = append(stats.MostAccessed, entry)
	}
	if err := rows.Err(); err != nil {
		return stats, &Error{Op: "statistics", Err: err}
	}

	if fi, err := os.Stat(c.path); err == nil {
		stats.SizeBytes = fi.Size()
	}
	return stats, nil
}
