package collection

import (
	"math"
	"sort"
)

// PercentChange returns the rounded percentage change between two metric
// samples. A zero previous value yields zero rather than a division error.
func PercentChange(current, previous float64) int {
	if previous == 0 {
		return 0
	}
	return int(math.Round((current - previous) / previous * 100))
}

// MetricCount pairs a category name with its aggregate value.
type MetricCount struct {
	Name  string
	Value int64
}

// TopByValue returns up to limit entries ordered by value descending. Ties
// keep their first-encountered order from counts.
func TopByValue(counts []MetricCount, limit int) []MetricCount {
	if limit <= 0 || len(counts) == 0 {
		return nil
	}
	ranked := make([]MetricCount, len(counts))
	copy(ranked, counts)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Value > ranked[j].Value
	})
	if limit > len(ranked) {
		limit = len(ranked)
	}
	return ranked[:limit]
}
