package crawler

import (
	"sort"
	"time"
)

// TopErrorLimit is the number of most frequent error messages reported in Stats.
const TopErrorLimit = 5

// ComputeStats derives Stats from a full snapshot of the frontier.
func ComputeStats(entries []FrontierEntry, now time.Time, maxRetries int) Stats {
	var (
		stats      Stats
		latencySum int64
		latencyN   int64
		errorFreq  = make(map[string]int64)
	)
	for _, e := range entries {
		stats.Total++
		if e.Done {
			stats.Done++
		} else {
			stats.Pending++
			if e.NumRetries >= maxRetries {
				stats.Exhausted++
			}
		}
		if len(e.Errors) > 0 {
			stats.WithErrors++
		}
		for _, msg := range e.Errors {
			stats.TotalErrors++
			errorFreq[msg]++
		}
		if e.Done && e.FetchDurationMs != nil {
			latencySum += *e.FetchDurationMs
			latencyN++
		}
	}
	if latencyN > 0 {
		stats.AvgFetchLatencyMs = float64(latencySum) / float64(latencyN)
	}
	stats.TopErrors = topErrors(errorFreq, TopErrorLimit)

	for _, window := range StatsWindows {
		since := now.Add(-window)
		wc := WindowCounts{Window: window}
		for _, e := range entries {
			if e.DateFinished != nil && !e.DateFinished.Before(since) {
				wc.Successes++
			}
			if e.LastErrorAt != nil && !e.LastErrorAt.Before(since) {
				wc.Errors++
			}
		}
		stats.Recent = append(stats.Recent, wc)
	}
	return stats
}

func topErrors(freq map[string]int64, limit int) []ErrorCount {
	out := make([]ErrorCount, 0, len(freq))
	for msg, n := range freq {
		out = append(out, ErrorCount{Message: msg, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
