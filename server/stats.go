package server

import (
	"sort"
	"sync"
	"time"
)

// StatsTracker counts routed tool calls per tool and outcome.
type StatsTracker struct {
	callsByOutcome map[string]int64
	callsByTool    map[string]int64
	failedByTool   map[string]int64
	totalLatency   time.Duration
	routedCalls    int64

	startTime time.Time
	mu        sync.RWMutex
}

type ToolStat struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	TotalCalls     int64            `json:"total_calls"`
	ByOutcome      map[string]int64 `json:"by_outcome"`
	TopTools       []ToolStat       `json:"top_tools"`
	TopFailedTools []ToolStat       `json:"top_failed_tools"`
	AvgLatency     time.Duration    `json:"avg_latency"`
	Uptime         time.Duration    `json:"uptime"`
}

func NewStatsTracker() *StatsTracker {
	return &StatsTracker{
		callsByOutcome: make(map[string]int64),
		callsByTool:    make(map[string]int64),
		failedByTool:   make(map[string]int64),
		startTime:      time.Now(),
	}
}

// RecordCall records one tools/call. Latency only counts for calls that
// reached a backend.
func (st *StatsTracker) RecordCall(tool, outcome string, latency time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.callsByOutcome[outcome]++
	st.callsByTool[tool]++
	if outcome != OutcomeOK {
		st.failedByTool[tool]++
	}
	if outcome == OutcomeOK || outcome == OutcomeFailed {
		st.routedCalls++
		st.totalLatency += latency
	}
}

func (st *StatsTracker) GetStats() StatsSnapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var total int64
	byOutcome := make(map[string]int64, len(st.callsByOutcome))
	for k, v := range st.callsByOutcome {
		byOutcome[k] = v
		total += v
	}

	var avg time.Duration
	if st.routedCalls > 0 {
		avg = st.totalLatency / time.Duration(st.routedCalls)
	}

	return StatsSnapshot{
		TotalCalls:     total,
		ByOutcome:      byOutcome,
		TopTools:       topTools(st.callsByTool, 5),
		TopFailedTools: topTools(st.failedByTool, 5),
		AvgLatency:     avg,
		Uptime:         time.Since(st.startTime),
	}
}

func topTools(counts map[string]int64, limit int) []ToolStat {
	out := make([]ToolStat, 0, len(counts))
	for name, count := range counts {
		out = append(out, ToolStat{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
