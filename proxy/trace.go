package proxy

import (
	"sync"
	"time"
)

// Trace stages.
const (
	StageLaunch    = "launch"
	StageHandshake = "handshake"
	StageCatalog   = "catalog"
	StageRoute     = "route"
	StageForward   = "forward"
	StageResponse  = "response"
	StageReject    = "reject"
)

// TraceEvent captures a high-level step in the routing pipeline.
type TraceEvent struct {
	Time    time.Time `json:"time"`
	Stage   string    `json:"stage"`
	Backend string    `json:"backend,omitempty"`
	Method  string    `json:"method,omitempty"`
	Tool    string    `json:"tool,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// TraceRecorder stores a bounded set of recent trace events.
// A nil recorder ignores everything.
type TraceRecorder struct {
	limit int
	mu    sync.RWMutex
	buf   []TraceEvent
}

func NewTraceRecorder(limit int) *TraceRecorder {
	if limit <= 0 {
		limit = 200
	}
	return &TraceRecorder{limit: limit}
}

func (tr *TraceRecorder) Add(event TraceEvent) {
	if tr == nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()

	event.Time = time.Now()
	tr.buf = append(tr.buf, event)
	if len(tr.buf) > tr.limit {
		tr.buf = tr.buf[len(tr.buf)-tr.limit:]
	}
}

// List returns a copy of the current trace buffer in chronological order.
func (tr *TraceRecorder) List() []TraceEvent {
	if tr == nil {
		return nil
	}
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	out := make([]TraceEvent, len(tr.buf))
	copy(out, tr.buf)
	return out
}

// Stage filters the buffer down to one stage.
func (tr *TraceRecorder) Stage(stage string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range tr.List() {
		if ev.Stage == stage {
			out = append(out, ev)
		}
	}
	return out
}
