package profiling

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Tracker accumulates per-frame CPU time by operation name.
// A nil *Tracker is valid and records nothing.
type Tracker struct {
	mu          sync.Mutex
	frameTotals map[string]time.Duration
	frameStart  time.Time
	slowFrame   time.Duration
	frames      uint64
}

// New creates a tracker that reports frames longer than slowFrame. Zero disables reporting.
func New(slowFrame time.Duration) *Tracker {
	return &Tracker{frameTotals: make(map[string]time.Duration), slowFrame: slowFrame}
}

// Track returns a stop function that records the elapsed time under the given name.
// Usage: defer tracker.Track("viewdriver.Update")()
func (t *Tracker) Track(name string) func() {
	if t == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		d := time.Since(start)
		t.mu.Lock()
		t.frameTotals[name] += d
		t.mu.Unlock()
	}
}

// BeginFrame clears the per-frame totals.
func (t *Tracker) BeginFrame() {
	if t == nil {
		return
	}
	t.mu.Lock()
	clear(t.frameTotals)
	t.frameStart = time.Now()
	t.frames++
	t.mu.Unlock()
}

// EndFrame logs the heaviest operations when the frame ran over budget.
// It returns the frame duration.
func (t *Tracker) EndFrame() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	d := time.Since(t.frameStart)
	frame := t.frames
	t.mu.Unlock()
	if t.slowFrame > 0 && d > t.slowFrame {
		glog.Warningf("Slow frame %d: %.2fms (top: %s)", frame, float64(d.Microseconds())/1000, t.TopN(3))
	}
	return d
}

// Snapshot returns a copy of current per-frame totals.
func (t *Tracker) Snapshot() map[string]time.Duration {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Duration, len(t.frameTotals))
	for k, v := range t.frameTotals {
		out[k] = v
	}
	return out
}

// TopN formats the n largest durations of the current frame.
// Example: "viewdriver.Update:4.2ms, prepare.PrepareInMainThread:2.1ms"
func (t *Tracker) TopN(n int) string {
	ss := t.Snapshot()
	type pair struct {
		name string
		dur  time.Duration
	}
	list := make([]pair, 0, len(ss))
	for k, v := range ss {
		list = append(list, pair{name: k, dur: v})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].dur == list[j].dur {
			return list[i].name < list[j].name
		}
		return list[i].dur > list[j].dur
	})
	n = min(n, len(list))
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, list[i].name+":"+formatMs(list[i].dur))
	}
	return strings.Join(parts, ", ")
}

func formatMs(d time.Duration) string {
	ms := float64(d.Microseconds()) / 1000.0
	s := strings.TrimSuffix(fmt.Sprintf("%.1f", ms), ".0")
	return s + "ms"
}
