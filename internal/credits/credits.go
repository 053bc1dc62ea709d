// Package credits collects the attributions of the data shown each frame.
package credits

import (
	"sort"
	"strings"
	"sync"
)

// Aggregator counts credits reported during a frame. Credits that were on
// screen in the previous frame stay available until the next frame ends.
type Aggregator struct {
	mu       sync.Mutex
	current  map[string]int
	previous []string
}

func New() *Aggregator {
	return &Aggregator{current: make(map[string]int)}
}

// Add reports one use of a credit in the current frame.
func (a *Aggregator) Add(credit string) {
	credit = strings.TrimSpace(credit)
	if credit == "" {
		return
	}
	a.mu.Lock()
	a.current[credit]++
	a.mu.Unlock()
}

// EndFrame publishes the current frame's credits, most used first.
func (a *Aggregator) EndFrame() {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.current))
	for c := range a.current {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := a.current[out[i]], a.current[out[j]]
		if ci != cj {
			return ci > cj
		}
		return out[i] < out[j]
	})
	a.previous = out
	clear(a.current)
}

// OnScreen returns the credits published by the last EndFrame.
func (a *Aggregator) OnScreen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.previous...)
}
