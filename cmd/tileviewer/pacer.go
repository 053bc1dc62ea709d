package main

import (
	"runtime"
	"time"
)

// pacerSlack is how close to the deadline the pacer stops sleeping and
// yields instead.
const pacerSlack = 250 * time.Microsecond

// framePacer holds the frame loop to a fixed rate.
type framePacer struct {
	interval time.Duration
	due      time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// newFramePacer paces to fps frames per second; zero or less turns pacing off.
func newFramePacer(fps int) *framePacer {
	p := &framePacer{now: time.Now, sleep: time.Sleep}
	if fps > 0 {
		p.interval = time.Second / time.Duration(fps)
	}
	return p
}

// Wait returns when the next frame slot opens. A frame that overruns its
// slot by more than an interval restarts the schedule from now.
func (p *framePacer) Wait() {
	if p.interval == 0 {
		return
	}
	p.due = p.due.Add(p.interval)
	if now := p.now(); p.due.Before(now.Add(-p.interval)) {
		p.due = now
		return
	}
	if d := p.due.Sub(p.now()); d > pacerSlack {
		p.sleep(d - pacerSlack)
	}
	for p.now().Before(p.due) {
		runtime.Gosched()
	}
}
