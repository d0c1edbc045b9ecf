package sink

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Action is what the live-status store should do for a record
type Action int

const (
	// ActionSkip leaves the document untouched
	ActionSkip Action = iota
	// ActionSet replaces the document after a status change
	ActionSet
	// ActionTouch refreshes PI_Timestamp as a heartbeat
	ActionTouch
)

func (a Action) String() string {
	switch a {
	case ActionSet:
		return "set"
	case ActionTouch:
		return "touch"
	default:
		return "skip"
	}
}

// Decision is a planned live-status write. A failed write must be reported
// with Abort so the heartbeat allowance is given back.
type Decision struct {
	Action      Action
	reservation *rate.Reservation
	at          time.Time
}

// Abort returns the heartbeat allowance taken by the decision
func (d Decision) Abort() {
	if d.reservation != nil {
		d.reservation.CancelAt(d.at)
	}
}

// Planner decides between a full set and a heartbeat touch. The document is
// set whenever the status differs from the last one written; otherwise it
// is touched at most once per heartbeat interval.
type Planner struct {
	mu        sync.Mutex
	previous  string
	known     bool
	heartbeat *rate.Limiter
	now       func() time.Time
}

// NewPlanner creates a planner with the given heartbeat interval
func NewPlanner(heartbeat time.Duration) *Planner {
	if heartbeat <= 0 {
		heartbeat = 5 * time.Minute
	}
	return &Planner{
		heartbeat: rate.NewLimiter(rate.Every(heartbeat), 1),
		now:       time.Now,
	}
}

// Seed sets the last status known to be stored, e.g. from a checkpoint
func (p *Planner) Seed(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if status == "" {
		return
	}
	p.previous = status
	p.known = true
}

// Plan returns the action to take for a record with the given status
func (p *Planner) Plan(status string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	r := p.take(now)

	if !p.known || status != p.previous {
		// A set refreshes PI_Timestamp too, so it counts as a heartbeat
		// when an allowance is available
		return Decision{Action: ActionSet, reservation: r, at: now}
	}

	if r == nil {
		return Decision{Action: ActionSkip}
	}
	return Decision{Action: ActionTouch, reservation: r, at: now}
}

// Commit records a successful write of status
func (p *Planner) Commit(status string) {
	p.Seed(status)
}

// take reserves a heartbeat allowance only if one is available right now
func (p *Planner) take(now time.Time) *rate.Reservation {
	r := p.heartbeat.ReserveN(now, 1)
	if !r.OK() {
		return nil
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return nil
	}
	return r
}
