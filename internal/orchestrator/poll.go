package orchestrator

import (
	"context"
	"time"
)

// poller spaces run status checks. The wait grows by factor up to max and the
// total number of waits is capped, so a run can never be polled forever even
// if the caller passes a context without a deadline.
type poller struct {
	interval    time.Duration
	maxInterval time.Duration
	factor      float64
	maxPolls    int

	polls int
}

func newPoller(interval, maxInterval time.Duration, maxPolls int) *poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxInterval < interval {
		maxInterval = interval
	}
	return &poller{interval: interval, maxInterval: maxInterval, factor: 1.5, maxPolls: maxPolls}
}

// wait blocks for the next interval. It returns false when the poll budget
// is spent and ctx.Err() when the context ends first.
func (p *poller) wait(ctx context.Context) (bool, error) {
	if p.maxPolls > 0 && p.polls >= p.maxPolls {
		return false, nil
	}
	d := p.interval
	p.polls++
	next := time.Duration(float64(p.interval) * p.factor)
	if next > p.maxInterval {
		next = p.maxInterval
	}
	p.interval = next

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
		return true, nil
	}
}

// reset restores the base interval after progress, e.g. a tool submission.
func (p *poller) reset(base time.Duration) {
	p.interval = base
}
