package metrics

import "time"

// knownProcessStates lists every value ProcessState can take, so collect()
// can zero out the ones that are not currently active.
var knownProcessStates = []string{"stopped", "running", "terminating", "dead"}

// Collector periodically samples gauges from the running agent. It is
// deliberately decoupled from the Coordinator/Executor types via plain
// closures, to avoid a package import cycle.
type Collector struct {
	stopCh       chan struct{}
	isLeader     func() bool
	podsTotal    func() int
	processState func() string
	queueDepth   func() int
}

// NewCollector builds a Collector. Any closure may be nil, in which case the
// corresponding metric is left untouched.
func NewCollector(isLeader func() bool, podsTotal func() int, processState func() string, queueDepth func() int) *Collector {
	return &Collector{
		stopCh:       make(chan struct{}),
		isLeader:     isLeader,
		podsTotal:    podsTotal,
		processState: processState,
		queueDepth:   queueDepth,
	}
}

// Start begins sampling on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.isLeader != nil {
		if c.isLeader() {
			IsLeader.Set(1)
		} else {
			IsLeader.Set(0)
		}
	}

	if c.podsTotal != nil {
		PodsTotal.Set(float64(c.podsTotal()))
	}

	if c.processState != nil {
		current := c.processState()
		for _, state := range knownProcessStates {
			if state == current {
				ProcessState.WithLabelValues(state).Set(1)
			} else {
				ProcessState.WithLabelValues(state).Set(0)
			}
		}
	}

	if c.queueDepth != nil {
		ExecutorQueueDepth.Set(float64(c.queueDepth()))
	}
}
