package rpcinvoker

import (
	"context"
	"sync"
	"time"
)

// tickAction is the decision made on each heartbeat tick.
type tickAction int

const (
	tickSkip tickAction = iota
	tickSend
	tickRelease
)

// heartbeat owns the periodic activity loop for one invoker. The tick
// decision is pure so it can be table-tested; the loop only applies it.
type heartbeat struct {
	inv      *Invoker
	interval time.Duration
	grace    time.Duration

	mu             sync.Mutex
	paused         bool
	disconnectedAt time.Time // zero while connected
	keepAlive      bool
	started        bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func newHeartbeat(inv *Invoker, interval, grace time.Duration) *heartbeat {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &heartbeat{
		inv:      inv,
		interval: interval,
		grace:    grace,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (h *heartbeat) start() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()
	go h.run()
}

// stop joins the loop. Safe to call without start and more than once.
func (h *heartbeat) stop() {
	h.mu.Lock()
	started := h.started
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
	h.mu.Unlock()

	if started {
		<-h.doneCh
	}
}

func (h *heartbeat) run() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case now := <-ticker.C:
			action, kind := h.decide(now)
			switch action {
			case tickSkip:
			case tickRelease:
				h.inv.releaseResources()
				return
			case tickSend:
				ctx, cancel := context.WithTimeout(context.Background(), h.interval)
				h.inv.NotifyActivity(ctx, kind)
				cancel()
			}
		}
	}
}

// decide maps the current heartbeat state onto a tick action.
func (h *heartbeat) decide(now time.Time) (tickAction, ActivityKind) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.paused {
		return tickSkip, ""
	}
	if !h.disconnectedAt.IsZero() {
		if now.Sub(h.disconnectedAt) >= h.grace {
			return tickRelease, ""
		}
		return tickSkip, ""
	}
	if h.keepAlive {
		h.keepAlive = false
		return tickSend, ActivityKeepAlive
	}
	return tickSend, ActivityActive
}

func (h *heartbeat) markDisconnected(at time.Time) {
	h.mu.Lock()
	h.disconnectedAt = at
	h.mu.Unlock()
}

func (h *heartbeat) markReconnected() {
	h.mu.Lock()
	h.disconnectedAt = time.Time{}
	h.mu.Unlock()
}

func (h *heartbeat) requestKeepAlive() {
	h.mu.Lock()
	h.keepAlive = true
	h.mu.Unlock()
}

func (h *heartbeat) setPaused(v bool) {
	h.mu.Lock()
	h.paused = v
	h.mu.Unlock()
}
