package ember

import (
	"sync"
	"time"
)

const (
	// DefaultBottomThreshold is how close (in viewport units) the offset must
	// be to the newest-message edge to still count as "at bottom".
	DefaultBottomThreshold = 80.0

	// DefaultOffsetThrottle drops offset reports arriving faster than this,
	// so fast scrolling does not thrash the state machine.
	DefaultOffsetThrottle = 100 * time.Millisecond
)

// ScrollPositionController decides whether new arrivals auto-scroll the
// viewport or accumulate a pending-count badge.
type ScrollPositionController struct {
	mu         sync.Mutex
	atBottom   bool
	pending    int
	threshold  float64
	throttle   time.Duration
	lastReport time.Time
	viewport   Viewport
	now        func() time.Time
}

// NewScrollPositionController creates a controller pinned to the bottom.
// viewport may be nil; scroll commands are then dropped.
func NewScrollPositionController(viewport Viewport) *ScrollPositionController {
	return &ScrollPositionController{
		atBottom:  true,
		threshold: DefaultBottomThreshold,
		throttle:  DefaultOffsetThrottle,
		viewport:  viewport,
		now:       time.Now,
	}
}

// ReportOffset feeds a viewport offset (distance from the newest-message
// edge). Reports inside the throttle interval are ignored.
func (sc *ScrollPositionController) ReportOffset(offset float64) {
	sc.mu.Lock()
	now := sc.now()
	if now.Sub(sc.lastReport) < sc.throttle {
		sc.mu.Unlock()
		return
	}
	sc.lastReport = now
	sc.atBottom = offset <= sc.threshold
	if sc.atBottom {
		sc.pending = 0
	}
	sc.mu.Unlock()
}

// Arrived records a message from another participant. At the bottom it
// scrolls to the newest position; elsewhere it bumps the badge.
func (sc *ScrollPositionController) Arrived() {
	sc.mu.Lock()
	atBottom := sc.atBottom
	if !atBottom {
		sc.pending++
	}
	vp := sc.viewport
	sc.mu.Unlock()
	if atBottom && vp != nil {
		vp.ScrollToNewest()
	}
}

// OwnSend forces the viewport to the bottom regardless of prior position.
// The sender always expects to see their outgoing message.
func (sc *ScrollPositionController) OwnSend() {
	sc.mu.Lock()
	sc.atBottom = true
	sc.pending = 0
	vp := sc.viewport
	sc.mu.Unlock()
	if vp != nil {
		vp.ScrollToNewest()
	}
}

// ReturnToBottom handles an explicit jump-to-newest action.
func (sc *ScrollPositionController) ReturnToBottom() {
	sc.OwnSend()
}

// AtBottom reports whether the viewport is pinned to the newest message.
func (sc *ScrollPositionController) AtBottom() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.atBottom
}

// PendingCount returns the unseen-arrivals badge value.
func (sc *ScrollPositionController) PendingCount() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.pending
}
