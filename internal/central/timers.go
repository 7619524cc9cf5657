package central

import (
	"time"

	"github.com/benbjohnson/clock"
)

// timer is one rearmable timer slot. Arming bumps a generation and hands it
// to the callback; the holder revalidates the generation under its own lock
// before acting, so a callback that lost the race to a cancel or a rearm
// becomes a no-op. All methods must be called under the owning peer's lock;
// the scheduled callback itself runs without it.
type timer struct {
	clk clock.Clock
	t   *clock.Timer
	gen uint64
}

func newTimer(clk clock.Clock) timer {
	return timer{clk: clk}
}

// arm cancels any scheduled callback and schedules fn after d. fn receives
// the generation to revalidate with current.
func (tm *timer) arm(d time.Duration, fn func(gen uint64)) {
	tm.cancel()
	g := tm.gen
	tm.t = tm.clk.AfterFunc(d, func() { fn(g) })
}

// cancel invalidates the scheduled callback. Cancelling an unarmed or
// already-fired timer is a no-op.
func (tm *timer) cancel() {
	tm.gen++
	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
}

// current reports whether gen is still the live generation.
func (tm *timer) current(gen uint64) bool {
	return tm.gen == gen
}
