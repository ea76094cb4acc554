package validation

import "container/heap"

// checkKind distinguishes the interim checkpoints (+5, +15, +60 min)
// scheduled per submission from the final 90-minute classification pass.
type checkKind int

const (
	checkInterim checkKind = iota
	checkFinal
)

// scheduledCheck is one entry in the timer wheel: a single (id, deadline)
// pair. Using one heap for every pending signal and rejection avoids the
// timer-storm problem of one goroutine-timer per submission.
type scheduledCheck struct {
	deadlineMs  int64
	recordID    string
	isRejection bool
	kind        checkKind
	index       int // heap.Interface bookkeeping
}

// timerWheel is a min-heap ordered by deadline, driven cooperatively by the
// ledger's trade-processing path rather than by per-signal timers.
type timerWheel struct {
	items []*scheduledCheck
}

func newTimerWheel() *timerWheel {
	w := &timerWheel{}
	heap.Init(w)
	return w
}

func (w *timerWheel) Len() int { return len(w.items) }
func (w *timerWheel) Less(i, j int) bool {
	return w.items[i].deadlineMs < w.items[j].deadlineMs
}
func (w *timerWheel) Swap(i, j int) {
	w.items[i], w.items[j] = w.items[j], w.items[i]
	w.items[i].index = i
	w.items[j].index = j
}
func (w *timerWheel) Push(x any) {
	c := x.(*scheduledCheck)
	c.index = len(w.items)
	w.items = append(w.items, c)
}
func (w *timerWheel) Pop() any {
	old := w.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	w.items = old[:n-1]
	return item
}

// schedule registers the four fixed checks for a submission at t0Ms:
// +5min, +15min, +60min interim checks and +90min final classification.
func (w *timerWheel) schedule(recordID string, isRejection bool, t0Ms int64) {
	offsets := []int64{5 * 60_000, 15 * 60_000, 60 * 60_000}
	for _, off := range offsets {
		heap.Push(w, &scheduledCheck{deadlineMs: t0Ms + off, recordID: recordID, isRejection: isRejection, kind: checkInterim})
	}
	heap.Push(w, &scheduledCheck{deadlineMs: t0Ms + 90*60_000, recordID: recordID, isRejection: isRejection, kind: checkFinal})
}

// due pops and returns every check whose deadline is <= nowMs, earliest
// first.
func (w *timerWheel) due(nowMs int64) []*scheduledCheck {
	var out []*scheduledCheck
	for w.Len() > 0 && w.items[0].deadlineMs <= nowMs {
		out = append(out, heap.Pop(w).(*scheduledCheck))
	}
	return out
}

// cancelAll drains the wheel, used on shutdown.
func (w *timerWheel) cancelAll() {
	w.items = nil
}
