package journal

import (
	"container/heap"
	"context"
	"time"
)

// Post-exit captures are timer entries on one priority queue rather than a
// goroutine per trade, so scheduler pressure stays proportional to open
// captures. Pending timers are dropped on restart.

// Window labels are fixed; captureWindows only controls when the timers
// fire, so the store always sees the +60/+300/+900 columns.
var captureWindowSeconds = [3]int{60, 300, 900}

type captureEntry struct {
	at      time.Time
	entryID string
	windowS int
	idx     int
}

type captureHeap []captureEntry

func (h captureHeap) Len() int            { return len(h) }
func (h captureHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h captureHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *captureHeap) Push(x interface{}) { *h = append(*h, x.(captureEntry)) }

func (h *captureHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

type captureState struct {
	coin      string
	exitPrice float64
	prices    [3]float64
	got       [3]bool
	remaining int
}

// maxCaptured returns the highest post-exit price observed, if any window
// produced one.
func (st *captureState) maxCaptured() (float64, bool) {
	var best float64
	any := false
	for i := range st.prices {
		if st.got[i] && (!any || st.prices[i] > best) {
			best = st.prices[i]
			any = true
		}
	}
	return best, any
}

// SchedulePostTradeCapture arms the +1/+5/+15 minute price captures for a
// journaled exit. When the last window fires, missed profit is recorded as
// the best post-exit price minus the exit price; a negative value means the
// exit left nothing on the table.
func (j *Journal) SchedulePostTradeCapture(tr TradeResult) {
	j.captureMu.Lock()
	j.captures[tr.EntryID] = &captureState{
		coin:      tr.Coin,
		exitPrice: tr.ExitPrice,
		remaining: len(j.captureWindows),
	}
	for i, w := range j.captureWindows {
		heap.Push(&j.timers, captureEntry{
			at:      tr.ExitTime.Add(w),
			entryID: tr.EntryID,
			windowS: captureWindowSeconds[i],
			idx:     i,
		})
	}
	j.captureMu.Unlock()

	select {
	case j.captureWake <- struct{}{}:
	default:
	}
}

func (j *Journal) captureLoop() {
	defer j.wg.Done()
	for {
		j.captureMu.Lock()
		wait := time.Hour
		if j.timers.Len() > 0 {
			wait = time.Until(j.timers[0].at)
		}
		j.captureMu.Unlock()

		if wait <= 0 {
			j.captureDue()
			continue
		}
		select {
		case <-j.stopChan:
			return
		case <-j.captureWake:
		case <-time.After(wait):
			j.captureDue()
		}
	}
}

// captureDue fires every timer whose deadline has passed and enqueues the
// resulting journal updates.
func (j *Journal) captureDue() {
	now := time.Now()
	var ops []queuedOp

	j.captureMu.Lock()
	for j.timers.Len() > 0 && !j.timers[0].at.After(now) {
		e := heap.Pop(&j.timers).(captureEntry)
		st, ok := j.captures[e.entryID]
		if !ok {
			continue
		}
		st.remaining--

		price, live := j.snapshotPrice(st.coin)
		if live {
			st.prices[e.idx] = price
			st.got[e.idx] = true
			if j.repo != nil {
				id, window, p := e.entryID, e.windowS, price
				ops = append(ops, queuedOp{
					label: "update post-exit price",
					run: func(ctx context.Context) error {
						return j.repo.UpdatePostExitPrice(ctx, id, window, p)
					},
				})
			}
		} else {
			j.logger.Warn().
				Str("coin", st.coin).
				Str("position_id", e.entryID).
				Int("window_s", e.windowS).
				Msg("No price for post-exit capture")
		}

		if st.remaining == 0 {
			if best, any := st.maxCaptured(); any && j.repo != nil {
				id, missed := e.entryID, best-st.exitPrice
				ops = append(ops, queuedOp{
					label: "update missed profit",
					run: func(ctx context.Context) error {
						return j.repo.UpdateMissedProfit(ctx, id, missed)
					},
				})
			}
			delete(j.captures, e.entryID)
		}
	}
	j.captureMu.Unlock()

	for _, op := range ops {
		j.enqueue(op.label, op.run)
	}
}

func (j *Journal) snapshotPrice(coin string) (float64, bool) {
	if j.prices == nil {
		return 0, false
	}
	return j.prices.GetPrice(coin)
}
