package reminder

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type timerEntry struct {
	jobID string
	at    time.Time
}

type entryHeap []timerEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(timerEntry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// Timer fires job ids at their trigger times from a single goroutine that
// sleeps until the earliest entry is due. Cancellation is lazy: cancelled or
// rescheduled entries stay in the heap and are skipped when they surface,
// because pending holds only the latest trigger time per job.
type Timer struct {
	Fire func(jobID string)
	Now  func() time.Time

	mu      sync.Mutex
	entries entryHeap
	pending map[string]time.Time
	wake    chan struct{}
}

func NewTimer(fire func(jobID string)) *Timer {
	return &Timer{
		Fire:    fire,
		Now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[string]time.Time),
		wake:    make(chan struct{}, 1),
	}
}

func (t *Timer) Schedule(jobID string, at time.Time) {
	t.mu.Lock()
	t.pending[jobID] = at
	heap.Push(&t.entries, timerEntry{jobID: jobID, at: at})
	t.mu.Unlock()
	t.notify()
}

func (t *Timer) Cancel(jobID string) {
	t.mu.Lock()
	delete(t.pending, jobID)
	t.mu.Unlock()
	t.notify()
}

func (t *Timer) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, firing due jobs as their times arrive.
func (t *Timer) Run(ctx context.Context) {
	for {
		due, wait, ok := t.next()
		if ok {
			go t.Fire(due)
			continue
		}

		var timerC <-chan time.Time
		if wait > 0 {
			timer := time.NewTimer(wait)
			timerC = timer.C
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-t.wake:
				timer.Stop()
			case <-timerC:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		}
	}
}

// next pops the earliest due job, or reports how long to wait for the
// earliest live entry. Stale entries are discarded as they surface.
func (t *Timer) next() (jobID string, wait time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.Now()
	for t.entries.Len() > 0 {
		top := t.entries[0]
		at, live := t.pending[top.jobID]
		if !live || !at.Equal(top.at) {
			heap.Pop(&t.entries)
			continue
		}
		if top.at.After(now) {
			return "", top.at.Sub(now), false
		}
		heap.Pop(&t.entries)
		delete(t.pending, top.jobID)
		return top.jobID, 0, true
	}
	return "", 0, false
}
