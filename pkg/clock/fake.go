package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a Clock whose time only moves when Advance is called. AfterFunc
// callbacks run synchronously inside Advance, in deadline order, so a test
// observes their effects as soon as Advance returns.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
	seq     uint64
}

type fakeTimer struct {
	clock    *Fake
	seq      uint64
	deadline time.Time
	fn       func()
	ch       chan time.Time
	interval time.Duration
	done     bool
}

// NewFake returns a Fake set to start.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that receives once the clock passes now+d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.addLocked(&fakeTimer{deadline: f.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules fn for now+d. A non-positive d runs fn immediately.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	if d <= 0 {
		fn()
		return &fakeTimer{clock: f, done: true}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{deadline: f.now.Add(d), fn: fn}
	f.addLocked(t)
	return t
}

// NewTicker returns a ticker that fires every d of fake time.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{deadline: f.now.Add(d), ch: make(chan time.Time, 1), interval: d}
	f.addLocked(t)
	return fakeTicker{t}
}

func (f *Fake) addLocked(t *fakeTimer) {
	f.seq++
	t.seq = f.seq
	t.clock = f
	f.pending = append(f.pending, t)
	f.changed.Broadcast()
}

// Advance moves the clock forward by d and fires everything that came due.
// While a timer fires, Now reports that timer's deadline, so a callback that
// schedules a follow-up timer within the advanced window sees it fire too.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		t, at := f.popDue(target)
		if t == nil {
			f.mu.Lock()
			f.now = target
			f.mu.Unlock()
			return
		}
		switch {
		case t.fn != nil:
			t.fn()
		case t.ch != nil:
			select {
			case t.ch <- at:
			default:
			}
		}
	}
}

// popDue removes and returns the earliest timer due by target, moving the
// clock to its deadline and rescheduling tickers.
func (f *Fake) popDue(target time.Time) (*fakeTimer, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sort.SliceStable(f.pending, func(i, j int) bool {
		a, b := f.pending[i], f.pending[j]
		if a.deadline.Equal(b.deadline) {
			return a.seq < b.seq
		}
		return a.deadline.Before(b.deadline)
	})
	if len(f.pending) == 0 || f.pending[0].deadline.After(target) {
		return nil, time.Time{}
	}
	t := f.pending[0]
	at := t.deadline
	if at.After(f.now) {
		f.now = at
	}
	if t.interval > 0 {
		t.deadline = t.deadline.Add(t.interval)
	} else {
		f.pending = f.pending[1:]
		t.done = true
	}
	return t, at
}

// Pending reports how many timers, tickers, and After channels are waiting.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// WaitForTimers blocks until at least n timers are pending. Tests call it
// before Advance so a goroutine that is about to register a timer is not
// raced past.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.pending) < n {
		f.changed.Wait()
	}
}

func (t *fakeTimer) Stop() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, p := range f.pending {
		if p == t {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	f.changed.Broadcast()
	return true
}

type fakeTicker struct{ t *fakeTimer }

func (k fakeTicker) C() <-chan time.Time { return k.t.ch }
func (k fakeTicker) Stop()               { k.t.Stop() }
