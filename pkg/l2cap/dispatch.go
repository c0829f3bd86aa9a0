package l2cap

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// dispatcher serializes upcalls. Requests enqueue work instead of calling a
// Handler directly so that a Handler may issue requests from inside an upcall.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      deque.Deque[func()]
	closed bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) post(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.q.PushBack(f)
	d.cond.Signal()
}

func (d *dispatcher) next(wait bool) (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for wait && d.q.Len() == 0 && !d.closed {
		d.cond.Wait()
	}
	if d.q.Len() == 0 {
		return nil, false
	}
	return d.q.PopFront(), true
}

// pump runs queued work, including work queued while pumping, and returns
// the number of items run.
func (d *dispatcher) pump() int {
	n := 0
	for {
		f, ok := d.next(false)
		if !ok {
			return n
		}
		f()
		n++
	}
}

// run blocks running work until ctx is done or the dispatcher is closed.
func (d *dispatcher) run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			d.close()
		case <-done:
		}
	}()
	for {
		f, ok := d.next(true)
		if !ok {
			return ctx.Err()
		}
		f()
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}
