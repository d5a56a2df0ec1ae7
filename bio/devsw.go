package bio

import (
	"sync"
)

// A Driver is the only link between the cache and a block device. Strategy
// queues bp and starts the device if it is idle; the driver reports the
// outcome exactly once through Tab().Done.
type Driver interface {
	Open(dev Dev, flag int) error
	Close(dev Dev, flag int) error
	Strategy(bp *Buf)
	Tab() *Tab
}

// Sequential is implemented by drivers whose medium requires writes to
// reach it in the order they were requested (tapes). Deferred writes to such
// devices are started immediately instead.
type Sequential interface {
	Sequential() bool
}

// Tab is the per-device queue head. The queue is private to the driver;
// the pool only uses the association-list head it assigns on attach and the
// completion path in Done.
type Tab struct {
	mu      sync.Mutex
	nonfull *sync.Cond

	Active bool // device busy
	ErrCnt int  // retries of the request at the head

	q     []*Buf
	depth int

	head int // arena slot of this device's association list
	pool *Pool
}

// NewTab returns a queue head whose work queue holds at most depth
// requests; depth <= 0 means unbounded.
func NewTab(depth int) *Tab {
	t := &Tab{depth: depth, head: -1}
	t.nonfull = sync.NewCond(&t.mu)
	return t
}

func (t *Tab) Lock() {
	t.mu.Lock()
}

func (t *Tab) Unlock() {
	t.mu.Unlock()
}

// Push appends bp to the work queue, waiting for room if the queue is at
// its depth. Caller holds the tab lock.
func (t *Tab) Push(bp *Buf) {
	for t.depth > 0 && len(t.q) >= t.depth {
		t.nonfull.Wait()
	}
	t.q = append(t.q, bp)
}

// Head returns the request being serviced, or nil. Caller holds the tab
// lock.
func (t *Tab) Head() *Buf {
	if len(t.q) == 0 {
		return nil
	}
	return t.q[0]
}

// Pop removes the head request. Caller holds the tab lock.
func (t *Tab) Pop() *Buf {
	if len(t.q) == 0 {
		return nil
	}
	bp := t.q[0]
	t.q[0] = nil
	t.q = t.q[1:]
	t.nonfull.Signal()
	return bp
}

func (t *Tab) Len() int {
	return len(t.q)
}

// Done hands a finished transfer back to the cache. err, if non-nil, marks
// the transfer failed; a unix.Errno anywhere in its chain becomes the
// buffer's specific error code. Must be called without the tab lock held.
func (t *Tab) Done(bp *Buf, err error) {
	if t.pool == nil {
		panic("devtab")
	}
	t.pool.Iodone(bp, err)
}
