package bio

import (
	"sync"
)

// fakeDisk completes transfers synchronously from Strategy, or queues them
// until release while hold is set.
type fakeDisk struct {
	tab *Tab
	seq bool

	mu      sync.Mutex
	blocks  map[int64][]byte
	reads   map[int64]int
	writes  map[int64]int
	fail    map[int64]error
	hold    bool
	held    []*Buf
	openErr error
	closes  int
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{
		tab:    NewTab(0),
		blocks: make(map[int64][]byte),
		reads:  make(map[int64]int),
		writes: make(map[int64]int),
		fail:   make(map[int64]error),
	}
}

func (d *fakeDisk) Tab() *Tab {
	return d.tab
}

func (d *fakeDisk) Sequential() bool {
	return d.seq
}

func (d *fakeDisk) Open(dev Dev, flag int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openErr
}

func (d *fakeDisk) Close(dev Dev, flag int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDisk) Strategy(bp *Buf) {
	d.mu.Lock()
	if d.hold {
		d.held = append(d.held, bp)
		d.mu.Unlock()
		return
	}
	err := d.transfer(bp)
	d.mu.Unlock()
	d.tab.Done(bp, err)
}

func (d *fakeDisk) transfer(bp *Buf) error {
	data := bp.Data[:bp.Count]
	if bp.IsRead() {
		d.reads[bp.Blkno]++
	} else {
		d.writes[bp.Blkno]++
	}
	if err := d.fail[bp.Blkno]; err != nil {
		bp.Resid = bp.Count
		return err
	}
	if bp.IsRead() {
		n := copy(data, d.blocks[bp.Blkno])
		for i := n; i < len(data); i++ {
			data[i] = 0
		}
	} else {
		d.blocks[bp.Blkno] = append([]byte(nil), data...)
	}
	return nil
}

func (d *fakeDisk) setHold(hold bool) {
	d.mu.Lock()
	d.hold = hold
	d.mu.Unlock()
}

func (d *fakeDisk) nheld() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

// release completes every held transfer and stops holding.
func (d *fakeDisk) release() {
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.hold = false
	errs := make([]error, len(held))
	for i, bp := range held {
		errs[i] = d.transfer(bp)
	}
	d.mu.Unlock()
	for i, bp := range held {
		d.tab.Done(bp, errs[i])
	}
}

func (d *fakeDisk) setFail(blkno int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, blkno)
		return
	}
	d.fail[blkno] = err
}

func (d *fakeDisk) block(blkno int64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocks[blkno]
}

func (d *fakeDisk) nreads(blkno int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads[blkno]
}

func (d *fakeDisk) nwrites(blkno int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes[blkno]
}

func (d *fakeDisk) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.reads {
		n += c
	}
	for _, c := range d.writes {
		n += c
	}
	return n
}

var _ Driver = (*fakeDisk)(nil)
