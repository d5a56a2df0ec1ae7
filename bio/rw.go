package bio

import (
	"errors"
	"time"

	"github.com/mit-pdos/go-journal/util"
	"golang.org/x/sys/unix"
)

// start prepares bp, which the caller owns, for a transfer in direction rw.
// Caller holds p.mu.
func (p *Pool) start(bp *Buf, rw Flags) {
	bp.flags |= rw
	bp.rw = rw
	bp.Count = p.cfg.BlockSize
	bp.Errno = 0
	bp.Resid = 0
}

func (p *Pool) strategy(bp *Buf) {
	util.DPrintf(10, "strategy %v\n", bp)
	p.driver(bp.Dev).Strategy(bp)
}

// Bread returns a busy buffer holding block blkno of dev, reading it in if
// the cache does not already have it. The buffer is returned even on error;
// the caller must release it either way.
func (p *Pool) Bread(dev Dev, blkno int64) (*Buf, error) {
	defer p.st.ops[opBread].Record(time.Now())
	bp := p.Getblk(dev, blkno)
	p.mu.Lock()
	if bp.flags&Done != 0 {
		p.mu.Unlock()
		return bp, nil
	}
	p.start(bp, Read)
	p.mu.Unlock()
	p.strategy(bp)
	return bp, p.Iowait(bp)
}

// Breada is Bread that also starts an asynchronous read of rablkno, the
// block expected to be wanted next. The read-ahead buffer is not returned to
// the caller; it is released when its read completes. rablkno <= 0 means
// no read-ahead.
func (p *Pool) Breada(dev Dev, blkno, rablkno int64) (*Buf, error) {
	defer p.st.ops[opBreada].Record(time.Now())
	var bp *Buf
	if p.Incore(dev, blkno) == nil {
		bp = p.Getblk(dev, blkno)
		p.mu.Lock()
		if bp.flags&Done == 0 {
			p.start(bp, Read)
			p.mu.Unlock()
			p.strategy(bp)
		} else {
			p.mu.Unlock()
		}
	}
	if rablkno > 0 && p.Incore(dev, rablkno) == nil {
		// never wait here: the caller may hold the buffers Getblk would
		// wait for
		if rabp := p.getblk(dev, rablkno, false); rabp != nil {
			p.mu.Lock()
			if rabp.flags&Done != 0 {
				p.mu.Unlock()
				p.Brelse(rabp)
			} else {
				p.start(rabp, Read)
				rabp.flags |= Async
				p.mu.Unlock()
				p.st.events[evReadAhead].Inc()
				p.strategy(rabp)
			}
		}
	}
	if bp == nil {
		return p.Bread(dev, blkno)
	}
	return bp, p.Iowait(bp)
}

// Bwrite writes bp to its device. Unless bp is marked Async it waits for the
// transfer, releases the buffer and returns the device's verdict; an async
// write returns at once and is released by Iodone.
func (p *Pool) Bwrite(bp *Buf) error {
	defer p.st.ops[opBwrite].Record(time.Now())
	p.mu.Lock()
	flag := bp.flags
	bp.flags &^= Read | Done | Error | Delwri
	p.start(bp, Write)
	p.mu.Unlock()
	p.strategy(bp)
	if flag&Async != 0 {
		return nil
	}
	err := p.Iowait(bp)
	p.Brelse(bp)
	return err
}

// Bawrite starts writing bp and releases it on completion without waiting.
func (p *Pool) Bawrite(bp *Buf) {
	p.mu.Lock()
	bp.flags |= Async
	p.mu.Unlock()
	p.Bwrite(bp)
}

// Bdwrite releases bp marked so that it is written out before the buffer is
// reused or when the device is flushed, on the assumption that another
// write to the same block follows soon. Devices that must see writes in
// order get an immediate asynchronous write instead. A NoDev buffer has
// nowhere to go and is just released.
func (p *Pool) Bdwrite(bp *Buf) {
	if bp.Dev == NoDev {
		p.Brelse(bp)
		return
	}
	if p.isSequential(bp.Dev) {
		p.Bawrite(bp)
		return
	}
	p.mu.Lock()
	bp.flags |= Delwri | Done
	p.mu.Unlock()
	p.Brelse(bp)
}

// Brelse releases bp with no I/O implied.
func (p *Pool) Brelse(bp *Buf) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.brelse(bp)
}

// brelse wakes anyone waiting for bp or for any buffer, forgets bp's name if
// its last transfer failed, and appends it to the availability list. Caller
// holds p.mu.
func (p *Pool) brelse(bp *Buf) {
	if bp.idx < 0 {
		panic("brelse: buffer not in pool")
	}
	if bp.flags&Busy == 0 {
		panic("brelse: buffer not busy")
	}
	if bp.flags&Wanted != 0 {
		bp.cond.Broadcast()
	}
	if p.freeWanted {
		p.freeWanted = false
		p.freeCond.Broadcast()
	}
	if bp.flags&Error != 0 {
		bp.Blkno = NoBlock
	}
	bp.flags &^= Wanted | Busy | Async
	p.appendAvail(bp)
}

// Iowait waits for the transfer on bp to finish and returns its error.
func (p *Pool) Iowait(bp *Buf) error {
	p.mu.Lock()
	for bp.flags&Done == 0 {
		bp.cond.Wait()
	}
	err := geterror(bp)
	p.mu.Unlock()
	return err
}

// Iodone marks the transfer on bp finished. An asynchronous buffer is
// released; otherwise its waiter is woken. Drivers reach it through
// Tab.Done.
func (p *Pool) Iodone(bp *Buf, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		bp.flags |= Error
		var errno unix.Errno
		if errors.As(err, &errno) {
			bp.Errno = errno
		}
		p.st.events[evIOError].Inc()
		util.DPrintf(1, "iodone %v: %v\n", bp, err)
	}
	bp.flags |= Done
	if bp.flags&Async != 0 {
		p.brelse(bp)
	} else {
		bp.flags &^= Wanted
		bp.cond.Broadcast()
	}
}

// Geterror returns the error of bp's last transfer: its specific code if the
// driver supplied one, else EIO.
func (p *Pool) Geterror(bp *Buf) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return geterror(bp)
}

func geterror(bp *Buf) error {
	if bp.flags&Error == 0 {
		return nil
	}
	if bp.Errno != 0 {
		return bp.Errno
	}
	return unix.EIO
}

// Clrbuf zeroes the payload of bp, which the caller owns.
func (p *Pool) Clrbuf(bp *Buf) {
	for i := range bp.Data {
		bp.Data[i] = 0
	}
}

// Flags returns a snapshot of bp's flags.
func (p *Pool) Flags(bp *Buf) Flags {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bp.flags
}

// Bflush starts writing every deferred-write buffer of dev, or of all devices
// if dev is NoDev. The scan restarts from the head after each write since
// the list changes under it.
func (p *Pool) Bflush(dev Dev) {
	defer p.st.ops[opBflush].Record(time.Now())
	for {
		var bp *Buf
		p.mu.Lock()
		p.walkAvail(func(b *Buf) bool {
			if b.flags&Delwri != 0 && (dev == NoDev || dev == b.Dev) {
				bp = b
				return false
			}
			return true
		})
		if bp == nil {
			p.mu.Unlock()
			return
		}
		bp.flags |= Async
		p.notavail(bp)
		p.mu.Unlock()
		util.DPrintf(5, "bflush %v: %v\n", dev, bp)
		p.Bwrite(bp)
	}
}
