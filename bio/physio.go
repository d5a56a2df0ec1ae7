package bio

import (
	"sync"
	"time"

	"github.com/mit-pdos/go-journal/util"
	"golang.org/x/sys/unix"
)

// A process address space is 64 KiB of virtual memory measured in 64-byte
// clicks. Text starts at 0 and is rounded up to 8 KiB pages, data follows
// the text, and the stack grows down from the top.
const (
	ClickShift = 6
	ClickSize  = 1 << ClickShift
	NClicks    = 1024
	textRound  = 128
)

// Proc describes the address space of the process doing raw I/O. Core is
// its physical memory: the data segment followed by the stack segment.
// With Sep set, text lives in a separate instruction space and data starts
// at virtual address 0.
type Proc struct {
	TextSize  uint64 // clicks
	DataSize  uint64 // clicks
	StackSize uint64 // clicks
	Sep       bool
	Core      []byte
}

// IO is a raw transfer request: Count bytes at virtual address Base, to or
// from byte Offset of the device. The part of Offset below a block boundary
// is ignored.
type IO struct {
	Base   uint64
	Count  uint64
	Offset uint64
}

// segment checks that the request is word aligned, does not wrap, and lies
// entirely in the data or entirely in the stack segment, and returns the
// corresponding slice of core.
func (proc *Proc) segment(io IO) ([]byte, bool) {
	base, count := io.Base, io.Count
	if base&1 != 0 || count&1 != 0 || count == 0 {
		return nil, false
	}
	if util.SumOverflows(base, count) || base+count >= NClicks*ClickSize {
		return nil, false
	}
	var ts uint64
	if !proc.Sep {
		ts = util.RoundUp(proc.TextSize, textRound) * textRound
	}
	if base>>ClickShift < ts {
		return nil, false
	}
	if proc.DataSize+proc.StackSize > NClicks ||
		uint64(len(proc.Core)) < (proc.DataSize+proc.StackSize)*ClickSize {
		return nil, false
	}
	dataStart := ts * ClickSize
	dataEnd := (ts + proc.DataSize) * ClickSize
	stackStart := (NClicks - proc.StackSize) * ClickSize

	var phys uint64
	switch {
	case base+count <= dataEnd:
		phys = base - dataStart
	case base >= stackStart:
		phys = proc.DataSize*ClickSize + (base - stackStart)
	default:
		return nil, false
	}
	return proc.Core[phys : phys+count], true
}

// Physio performs raw I/O between the process's memory and dev, bypassing
// the cache. bp is a buffer owned by the device for this purpose; its zero
// value is ready to use. The request is validated before anything else is
// touched: a misaligned, wrapping, or out-of-segment request fails with
// EFAULT. Otherwise Physio waits for bp, drives it through strat, waits for
// completion, and returns the number of bytes not transferred.
func (p *Pool) Physio(strat func(*Buf), bp *Buf, dev Dev, rw Flags, proc *Proc, io IO) (uint64, error) {
	defer p.st.ops[opPhysio].Record(time.Now())
	data, ok := proc.segment(io)
	if !ok {
		return io.Count, unix.EFAULT
	}

	p.mu.Lock()
	if bp.cond == nil {
		bp.cond = sync.NewCond(&p.mu)
		bp.idx = -1
	}
	for bp.flags&Busy != 0 {
		bp.flags |= Wanted
		bp.cond.Wait()
	}
	bp.flags = Busy | Phys | rw&Read
	bp.rw = Phys | rw&Read
	bp.Dev = dev
	bp.Data = data
	bp.Blkno = int64(io.Offset / p.cfg.BlockSize)
	bp.Count = io.Count
	bp.Errno = 0
	bp.Resid = 0
	p.mu.Unlock()

	util.DPrintf(10, "physio %v: %d bytes at %d\n", bp, io.Count, io.Offset)
	strat(bp)
	return p.physWait(bp)
}

// physWait waits for the transfer on a caller-owned buffer, then frees it
// for the next raw request.
func (p *Pool) physWait(bp *Buf) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for bp.flags&Done == 0 {
		bp.cond.Wait()
	}
	if bp.flags&Wanted != 0 {
		bp.cond.Broadcast()
	}
	bp.flags &^= Busy | Wanted
	bp.Data = nil
	return bp.Resid, geterror(bp)
}

// Swap moves core to or from the swap device starting at blkno, through the
// single shared swap buffer. rdflg is Read or Write.
func (p *Pool) Swap(blkno int64, core []byte, rdflg Flags) error {
	defer p.st.ops[opSwap].Record(time.Now())
	bp := &p.swbuf
	p.mu.Lock()
	for bp.flags&Busy != 0 {
		bp.flags |= Wanted
		bp.cond.Wait()
	}
	bp.flags = Busy | Phys | rdflg&Read
	bp.rw = Phys | rdflg&Read
	bp.Dev = p.cfg.SwapDev
	bp.Blkno = blkno
	bp.Data = core
	bp.Count = uint64(len(core))
	bp.Errno = 0
	bp.Resid = 0
	p.mu.Unlock()

	p.strategy(bp)
	_, err := p.physWait(bp)
	return err
}
