// Package rk is a moving-head disk driver for the buffer cache. Each minor
// device is one drive backed by a disk.Disk; a controller goroutine plays
// the part of the hardware, raising a completion interrupt after every
// transfer.
package rk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-bufcache/bio"
)

type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (op Op) String() string {
	if op == OpRead {
		return "read"
	}
	return "write"
}

// ErrTransient is a failure the controller may clear by retrying the
// transfer.
var ErrTransient = errors.New("rk: transient error")

// A FaultFunc is consulted before every block the controller transfers; a
// non-nil result fails the transfer.
type FaultFunc func(op Op, dev bio.Dev, blkno uint64) error

type Config struct {
	QueueDepth int // pending requests before Strategy waits; <= 0 for no limit
	MaxRetries int // retries of a transient failure before it is reported
}

func DefaultConfig() Config {
	return Config{
		QueueDepth: 32,
		MaxRetries: 10,
	}
}

type RK struct {
	cfg    Config
	drives []disk.Disk
	tab    *bio.Tab
	raw    bio.Buf // reserved for raw I/O

	mu    sync.Mutex
	fault FaultFunc

	cmd  chan *bio.Buf
	quit chan struct{}
	wg   sync.WaitGroup
}

// New starts a controller for drives, indexed by minor number. Blocks are
// disk.BlockSize bytes, so pools using RK should keep the default block
// size.
func New(cfg Config, drives ...disk.Disk) *RK {
	rk := &RK{
		cfg:    cfg,
		drives: drives,
		tab:    bio.NewTab(cfg.QueueDepth),
		cmd:    make(chan *bio.Buf, 1),
		quit:   make(chan struct{}),
	}
	rk.wg.Add(1)
	go rk.controller()
	return rk
}

func (rk *RK) Tab() *bio.Tab {
	return rk.tab
}

func (rk *RK) SetFault(f FaultFunc) {
	rk.mu.Lock()
	rk.fault = f
	rk.mu.Unlock()
}

func (rk *RK) getFault() FaultFunc {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	return rk.fault
}

func (rk *RK) drive(dev bio.Dev) (disk.Disk, error) {
	m := dev.Minor()
	if m >= len(rk.drives) || rk.drives[m] == nil {
		return nil, unix.ENXIO
	}
	return rk.drives[m], nil
}

func (rk *RK) Open(dev bio.Dev, flag int) error {
	_, err := rk.drive(dev)
	return err
}

func (rk *RK) Close(dev bio.Dev, flag int) error {
	d, err := rk.drive(dev)
	if err != nil {
		return err
	}
	d.Barrier()
	return nil
}

// Strategy queues bp and starts the controller if it is idle. A request
// naming a missing drive or running off the end of the drive fails at once.
func (rk *RK) Strategy(bp *bio.Buf) {
	if err := rk.check(bp); err != nil {
		rk.tab.Done(bp, err)
		return
	}
	rk.tab.Lock()
	rk.tab.Push(bp)
	if !rk.tab.Active {
		rk.start()
	}
	rk.tab.Unlock()
}

func (rk *RK) check(bp *bio.Buf) error {
	d, err := rk.drive(bp.Dev)
	if err != nil {
		return err
	}
	nblk := (bp.Count + disk.BlockSize - 1) / disk.BlockSize
	if bp.Blkno < 0 || util.SumOverflows(uint64(bp.Blkno), nblk) ||
		uint64(bp.Blkno)+nblk > d.Size() {
		return fmt.Errorf("rk %v: block %d+%d beyond end of drive", bp.Dev, bp.Blkno, nblk)
	}
	return nil
}

// start hands the head of the queue to the controller. Caller holds the tab
// lock.
func (rk *RK) start() {
	bp := rk.tab.Head()
	if bp == nil {
		return
	}
	rk.tab.Active = true
	rk.cmd <- bp
}

func (rk *RK) controller() {
	defer rk.wg.Done()
	for {
		select {
		case bp := <-rk.cmd:
			resid, err := rk.transfer(bp)
			rk.intr(bp, resid, err)
		case <-rk.quit:
			return
		}
	}
}

// transfer moves bp.Count bytes between bp.Data and the drive, a block at a
// time, and returns the number of bytes not moved.
func (rk *RK) transfer(bp *bio.Buf) (uint64, error) {
	d, err := rk.drive(bp.Dev)
	if err != nil {
		return bp.Count, err
	}
	op := OpWrite
	if bp.IsRead() {
		op = OpRead
	}
	fault := rk.getFault()
	var done uint64
	for done < bp.Count {
		blkno := uint64(bp.Blkno) + done/disk.BlockSize
		if fault != nil {
			if err := fault(op, bp.Dev, blkno); err != nil {
				return bp.Count - done, err
			}
		}
		n := util.Min(disk.BlockSize, bp.Count-done)
		chunk := bp.Data[done : done+n]
		switch {
		case op == OpRead:
			copy(chunk, d.Read(blkno))
		case n == disk.BlockSize:
			blk := make(disk.Block, disk.BlockSize)
			copy(blk, chunk)
			d.Write(blkno, blk)
		default:
			blk := d.Read(blkno)
			copy(blk, chunk)
			d.Write(blkno, blk)
		}
		done += n
	}
	return 0, nil
}

// intr is the completion interrupt: retry a transient failure a bounded
// number of times, otherwise retire the request and start the next one.
func (rk *RK) intr(bp *bio.Buf, resid uint64, err error) {
	rk.tab.Lock()
	rk.tab.Active = false
	if err != nil && errors.Is(err, ErrTransient) {
		rk.tab.ErrCnt++
		if rk.tab.ErrCnt <= rk.cfg.MaxRetries {
			util.DPrintf(5, "rk %v: retry %d block %d: %v\n", bp.Dev, rk.tab.ErrCnt, bp.Blkno, err)
			rk.start()
			rk.tab.Unlock()
			return
		}
	}
	rk.tab.ErrCnt = 0
	rk.tab.Pop()
	bp.Resid = resid
	rk.start()
	rk.tab.Unlock()
	rk.tab.Done(bp, err)
}

// Read and Write perform raw I/O between proc's memory and dev through the
// driver's reserved buffer.
func (rk *RK) Read(p *bio.Pool, dev bio.Dev, proc *bio.Proc, io bio.IO) (uint64, error) {
	return p.Physio(rk.Strategy, &rk.raw, dev, bio.Read, proc, io)
}

func (rk *RK) Write(p *bio.Pool, dev bio.Dev, proc *bio.Proc, io bio.IO) (uint64, error) {
	return p.Physio(rk.Strategy, &rk.raw, dev, bio.Write, proc, io)
}

// Shutdown stops the controller. Requests still queued are abandoned.
func (rk *RK) Shutdown() {
	close(rk.quit)
	rk.wg.Wait()
}

var _ bio.Driver = (*RK)(nil)
