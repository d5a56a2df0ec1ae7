// Package tm is a magnetic tape driver backed by a host file. Records are
// fixed-size blocks at offset blkno*BlockSize. The medium is sequential, so
// requests are carried out strictly in arrival order and the cache never
// defers writes to it.
package tm

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-bufcache/bio"
)

type Config struct {
	Path       string
	BlockSize  uint64 // record size; must match the pool's block size
	QueueDepth int
}

func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		BlockSize:  disk.BlockSize,
		QueueDepth: 8,
	}
}

type TM struct {
	cfg Config
	fd  int
	tab *bio.Tab
	raw bio.Buf

	// highest record written plus one; reads past it hit end of tape
	mu  sync.Mutex
	eot int64

	cmd  chan *bio.Buf
	quit chan struct{}
	wg   sync.WaitGroup
}

// New opens (creating if needed) the tape file and starts the controller.
func New(cfg Config) (*TM, error) {
	fd, err := unix.Open(cfg.Path, unix.O_RDWR|unix.O_CREAT, 0644)
	if err != nil {
		return nil, fmt.Errorf("tm: open %s: %w", cfg.Path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tm: stat %s: %w", cfg.Path, err)
	}
	t := &TM{
		cfg:  cfg,
		fd:   fd,
		tab:  bio.NewTab(cfg.QueueDepth),
		eot:  int64(util.RoundUp(uint64(st.Size), cfg.BlockSize)),
		cmd:  make(chan *bio.Buf, 1),
		quit: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.controller()
	return t, nil
}

func (t *TM) Tab() *bio.Tab {
	return t.tab
}

func (t *TM) Sequential() bool {
	return true
}

// EOT returns the number of records on the tape.
func (t *TM) EOT() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eot
}

// Only unit 0 exists.
func (t *TM) Open(dev bio.Dev, flag int) error {
	if dev.Minor() != 0 {
		return unix.ENXIO
	}
	return nil
}

func (t *TM) Close(dev bio.Dev, flag int) error {
	if dev.Minor() != 0 {
		return unix.ENXIO
	}
	return unix.Fsync(t.fd)
}

func (t *TM) Strategy(bp *bio.Buf) {
	if bp.Dev.Minor() != 0 || bp.Blkno < 0 {
		t.tab.Done(bp, unix.ENXIO)
		return
	}
	t.tab.Lock()
	t.tab.Push(bp)
	if !t.tab.Active {
		t.start()
	}
	t.tab.Unlock()
}

// Caller holds the tab lock.
func (t *TM) start() {
	bp := t.tab.Head()
	if bp == nil {
		return
	}
	t.tab.Active = true
	t.cmd <- bp
}

func (t *TM) controller() {
	defer t.wg.Done()
	for {
		select {
		case bp := <-t.cmd:
			resid, err := t.transfer(bp)
			t.tab.Lock()
			t.tab.Active = false
			t.tab.Pop()
			bp.Resid = resid
			t.start()
			t.tab.Unlock()
			t.tab.Done(bp, err)
		case <-t.quit:
			return
		}
	}
}

// transfer moves one record. A read past end of tape comes back zeroed, with
// the missing bytes reported as residual.
func (t *TM) transfer(bp *bio.Buf) (uint64, error) {
	off := bp.Blkno * int64(t.cfg.BlockSize)
	buf := bp.Data[:bp.Count]
	if bp.IsRead() {
		n, err := unix.Pread(t.fd, buf, off)
		if err != nil {
			return bp.Count, err
		}
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return bp.Count - uint64(n), nil
	}
	n, err := unix.Pwrite(t.fd, buf, off)
	if err != nil {
		return bp.Count, err
	}
	if uint64(n) < bp.Count {
		return bp.Count - uint64(n), unix.ENOSPC
	}
	nrec := int64(util.RoundUp(bp.Count, t.cfg.BlockSize))
	t.mu.Lock()
	if end := bp.Blkno + nrec; end > t.eot {
		t.eot = end
	}
	t.mu.Unlock()
	util.DPrintf(10, "tm: wrote %d bytes at record %d\n", n, bp.Blkno)
	return 0, nil
}

func (t *TM) Read(p *bio.Pool, dev bio.Dev, proc *bio.Proc, io bio.IO) (uint64, error) {
	return p.Physio(t.Strategy, &t.raw, dev, bio.Read, proc, io)
}

func (t *TM) Write(p *bio.Pool, dev bio.Dev, proc *bio.Proc, io bio.IO) (uint64, error) {
	return p.Physio(t.Strategy, &t.raw, dev, bio.Write, proc, io)
}

// Shutdown stops the controller and closes the tape file.
func (t *TM) Shutdown() error {
	close(t.quit)
	t.wg.Wait()
	return unix.Close(t.fd)
}

var _ bio.Driver = (*TM)(nil)
var _ bio.Sequential = (*TM)(nil)
