package bio

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"
)

// NBUF is the default number of buffers in a pool.
const NBUF = 15

type Config struct {
	NBuf      int    // number of pool buffers
	BlockSize uint64 // payload bytes per buffer; one device block
	SwapDev   Dev    // device used by Swap
}

func DefaultConfig() Config {
	return Config{
		NBuf:      NBUF,
		BlockSize: disk.BlockSize,
		SwapDev:   NoDev,
	}
}

func (cfg Config) validate() error {
	if cfg.NBuf <= 0 {
		return fmt.Errorf("bio: NBuf must be positive, got %d", cfg.NBuf)
	}
	if cfg.BlockSize == 0 || cfg.BlockSize%2 != 0 {
		return fmt.Errorf("bio: BlockSize must be positive and even, got %d", cfg.BlockSize)
	}
	return nil
}

// A Pool is a fixed set of buffers shared by every user of the block
// devices in its device switch. Buffers are never created or destroyed after
// New, only renamed.
//
// mu stands in for masking the completion interrupt: it protects all list
// links and flags, is held only for short fixed-size sections, and is never
// held across a driver call.
type Pool struct {
	mu sync.Mutex

	cfg   Config
	bufs  []*Buf
	links []link

	// the availability sentinel; its slot is also the head of the
	// association list of unassigned buffers
	freeWanted bool
	freeCond   *sync.Cond

	devsw []Driver
	swbuf Buf

	st poolStats
}

// New initializes a pool: binds every buffer to its payload, threads it onto
// the unassigned association list, and releases it onto the availability
// list. Each driver's association list starts empty and its Tab is attached
// to the pool. drivers is indexed by major number; nil entries are allowed
// but any use of them halts.
func New(cfg Config, drivers ...Driver) *Pool {
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	p := &Pool{
		cfg:   cfg,
		bufs:  make([]*Buf, cfg.NBuf),
		links: make([]link, cfg.NBuf+1+len(drivers)),
		devsw: drivers,
	}
	p.freeCond = sync.NewCond(&p.mu)
	p.swbuf.idx = -1
	p.swbuf.cond = sync.NewCond(&p.mu)

	p.selfLink(p.freeHead())
	for i, d := range drivers {
		head := p.freeHead() + 1 + i
		p.selfLink(head)
		if d == nil || d.Tab() == nil {
			continue
		}
		tab := d.Tab()
		if tab.pool != nil && tab.pool != p {
			panic("bio: device tab attached to another pool")
		}
		tab.pool = p
		tab.head = head
	}

	for i := range p.bufs {
		bp := &Buf{
			Dev:   NoDev,
			Blkno: NoBlock,
			Data:  make([]byte, cfg.BlockSize),
			idx:   i,
			cond:  sync.NewCond(&p.mu),
		}
		p.bufs[i] = bp
		p.mu.Lock()
		p.linkAssoc(i, p.freeHead())
		bp.flags = Busy
		p.mu.Unlock()
		p.Brelse(bp)
	}
	util.DPrintf(1, "bio: %d buffers of %d bytes, %d block devices\n",
		cfg.NBuf, cfg.BlockSize, len(drivers))
	return p
}

func (p *Pool) Config() Config {
	return p.cfg
}

// NDev returns the number of entries in the device switch.
func (p *Pool) NDev() int {
	return len(p.devsw)
}

// driver looks up the switch entry for dev. A major number beyond the
// switch or an empty entry is a configuration fault and halts.
func (p *Pool) driver(dev Dev) Driver {
	major := dev.Major()
	if dev < 0 || major >= len(p.devsw) {
		panic("blkdev")
	}
	d := p.devsw[major]
	if d == nil || d.Tab() == nil {
		panic("devtab")
	}
	return d
}

// assocHead returns the association list head for dev.
func (p *Pool) assocHead(dev Dev) int {
	if dev == NoDev {
		return p.freeHead()
	}
	return p.driver(dev).Tab().head
}

// Open and Close route to the device's driver. Close first writes back the
// device's deferred writes.
func (p *Pool) Open(dev Dev, flag int) error {
	if err := p.driver(dev).Open(dev, flag); err != nil {
		return fmt.Errorf("open %v: %w", dev, err)
	}
	return nil
}

func (p *Pool) Close(dev Dev, flag int) error {
	d := p.driver(dev)
	p.Bflush(dev)
	if err := d.Close(dev, flag); err != nil {
		return fmt.Errorf("close %v: %w", dev, err)
	}
	return nil
}

func (p *Pool) isSequential(dev Dev) bool {
	s, ok := p.driver(dev).(Sequential)
	return ok && s.Sequential()
}
