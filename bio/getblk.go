package bio

import (
	"time"

	"github.com/mit-pdos/go-journal/util"
)

// lookup finds the buffer named (dev, blkno) on the association list at
// head. Invalidated buffers never match. Caller holds p.mu.
func (p *Pool) lookup(head int, dev Dev, blkno int64) *Buf {
	var found *Buf
	p.walkAssoc(head, func(bp *Buf) bool {
		if bp.Blkno == blkno && bp.Blkno != NoBlock && bp.Dev == dev {
			found = bp
			return false
		}
		return true
	})
	return found
}

func checkBlkno(blkno int64) {
	if blkno < 0 {
		panic("getblk: negative block number")
	}
}

// Incore reports the buffer currently named (dev, blkno), or nil. It never
// blocks and never evicts; the buffer may be busy and may be renamed as
// soon as Incore returns.
func (p *Pool) Incore(dev Dev, blkno int64) *Buf {
	checkBlkno(blkno)
	head := p.assocHead(dev)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookup(head, dev, blkno)
}

// Getblk returns the buffer for (dev, blkno), marked busy so no one else can
// touch it. If the block is already associated with a buffer no I/O is
// needed; if that buffer is busy Getblk waits until it is released.
// Otherwise the least recently released buffer, on any device, is renamed.
// A victim holding a deferred write is started asynchronously and passed
// over. Getblk with NoDev hands out a buffer with no device association.
func (p *Pool) Getblk(dev Dev, blkno int64) *Buf {
	defer p.st.ops[opGetblk].Record(time.Now())
	return p.getblk(dev, blkno, true)
}

// getblk is Getblk; without wait it returns nil instead of sleeping on a
// busy buffer or an empty availability list.
func (p *Pool) getblk(dev Dev, blkno int64, wait bool) *Buf {
	checkBlkno(blkno)
	head := p.assocHead(dev)

	p.mu.Lock()
	for {
		if dev != NoDev {
			if bp := p.lookup(head, dev, blkno); bp != nil {
				if bp.flags&Busy != 0 {
					if !wait {
						p.mu.Unlock()
						return nil
					}
					bp.flags |= Wanted
					bp.cond.Wait()
					continue
				}
				p.notavail(bp)
				p.mu.Unlock()
				p.st.events[evHit].Inc()
				return bp
			}
		}

		if p.availEmpty() {
			if !wait {
				p.mu.Unlock()
				return nil
			}
			p.freeWanted = true
			p.freeCond.Wait()
			continue
		}

		bp := p.bufs[p.links[p.freeHead()].avForw]
		p.notavail(bp)
		if bp.flags&Delwri != 0 {
			bp.flags |= Async
			p.mu.Unlock()
			util.DPrintf(5, "getblk %v:%d: flush delayed write %v\n", dev, blkno, bp)
			p.st.events[evDelwriEvict].Inc()
			p.Bwrite(bp)
			p.mu.Lock()
			continue
		}

		if bp.Dev != NoDev {
			p.st.events[evEvict].Inc()
			util.DPrintf(10, "getblk %v:%d: evict %v\n", dev, blkno, bp)
		}
		bp.flags = Busy
		p.associate(bp, dev, blkno)
		p.mu.Unlock()
		p.st.events[evMiss].Inc()
		return bp
	}
}
