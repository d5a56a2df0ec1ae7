package bio

import (
	"fmt"
)

// Every buffer is doubly linked into two circular lists, by arena index:
// the association list of the device it is named for (always), and the
// availability list (iff it is not Busy). Sentinel slots follow the
// buffers: the availability sentinel, which also heads the unassigned
// association list, then one association head per major device. An empty
// list is a sentinel whose links point to itself.
type link struct {
	forw, back     int // association list
	avForw, avBack int // availability list
}

func (p *Pool) freeHead() int {
	return p.cfg.NBuf
}

func (p *Pool) selfLink(i int) {
	p.links[i] = link{forw: i, back: i, avForw: i, avBack: i}
}

// linkAssoc inserts slot i at the front of the association list headed by
// head. Caller holds p.mu.
func (p *Pool) linkAssoc(i, head int) {
	l := &p.links[i]
	l.forw = p.links[head].forw
	l.back = head
	p.links[l.forw].back = i
	p.links[head].forw = i
}

func (p *Pool) unlinkAssoc(i int) {
	l := &p.links[i]
	p.links[l.back].forw = l.forw
	p.links[l.forw].back = l.back
}

// associate moves bp from its current association list to the one for dev
// and gives it its new name. Caller holds p.mu.
func (p *Pool) associate(bp *Buf, dev Dev, blkno int64) {
	head := p.assocHead(dev)
	p.unlinkAssoc(bp.idx)
	p.linkAssoc(bp.idx, head)
	bp.Dev = dev
	bp.Blkno = blkno
}

// notavail unlinks bp from the availability list and marks it busy. Caller
// holds p.mu.
func (p *Pool) notavail(bp *Buf) {
	l := &p.links[bp.idx]
	p.links[l.avBack].avForw = l.avForw
	p.links[l.avForw].avBack = l.avBack
	l.avForw, l.avBack = bp.idx, bp.idx
	bp.flags |= Busy
}

// appendAvail puts bp at the tail of the availability list, making it the
// most recently released buffer. Caller holds p.mu.
func (p *Pool) appendAvail(bp *Buf) {
	head := p.freeHead()
	tail := p.links[head].avBack
	p.links[tail].avForw = bp.idx
	p.links[bp.idx].avBack = tail
	p.links[bp.idx].avForw = head
	p.links[head].avBack = bp.idx
}

// availEmpty reports whether every buffer is busy. Caller holds p.mu.
func (p *Pool) availEmpty() bool {
	return p.links[p.freeHead()].avForw == p.freeHead()
}

// walkAssoc calls f on each buffer associated with the list at head, front
// to back, stopping when f returns false.
func (p *Pool) walkAssoc(head int, f func(bp *Buf) bool) {
	for i := p.links[head].forw; i != head; i = p.links[i].forw {
		if !f(p.bufs[i]) {
			return
		}
	}
}

// walkAvail calls f on each available buffer, least recently released
// first, stopping when f returns false.
func (p *Pool) walkAvail(f func(bp *Buf) bool) {
	head := p.freeHead()
	for i := p.links[head].avForw; i != head; i = p.links[i].avForw {
		if !f(p.bufs[i]) {
			return
		}
	}
}

// Check verifies the list invariants: every buffer is on exactly one
// association list, whose head matches its device; it is on the
// availability list iff it is not busy; back links mirror forward links;
// and no two valid buffers share a name.
func (p *Pool) Check() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	nassoc := make([]int, len(p.bufs))
	heads := []int{p.freeHead()}
	for i := range p.devsw {
		heads = append(heads, p.freeHead()+1+i)
	}
	for _, head := range heads {
		n := 0
		for i := p.links[head].forw; i != head; i = p.links[i].forw {
			if i < 0 || i >= len(p.bufs) {
				return fmt.Errorf("association list %d: bad link %d", head, i)
			}
			if p.links[p.links[i].forw].back != i {
				return fmt.Errorf("association list %d: broken back link at %d", head, i)
			}
			bp := p.bufs[i]
			if want := p.assocHead(bp.Dev); want != head {
				return fmt.Errorf("%v on association list %d, want %d", bp, head, want)
			}
			nassoc[i]++
			if n++; n > len(p.bufs) {
				return fmt.Errorf("association list %d: cycle", head)
			}
		}
	}

	onAvail := make([]bool, len(p.bufs))
	n := 0
	head := p.freeHead()
	for i := p.links[head].avForw; i != head; i = p.links[i].avForw {
		if i < 0 || i >= len(p.bufs) {
			return fmt.Errorf("availability list: bad link %d", i)
		}
		if p.links[p.links[i].avForw].avBack != i {
			return fmt.Errorf("availability list: broken back link at %d", i)
		}
		if onAvail[i] {
			return fmt.Errorf("availability list: %v linked twice", p.bufs[i])
		}
		onAvail[i] = true
		if n++; n > len(p.bufs) {
			return fmt.Errorf("availability list: cycle")
		}
	}

	names := make(map[[2]int64]*Buf)
	for i, bp := range p.bufs {
		if nassoc[i] != 1 {
			return fmt.Errorf("%v on %d association lists", bp, nassoc[i])
		}
		busy := bp.flags&Busy != 0
		if busy == onAvail[i] {
			return fmt.Errorf("%v: busy=%v but on availability list=%v", bp, busy, onAvail[i])
		}
		if bp.Dev == NoDev || bp.Blkno == NoBlock || bp.flags&Done == 0 {
			continue
		}
		key := [2]int64{int64(bp.Dev), bp.Blkno}
		if other, ok := names[key]; ok {
			return fmt.Errorf("%v and %v share a name", other, bp)
		}
		names[key] = bp
	}
	return nil
}
