package bio

import (
	"io"

	"github.com/mit-pdos/go-bufcache/util/stats"
)

const (
	opGetblk int = iota
	opBread
	opBreada
	opBwrite
	opBflush
	opPhysio
	opSwap
	nOps
)

var opNames = []string{
	"getblk",
	"bread",
	"breada",
	"bwrite",
	"bflush",
	"physio",
	"swap",
}

const (
	evHit int = iota
	evMiss
	evEvict
	evDelwriEvict
	evReadAhead
	evIOError
	nEvents
)

var eventNames = []string{
	"hit",
	"miss",
	"evict",
	"evict-delwri",
	"read-ahead",
	"io-error",
}

type poolStats struct {
	ops    [nOps]stats.Op
	events [nEvents]stats.Counter
}

// Stats is a point-in-time copy of the pool's event counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	DelwriEvict uint64
	ReadAheads  uint64
	IOErrors    uint64
}

func (p *Pool) Stats() Stats {
	ev := &p.st.events
	return Stats{
		Hits:        ev[evHit].Load(),
		Misses:      ev[evMiss].Load(),
		Evictions:   ev[evEvict].Load(),
		DelwriEvict: ev[evDelwriEvict].Load(),
		ReadAheads:  ev[evReadAhead].Load(),
		IOErrors:    ev[evIOError].Load(),
	}
}

func (p *Pool) WriteStats(w io.Writer) {
	stats.WriteTable(opNames, p.st.ops[:], w)
	stats.WriteCounters(eventNames, p.st.events[:], w)
}

func (p *Pool) ResetStats() {
	for i := range p.st.ops {
		p.st.ops[i].Reset()
	}
	for i := range p.st.events {
		p.st.events[i].Reset()
	}
}
