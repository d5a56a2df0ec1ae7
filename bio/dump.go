package bio

import (
	"fmt"

	"github.com/tchajed/marshal"
)

// Header is a copy of one buffer's descriptor, for post-mortem inspection
// of the pool.
type Header struct {
	Slot   uint64
	Dev    Dev
	Blkno  int64
	Flags  Flags
	Errno  uint64
	Resid  uint64
	AvRank int64 // position on the availability list, -1 if busy
}

const headerSize = 7 * 8

// Snapshot copies every pool buffer's header, in slot order.
func (p *Pool) Snapshot() []Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	rank := make(map[int]int64, len(p.bufs))
	var r int64
	p.walkAvail(func(bp *Buf) bool {
		rank[bp.idx] = r
		r++
		return true
	})
	hs := make([]Header, len(p.bufs))
	for i, bp := range p.bufs {
		av, ok := rank[i]
		if !ok {
			av = -1
		}
		hs[i] = Header{
			Slot:   uint64(i),
			Dev:    bp.Dev,
			Blkno:  bp.Blkno,
			Flags:  bp.flags,
			Errno:  uint64(bp.Errno),
			Resid:  bp.Resid,
			AvRank: av,
		}
	}
	return hs
}

// EncodeHeaders lays headers out as a count followed by fixed-size
// little-endian records.
func EncodeHeaders(hs []Header) []byte {
	enc := marshal.NewEnc(8 + uint64(len(hs))*headerSize)
	enc.PutInt(uint64(len(hs)))
	for _, h := range hs {
		enc.PutInt(h.Slot)
		enc.PutInt(uint64(int64(h.Dev)))
		enc.PutInt(uint64(h.Blkno))
		enc.PutInt(uint64(h.Flags))
		enc.PutInt(h.Errno)
		enc.PutInt(h.Resid)
		enc.PutInt(uint64(h.AvRank))
	}
	return enc.Finish()
}

// DecodeHeaders reverses EncodeHeaders. A dump shorter than its count
// prefix claims is rejected before anything is allocated.
func DecodeHeaders(b []byte) ([]Header, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("bio: header dump too short: %d bytes", len(b))
	}
	dec := marshal.NewDec(b)
	n := dec.GetInt()
	avail := uint64(len(b)-8) / headerSize
	if n > avail {
		return nil, fmt.Errorf("bio: header dump claims %d headers, has room for %d", n, avail)
	}
	hs := make([]Header, n)
	for i := range hs {
		hs[i].Slot = dec.GetInt()
		hs[i].Dev = Dev(int64(dec.GetInt()))
		hs[i].Blkno = int64(dec.GetInt())
		hs[i].Flags = Flags(dec.GetInt())
		hs[i].Errno = dec.GetInt()
		hs[i].Resid = dec.GetInt()
		hs[i].AvRank = int64(dec.GetInt())
	}
	return hs, nil
}
