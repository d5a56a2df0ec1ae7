package bio

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Dev names a block device: the major number selects the driver, the minor
// number is passed through to it.
type Dev int32

// NoDev is the device of a buffer that is not associated with any device.
const NoDev Dev = -1

// NoBlock is the block number of a buffer whose identity was invalidated by
// an I/O error; it never matches a lookup.
const NoBlock int64 = -1

func MkDev(major, minor int) Dev {
	return Dev(major<<8 | minor&0xff)
}

func (dev Dev) Major() int {
	return int(dev>>8) & 0xff
}

func (dev Dev) Minor() int {
	return int(dev) & 0xff
}

func (dev Dev) String() string {
	if dev == NoDev {
		return "nodev"
	}
	return fmt.Sprintf("%d/%d", dev.Major(), dev.Minor())
}

type Flags uint32

// Write is the non-read pseudo-flag.
const Write Flags = 0

const (
	Read   Flags = 1 << iota
	Done         // transfer finished, data valid
	Error        // transfer aborted
	Busy         // not on the availability list
	Phys         // raw I/O through a caller-owned descriptor
	Wanted       // wake waiters when Busy goes off
	Async        // don't wait for completion
	Delwri       // don't write until the buffer leaves the availability list
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{Read, "READ"}, {Done, "DONE"}, {Error, "ERROR"}, {Busy, "BUSY"},
	{Phys, "PHYS"}, {Wanted, "WANTED"}, {Async, "ASYNC"}, {Delwri, "DELWRI"},
}

func (f Flags) String() string {
	s := ""
	for _, n := range flagNames {
		if f&n.f != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// A Buf describes one transfer. Pool buffers carry a BlockSize payload and
// are linked into the pool's lists by index; raw and swap buffers are not.
//
// Flags are owned by the pool lock. A driver may read Dev, Blkno, Data and
// Count, and the direction, while the buffer is queued on it, and writes
// Resid before calling Tab.Done.
type Buf struct {
	flags Flags
	rw    Flags // Read or Write, fixed while the transfer is in flight

	Dev   Dev
	Blkno int64
	Count uint64
	Data  []byte
	Errno unix.Errno
	Resid uint64

	idx  int // arena slot, -1 outside the pool
	cond *sync.Cond
}

func (bp *Buf) IsRead() bool {
	return bp.rw&Read != 0
}

func (bp *Buf) IsPhys() bool {
	return bp.rw&Phys != 0
}

func (bp *Buf) String() string {
	return fmt.Sprintf("buf[%d] %v:%d %v", bp.idx, bp.Dev, bp.Blkno, bp.flags)
}
