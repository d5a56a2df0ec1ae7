// biobench drives a buffer pool over an RK drive from several goroutines.
// Each block carries a stamp of its own number and a write count; the run
// ends by flushing the pool and checking that every write reached the
// drive exactly once.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/tchajed/goose/machine"
	"github.com/tchajed/goose/machine/disk"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bufcache/bio"
	"github.com/mit-pdos/go-bufcache/rk"
	"github.com/mit-pdos/go-bufcache/util/timed_disk"
)

var dev = bio.MkDev(0, 0)

func stampOk(b []byte, blkno uint64) bool {
	return machine.UInt64Get(b[8:16]) == blkno || machine.UInt64Get(b[:8]) == 0
}

func client(p *bio.Pool, nblocks uint64, nops int, writes *uint64) error {
	for i := 0; i < nops; i++ {
		blkno := machine.RandomUint64() % nblocks
		if machine.RandomUint64()%4 == 0 {
			bp, err := p.Bread(dev, int64(blkno))
			if err != nil {
				p.Brelse(bp)
				return fmt.Errorf("write %d: %w", blkno, err)
			}
			if !stampOk(bp.Data, blkno) {
				p.Brelse(bp)
				return fmt.Errorf("block %d: bad stamp", blkno)
			}
			machine.UInt64Put(bp.Data[:8], machine.UInt64Get(bp.Data[:8])+1)
			machine.UInt64Put(bp.Data[8:16], blkno)
			p.Bdwrite(bp)
			atomic.AddUint64(writes, 1)
			continue
		}
		bp, err := p.Breada(dev, int64(blkno), int64((blkno+1)%nblocks))
		if err != nil {
			p.Brelse(bp)
			return fmt.Errorf("read %d: %w", blkno, err)
		}
		ok := stampOk(bp.Data, blkno)
		p.Brelse(bp)
		if !ok {
			return fmt.Errorf("block %d: bad stamp", blkno)
		}
	}
	return nil
}

// verify sums the write counts straight off the drive.
func verify(d disk.Disk, nblocks uint64) (uint64, error) {
	var n uint64
	for a := uint64(0); a < nblocks; a++ {
		b := d.Read(a)
		if !stampOk(b, a) {
			return 0, fmt.Errorf("block %d: bad stamp on disk", a)
		}
		n += machine.UInt64Get(b[:8])
	}
	return n, nil
}

func main() {
	cpuprofile := flag.String("cpuprofile", "", "write cpu profile to file")

	var diskfile string
	flag.StringVar(&diskfile, "disk", "", "disk image (empty for MemDisk)")

	var nblocks uint64
	flag.Uint64Var(&nblocks, "size", 1024, "blocks on the drive")

	cfg := bio.DefaultConfig()
	flag.IntVar(&cfg.NBuf, "nbuf", bio.NBUF, "buffers in the pool")

	var nworkers, nops int
	flag.IntVar(&nworkers, "workers", 4, "concurrent clients")
	flag.IntVar(&nops, "ops", 10000, "operations per client")

	var dumpStats bool
	flag.BoolVar(&dumpStats, "stats", false, "dump stats to stderr at end")

	var dumpFile string
	flag.StringVar(&dumpFile, "dump", "", "write buffer headers to file at end")

	flag.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	var d disk.Disk
	if diskfile == "" {
		d = disk.NewMemDisk(nblocks)
	} else {
		var err error
		d, err = disk.NewFileDisk(diskfile, nblocks)
		if err != nil {
			panic(fmt.Errorf("could not create disk: %w", err))
		}
	}
	td := timed_disk.New(d)
	drv := rk.New(rk.DefaultConfig(), td)
	defer drv.Shutdown()
	p := bio.New(cfg, drv)

	if err := p.Open(dev, 0); err != nil {
		log.Fatal(err)
	}
	before, err := verify(td, nblocks)
	if err != nil {
		log.Fatal(err)
	}
	td.ResetStats()

	var writes uint64
	var eg errgroup.Group
	start := time.Now()
	for i := 0; i < nworkers; i++ {
		eg.Go(func() error {
			return client(p, nblocks, nops, &writes)
		})
	}
	if err := eg.Wait(); err != nil {
		log.Fatal(err)
	}
	if err := p.Close(dev, 0); err != nil {
		log.Fatal(err)
	}
	elapsed := time.Since(start)
	// Close only starts the flush; the drive is quiet once every buffer can
	// be claimed again.
	held := make([]*bio.Buf, cfg.NBuf)
	for i := range held {
		held[i] = p.Getblk(bio.NoDev, 0)
	}
	for _, bp := range held {
		p.Brelse(bp)
	}

	fmt.Printf("%d ops by %d clients in %v (%0.1f ops/s)\n",
		nworkers*nops, nworkers, elapsed,
		float64(nworkers*nops)/elapsed.Seconds())
	if dumpStats {
		p.WriteStats(os.Stderr)
		td.WriteStats(os.Stderr)
	}
	if dumpFile != "" {
		if err := os.WriteFile(dumpFile, bio.EncodeHeaders(p.Snapshot()), 0644); err != nil {
			log.Fatal(err)
		}
	}

	after, err := verify(td, nblocks)
	if err != nil {
		log.Fatal(err)
	}
	if after-before != writes {
		log.Fatalf("drive has %d writes, clients made %d", after-before, writes)
	}
	util.DPrintf(1, "verified %d writes\n", writes)
}
