package genome

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/exascience/pargo/parallel"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Index is a read-only artifact mapping a fixed-length seed (k-mer) to
// the genome locations where it appears, in both the forward and
// reverse-complement orientations. Per spec.md §4.3 (Data Model -
// Genome index), lookup yields slices sorted descending by location.
//
// The index file is memory-mapped once at load time and never mutated,
// so Lookup is safe for unsynchronized concurrent use by every worker's
// aligner instance.
type Index struct {
	SeedLen  int
	BuildID  uuid.UUID
	mapping  []byte // raw mmap'd bytes, kept alive for the slices below
	forward  map[uint64][]int64
	reverseC map[uint64][]int64
}

// indexMagic tags the on-disk format so a stale or foreign file is
// rejected with a diagnostic instead of silently misparsed.
const indexMagic = "SAIX1\x00"

// seedHash packs a k-mer (<=32 bases, 2 bits/base) into a dense integer
// key. Bases outside {A,C,G,T} must be excluded by the caller (spec.md
// §4.5: "Skip any seed containing N").
func seedHash(seed []byte) uint64 {
	var h uint64
	for _, b := range seed {
		var code uint64
		switch b {
		case 'A', 'a':
			code = 0
		case 'C', 'c':
			code = 1
		case 'G', 'g':
			code = 2
		case 'T', 't':
			code = 3
		default:
			log.Panicf("genome: seed contains non-ACGT base %q", b)
		}
		h = (h << 2) | code
	}
	return h
}

// Lookup returns the forward- and reverse-complement-orientation hit
// locations for the given seed, each sorted descending by genome
// location. The returned slices are a superset of the true occurrence
// set (spec.md §8: "a superset... subject to index's internal
// filter"); callers must not mutate them. A seed containing N has no
// hits, since Build never indexes one.
func (idx *Index) Lookup(seed []byte) (forwardHits, rcHits []int64) {
	if bytes.IndexByte(seed, 'N') >= 0 || bytes.IndexByte(seed, 'n') >= 0 {
		return nil, nil
	}
	key := seedHash(seed)
	return idx.forward[key], idx.reverseC[key]
}

// seedBuckets is one range-chunk's partial forward/reverse-complement
// bucket tables, combined pairwise by Build's RangeReduce until a
// single table covering the whole genome remains.
type seedBuckets struct {
	forward  map[uint64][]int64
	reverseC map[uint64][]int64
}

// Build constructs an in-memory Index directly from a Genome, without
// going through the on-disk mmap format. This is the path used by
// tests and by small ad hoc runs; production pipelines load a
// pre-built index file with Load.
//
// The seed scan is split across pargo's fork-join RangeReduce the way
// elprep's MarkOpticalDuplicatesWithPixelDistance spreads its
// alignment scan, since a whole-genome scan is the dominant cost of
// building an index and each offset's seed hash is independent of its
// neighbors.
func Build(g *Genome, seedLen int) *Index {
	bases := g.bases
	n := len(bases)
	nSeeds := n - seedLen + 1
	if nSeeds < 0 {
		nSeeds = 0
	}

	grain := 1 << 16
	result := parallel.RangeReduce(0, nSeeds, grain, func(low, high int) interface{} {
		buckets := seedBuckets{
			forward:  make(map[uint64][]int64),
			reverseC: make(map[uint64][]int64),
		}
		for i := low; i < high; i++ {
			seed := bases[i : i+seedLen]
			if bytes.IndexByte(seed, 'N') >= 0 || bytes.IndexByte(seed, 'n') >= 0 {
				continue
			}
			key := seedHash(seed)
			buckets.forward[key] = append(buckets.forward[key], int64(i))

			rc := make([]byte, seedLen)
			for j, b := range seed {
				rc[seedLen-1-j] = complementBase(b)
			}
			rcKey := seedHash(rc)
			buckets.reverseC[rcKey] = append(buckets.reverseC[rcKey], int64(i))
		}
		return buckets
	}, func(r1, r2 interface{}) interface{} {
		b1, b2 := r1.(seedBuckets), r2.(seedBuckets)
		mergeBuckets(b1.forward, b2.forward)
		mergeBuckets(b1.reverseC, b2.reverseC)
		return b1
	})

	var merged seedBuckets
	if result == nil {
		merged = seedBuckets{forward: make(map[uint64][]int64), reverseC: make(map[uint64][]int64)}
	} else {
		merged = result.(seedBuckets)
	}

	idx := &Index{
		SeedLen:  seedLen,
		BuildID:  uuid.New(),
		forward:  merged.forward,
		reverseC: merged.reverseC,
	}
	for _, m := range []map[uint64][]int64{idx.forward, idx.reverseC} {
		for k := range m {
			hits := m[k]
			sort.Slice(hits, func(i, j int) bool { return hits[i] > hits[j] })
		}
	}
	return idx
}

// mergeBuckets folds src into dst in place.
func mergeBuckets(dst, src map[uint64][]int64) {
	for k, v := range src {
		dst[k] = append(dst[k], v...)
	}
}

func complementBase(b byte) byte {
	switch b {
	case 'A', 'a':
		return 'T'
	case 'C', 'c':
		return 'G'
	case 'G', 'g':
		return 'C'
	case 'T', 't':
		return 'A'
	default:
		return 'N'
	}
}

// Load memory-maps a pre-built index file and parses its bucket table.
// The mapping is kept for the lifetime of the Index; Close unmaps it.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(stat.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("genome: mmap index %s: %w", path, err)
	}

	idx, err := parseIndex(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	idx.mapping = data
	return idx, nil
}

// Close releases the memory mapping backing a Load'd index. It is a
// no-op for indexes built with Build.
func (idx *Index) Close() error {
	if idx.mapping == nil {
		return nil
	}
	m := idx.mapping
	idx.mapping = nil
	return unix.Munmap(m)
}

func parseIndex(data []byte) (*Index, error) {
	if len(data) < len(indexMagic)+16+4 || string(data[:len(indexMagic)]) != indexMagic {
		return nil, fmt.Errorf("genome: not a valid seed index file")
	}
	pos := len(indexMagic)
	var build uuid.UUID
	copy(build[:], data[pos:pos+16])
	pos += 16
	seedLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	pos += 4

	idx := &Index{
		SeedLen:  seedLen,
		BuildID:  build,
		forward:  make(map[uint64][]int64),
		reverseC: make(map[uint64][]int64),
	}
	for _, m := range []map[uint64][]int64{idx.forward, idx.reverseC} {
		nBuckets := binary.LittleEndian.Uint64(data[pos:])
		pos += 8
		for b := uint64(0); b < nBuckets; b++ {
			key := binary.LittleEndian.Uint64(data[pos:])
			pos += 8
			n := binary.LittleEndian.Uint64(data[pos:])
			pos += 8
			hits := make([]int64, n)
			for i := range hits {
				hits[i] = int64(binary.LittleEndian.Uint64(data[pos:]))
				pos += 8
			}
			m[key] = hits
		}
	}
	return idx, nil
}
