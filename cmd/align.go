// Package cmd is the command-line collaborator spec.md §1 treats as
// out of scope for the core engine: flag parsing, worker/thread setup,
// and wiring the supplier queue, aligners, and writer pipeline
// together. Its structure follows elprep's cmd/filter.go -- a flat
// Run(args) entry point building up a pipeline from flag.FlagSet
// values rather than a framework.
package cmd

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"

	"github.com/biotools/seedalign/config"
	"github.com/biotools/seedalign/format"
	"github.com/biotools/seedalign/genome"
	"github.com/biotools/seedalign/ioreader"
	"github.com/biotools/seedalign/pairedend"
	"github.com/biotools/seedalign/reads"
	"github.com/biotools/seedalign/singleend"
	"github.com/biotools/seedalign/stats"
	"github.com/biotools/seedalign/supplier"
	"github.com/biotools/seedalign/writer"
)

// Options holds the parsed CLI surface. Only exit behavior is
// contractually meaningful per spec.md §6; field names otherwise
// follow the teacher's flag-per-option style.
type Options struct {
	GenomePath string
	IndexPath  string
	Fastq1     string
	Fastq2     string
	OutPath    string
	Threads    int
	PinThreads bool
	Deterministic bool
	MarkDuplicates bool
}

// ParseFlags builds an Options from argv, matching elprep's flag.FlagSet
// per-subcommand style.
func ParseFlags(args []string) (*Options, error) {
	fs := flag.NewFlagSet("seedalign", flag.ContinueOnError)
	opt := &Options{}
	fs.StringVar(&opt.GenomePath, "genome", "", "packed reference file (required)")
	fs.StringVar(&opt.IndexPath, "index", "", "seed index file (required)")
	fs.StringVar(&opt.Fastq1, "reads1", "", "FASTQ file, mate 1 (required)")
	fs.StringVar(&opt.Fastq2, "reads2", "", "FASTQ file, mate 2 (paired mode)")
	fs.StringVar(&opt.OutPath, "out", "", "output BAM file (required)")
	fs.IntVar(&opt.Threads, "threads", runtime.GOMAXPROCS(0), "worker thread count")
	fs.BoolVar(&opt.PinThreads, "pin", false, "pin each worker to a CPU")
	fs.BoolVar(&opt.Deterministic, "deterministic", false, "deterministic duplicate-marking tie-break")
	fs.BoolVar(&opt.MarkDuplicates, "mark-duplicates", true, "run the duplicate-marking filter")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opt.GenomePath == "" || opt.IndexPath == "" || opt.Fastq1 == "" || opt.OutPath == "" {
		fs.Usage()
		return nil, fmt.Errorf("cmd: -genome, -index, -reads1, and -out are all required")
	}
	return opt, nil
}

// Run executes the full pipeline: load the genome/index, spin up W
// worker goroutines each owning its own aligner and writer, drain the
// supplier queue, and report combined Counters on completion.
//
// It returns a nil error on success; a non-nil error is fatal for the
// run, for the caller to log and turn into a non-zero exit code, per
// spec.md §6's "non-zero exit on any fatal error".
func Run(opt *Options) (*stats.Counters, error) {
	g, err := genome.LoadReference(opt.GenomePath)
	if err != nil {
		return nil, fmt.Errorf("cmd: loading genome: %w", err)
	}
	defer g.Close()

	idx, err := genome.Load(opt.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("cmd: loading index: %w", err)
	}
	defer idx.Close()

	cfg := config.DefaultConfig()
	cfg.NofThreads = opt.Threads
	cfg.PinThreads = opt.PinThreads
	tables := config.DefaultTables()

	outFile, err := os.Create(opt.OutPath)
	if err != nil {
		return nil, fmt.Errorf("cmd: creating output: %w", err)
	}

	offsets := &writer.OffsetAllocator{}
	dupFilter := writer.NewDuplicateFilter(16 * runtime.GOMAXPROCS(0))
	filterChain := writer.GzipFilter
	if opt.MarkDuplicates {
		filterChain = writer.Compose(dupFilter.Filter(), writer.GzipFilter)
	}

	paired := opt.Fastq2 != ""
	queue, releasers, err := buildQueue(opt, paired)
	if err != nil {
		return nil, err
	}

	headerText := format.SamHeaderText(g)
	if _, err := outFile.Write(format.WriteHeader(nil, headerText, g)); err != nil {
		return nil, fmt.Errorf("cmd: writing BAM header: %w", err)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	totals := &stats.Counters{}
	insertSizes := stats.NewInsertSizeModel()

	for w := 0; w < cfg.NofThreads; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			counters := runWorker(workerID, &cfg, tables, g, idx, queue, outFile, offsets, filterChain, insertSizes)
			mu.Lock()
			totals.Merge(counters)
			mu.Unlock()
		}(w)
	}

	wg.Wait()
	for _, r := range releasers {
		_ = r.Close()
	}
	if err := outFile.Close(); err != nil {
		return totals, fmt.Errorf("cmd: closing output: %w", err)
	}
	return totals, nil
}

// buildQueue starts the reader goroutine(s) feeding a supplier.Queue
// from FASTQ input, per spec.md §5's "one or two dedicated reader
// threads populate the supplier queue".
func buildQueue(opt *Options, paired bool) (*supplier.Queue, []*ioreader.OverlappedReader, error) {
	src1 := ioreader.NewOverlappedReader(1 << 16)
	readerFns := []*format.FASTQReader{format.NewFASTQReader(0, src1)}
	releasers := []*ioreader.OverlappedReader{src1}

	var src2 *ioreader.OverlappedReader
	if paired {
		src2 = ioreader.NewOverlappedReader(1 << 16)
		readerFns = append(readerFns, format.NewFASTQReader(1, src2))
		releasers = append(releasers, src2)
	}

	if err := readerFns[0].Init(opt.Fastq1); err != nil {
		return nil, nil, fmt.Errorf("cmd: opening %s: %w", opt.Fastq1, err)
	}
	if paired {
		if err := readerFns[1].Init(opt.Fastq2); err != nil {
			return nil, nil, fmt.Errorf("cmd: opening %s: %w", opt.Fastq2, err)
		}
	}

	queueReleasers := make([]supplier.Releaser, len(releasers))
	for i, r := range releasers {
		queueReleasers[i] = r
	}
	queue := supplier.NewQueue(paired, queueReleasers...)

	const batchSize = 256
	if paired {
		// Read both streams in lockstep from one goroutine so the i-th
		// record of file A is always paired with the i-th record of
		// file B (spec.md §5's split-file ordering guarantee), rather
		// than racing two independent producers against the queue's
		// balance gate.
		go pumpPairedFastq(queue, readerFns[0], readerFns[1], batchSize)
	} else {
		go pumpFastq(queue, readerFns[0], 0, batchSize)
	}

	return queue, releasers, nil
}

// pumpFastq reads batchSize records at a time from r and publishes
// them to queue, closing the queue's input once r is exhausted. It is
// meant to be the only goroutine driving r, per ioreader.Reader's
// single-consumer contract.
func pumpFastq(queue *supplier.Queue, r *format.FASTQReader, streamIndex int, batchSize int) {
	defer queue.CloseInput()
	var batchID uint64
	for {
		var batch []reads.Read
		for len(batch) < batchSize {
			rd, ok, err := r.Next()
			if err != nil {
				log.Printf("cmd: reading stream %d: %v", streamIndex, err)
				return
			}
			if !ok {
				break
			}
			batch = append(batch, rd)
		}
		if len(batch) == 0 {
			return
		}
		queue.Publish(supplier.Batch{Reads: batch, ID: batchID}, streamIndex)
		batchID++
	}
}

// pumpPairedFastq reads batchSize record pairs at a time from r0/r1 and
// publishes them as one combined Batch carrying both Reads and Mates.
func pumpPairedFastq(queue *supplier.Queue, r0, r1 *format.FASTQReader, batchSize int) {
	defer queue.CloseInput()
	var batchID uint64
	for {
		var reads0, reads1 []reads.Read
		for len(reads0) < batchSize {
			rd0, ok0, err0 := r0.Next()
			if err0 != nil {
				log.Printf("cmd: reading mate 1: %v", err0)
				return
			}
			rd1, ok1, err1 := r1.Next()
			if err1 != nil {
				log.Printf("cmd: reading mate 2: %v", err1)
				return
			}
			if !ok0 || !ok1 {
				break
			}
			reads0 = append(reads0, rd0)
			reads1 = append(reads1, rd1)
		}
		if len(reads0) == 0 {
			return
		}
		queue.Publish(supplier.Batch{Reads: reads0, Mates: reads1, ID: batchID}, 0)
		batchID++
	}
}

// runWorker is the per-thread consumer loop: pull a batch, align every
// read (or pair), format and hand off to this worker's own AsyncWriter.
func runWorker(id int, cfg *config.Config, tables *config.Tables, g *genome.Genome, idx *genome.Index, queue *supplier.Queue, out *os.File, offsets *writer.OffsetAllocator, filters writer.Filter, insertSizes *stats.InsertSizeModel) *stats.Counters {
	counters := &stats.Counters{}
	single := singleend.NewEngine(cfg, tables, g, idx)
	paired := pairedend.NewEngine(cfg, tables, g, idx, insertSizes)
	aw := writer.NewAsyncWriter(out, 3, filters, offsets)
	defer aw.Close()

	for {
		batch, ok := queue.Next()
		if !ok {
			return counters
		}
		if batch.Mates != nil {
			for i := range batch.Reads {
				alignPair(paired, g, &batch.Reads[i], &batch.Mates[i], aw, counters)
			}
		} else {
			for i := range batch.Reads {
				alignSingle(single, g, &batch.Reads[i], aw, counters)
			}
		}
		queue.Done(batch)
	}
}

func alignSingle(e *singleend.Engine, g *genome.Genome, r *reads.Read, aw *writer.AsyncWriter, counters *stats.Counters) {
	counters.ReadsProcessed++
	res := e.Align(r)
	rec := singleEndRecord(g, r, res)
	_ = aw.WriteRecord(format.WriteRecord(rec, nil))
	switch res.Outcome {
	case singleend.NotFound:
		counters.NotFound++
	case singleend.MultipleHits:
		counters.MultipleHits++
	default:
		counters.SingleHit++
	}
}

func alignPair(e *pairedend.Engine, g *genome.Genome, r0, r1 *reads.Read, aw *writer.AsyncWriter, counters *stats.Counters) {
	counters.ReadsProcessed += 2
	res := e.Align(r0, r1)
	rec0, rec1 := pairedEndRecords(g, r0, r1, res)
	_ = aw.WriteRecord(format.WriteRecord(rec0, nil))
	_ = aw.WriteRecord(format.WriteRecord(rec1, nil))
	switch res.Outcome {
	case pairedend.NotFound:
		counters.NotFound += 2
	case pairedend.MultipleHits:
		counters.MultipleHits += 2
	default:
		counters.SingleHit += 2
	}
}

// parseCigar turns an engine-produced CIGAR string (e.g. "76=" or
// "35=1X40=") into the []format.CigarOp WriteRecord expects.
func parseCigar(s string) []format.CigarOp {
	if s == "" {
		return nil
	}
	var ops []format.CigarOp
	length := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			length = length*10 + int(c-'0')
			continue
		}
		ops = append(ops, format.CigarOp{Length: int32(length), Op: c})
		length = 0
	}
	return ops
}

// outputBases returns bases/quality oriented the way BAM's SEQ/QUAL
// fields require: the strand actually matched against the forward
// reference, i.e. reverse-complemented when dir is ReverseComplement.
func outputBases(r *reads.Read, dir singleend.Direction) ([]byte, []byte) {
	bases, quality := r.ClippedBases(), r.ClippedQuality()
	if dir != singleend.ReverseComplement {
		return bases, quality
	}
	rc := make([]byte, len(bases))
	rq := make([]byte, len(quality))
	for i := range bases {
		rc[len(bases)-1-i] = reads.Complement(bases[i])
		rq[len(quality)-1-i] = quality[i]
	}
	return rc, rq
}

// singleEndRecord translates one singleend.Result into a BAM record.
func singleEndRecord(g *genome.Genome, r *reads.Read, res singleend.Result) *format.Record {
	rec := &format.Record{QNAME: r.ID}
	if res.Outcome == singleend.NotFound {
		rec.FLAG = format.SamUnmapped
		rec.RefID = -1
		bases, quality := r.ClippedBases(), r.ClippedQuality()
		rec.Bases, rec.Quality = bases, quality
		return rec
	}

	refID, offset, ok := g.PieceIndexOf(res.Location)
	if !ok {
		rec.FLAG = format.SamUnmapped
		rec.RefID = -1
		rec.Bases, rec.Quality = r.ClippedBases(), r.ClippedQuality()
		return rec
	}

	rec.RefID = int32(refID)
	rec.POS = int32(offset)
	rec.MAPQ = byte(res.MAPQ)
	rec.CIGAR = parseCigar(res.Cigar)
	if res.Direction == singleend.ReverseComplement {
		rec.FLAG |= format.SamReverse
	}
	rec.Bases, rec.Quality = outputBases(r, res.Direction)
	return rec
}

// pairedEndRecords translates one pairedend.PairResult into a mate pair
// of BAM records, filling in the mate cross-reference fields (RNEXT,
// PNEXT, TLEN, mate-reverse/mate-unmapped flags) each mate needs.
func pairedEndRecords(g *genome.Genome, r0, r1 *reads.Read, res pairedend.PairResult) (*format.Record, *format.Record) {
	rec0 := mateRecord(g, r0, res.Mate0, res.Outcome != pairedend.NotFound)
	rec1 := mateRecord(g, r1, res.Mate1, res.Outcome != pairedend.NotFound)

	rec0.FLAG |= format.SamMultiple | format.SamFirst
	rec1.FLAG |= format.SamMultiple | format.SamLast

	both := res.Outcome != pairedend.NotFound
	if both {
		rec0.FLAG |= format.SamProperPair
		rec1.FLAG |= format.SamProperPair
	}
	linkMates(rec0, rec1)
	linkMates(rec1, rec0)
	if both {
		rec0.TLEN = res.TLEN
		rec1.TLEN = -res.TLEN
	}
	return rec0, rec1
}

// mateRecord builds one mate's record in isolation; linkMates fills in
// the fields that depend on the other mate afterward.
func mateRecord(g *genome.Genome, r *reads.Read, mr pairedend.MateResult, found bool) *format.Record {
	rec := &format.Record{QNAME: r.ID}
	if !found {
		rec.FLAG = format.SamUnmapped
		rec.RefID = -1
		rec.Bases, rec.Quality = r.ClippedBases(), r.ClippedQuality()
		return rec
	}
	refID, offset, ok := g.PieceIndexOf(mr.Location)
	if !ok {
		rec.FLAG = format.SamUnmapped
		rec.RefID = -1
		rec.Bases, rec.Quality = r.ClippedBases(), r.ClippedQuality()
		return rec
	}
	rec.RefID = int32(refID)
	rec.POS = int32(offset)
	rec.CIGAR = parseCigar(mr.Cigar)
	if mr.Direction == singleend.ReverseComplement {
		rec.FLAG |= format.SamReverse
	}
	rec.Bases, rec.Quality = outputBases(r, mr.Direction)
	return rec
}

// linkMates sets rec's mate-facing fields (RNEXT/PNEXT/mate flags) from
// mate's own already-computed fields.
func linkMates(rec, mate *format.Record) {
	rec.NextRefID = mate.RefID
	rec.NextPOS = mate.POS
	if mate.FLAG&format.SamUnmapped != 0 {
		rec.FLAG |= format.SamMateUnmapped
	}
	if mate.FLAG&format.SamReverse != 0 {
		rec.FLAG |= format.SamMateReverse
	}
	if rec.FLAG&format.SamUnmapped != 0 {
		rec.RefID = mate.RefID
		rec.POS = mate.POS
	}
}
