// Command seedalign aligns short reads against a packed reference
// genome and seed index, writing a BAM file. See package cmd for the
// pipeline this wires together.
package main

import (
	"log"
	"os"

	"github.com/biotools/seedalign/cmd"
)

func main() {
	opt, err := cmd.ParseFlags(os.Args[1:])
	if err != nil {
		log.Print(err)
		os.Exit(2)
	}

	counters, err := cmd.Run(opt)
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}

	log.Printf("processed %d reads: %d unique, %d multi, %d unaligned",
		counters.ReadsProcessed, counters.SingleHit, counters.MultipleHits, counters.NotFound)
}
