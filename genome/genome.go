// Package genome holds the read-only reference genome and its seed
// index, both consumed as already-built artifacts (construction from
// FASTA is out of scope; see spec.md §1).
package genome

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// Piece is one contig/chromosome: a name and its starting offset in the
// genome's global zero-based coordinate space.
type Piece struct {
	Name   string
	Start  int64 // zero-based global offset of piece[0]
	Length int64
}

// end is the first global offset past this piece.
func (p Piece) end() int64 {
	return p.Start + p.Length
}

// Genome is an immutable ordered collection of pieces plus the packed
// reference bases backing them. It is safe for concurrent read access
// by any number of worker goroutines (spec.md §5: "read-only after
// load; shared freely").
type Genome struct {
	pieces  []Piece
	bases   []byte // concatenated reference bases across all pieces, global coordinates
	byName  map[string]int
	mapping []byte // raw mmap'd bytes backing bases, when loaded via LoadReference
}

// PastEnd is returned by Substring when the requested window runs off
// the end of the genome (e.g. a candidate near a chromosome boundary).
var PastEnd = fmt.Errorf("genome: location past end of reference")

// New builds a Genome from an ordered list of pieces and the
// concatenated reference bases. It is the only constructor: genomes are
// always loaded from a pre-built index, never assembled piecewise here.
func New(pieces []Piece, bases []byte) *Genome {
	byName := make(map[string]int, len(pieces))
	for i, p := range pieces {
		byName[p.Name] = i
	}
	return &Genome{pieces: pieces, bases: bases, byName: byName}
}

// PieceOf returns the piece containing the given zero-based global
// location, and the offset within that piece.
func (g *Genome) PieceOf(location int64) (piece Piece, offsetInPiece int64, ok bool) {
	i, offset, ok := g.PieceIndexOf(location)
	if !ok {
		return Piece{}, 0, false
	}
	return g.pieces[i], offset, true
}

// PieceIndexOf is PieceOf but also reports the piece's position in the
// piece table, i.e. the BAM reference ID a caller should write for a
// location in this genome.
func (g *Genome) PieceIndexOf(location int64) (index int, offsetInPiece int64, ok bool) {
	i := sort.Search(len(g.pieces), func(i int) bool {
		return g.pieces[i].end() > location
	})
	if i >= len(g.pieces) || location < g.pieces[i].Start {
		return 0, 0, false
	}
	return i, location - g.pieces[i].Start, true
}

// OffsetOfPiece returns the global starting offset of the named piece.
func (g *Genome) OffsetOfPiece(name string) (offset int64, ok bool) {
	i, found := g.byName[name]
	if !found {
		return 0, false
	}
	return g.pieces[i].Start, true
}

// Pieces returns the ordered piece table.
func (g *Genome) Pieces() []Piece {
	return g.pieces
}

// Length is the total size of the genome in the global coordinate
// space (sum of piece lengths plus inter-piece padding, if any).
func (g *Genome) Length() int64 {
	if len(g.pieces) == 0 {
		return 0
	}
	last := g.pieces[len(g.pieces)-1]
	return last.end()
}

// Substring returns a reference slice of the given length starting at
// location, truncated to the end of the underlying buffer. If location
// is already past the end, it returns (nil, PastEnd) so that callers
// (the LV extender) can treat a near-boundary candidate as a truncated
// window rather than a crash, per spec.md §7 ("Reference out-of-bounds
// ... truncate reference window; score may return -1").
func (g *Genome) Substring(location int64, length int) ([]byte, error) {
	if location < 0 || location >= int64(len(g.bases)) {
		return nil, PastEnd
	}
	end := location + int64(length)
	if end > int64(len(g.bases)) {
		end = int64(len(g.bases))
	}
	return g.bases[location:end], nil
}

// genomeMagic tags the packed reference format LoadReference expects: a
// pre-built artifact sitting alongside the seed index, laid out the
// same mmap-and-parse way as Index.Load.
const genomeMagic = "SAGN1\x00"

// LoadReference memory-maps a packed reference file (piece table
// followed by concatenated bases) and returns a ready-to-use Genome.
// Building this file from FASTA is out of scope (spec.md §1);
// LoadReference only consumes it. Named distinctly from the seed
// index's Load so the two artifacts can't be confused at a call site.
func LoadReference(path string) (*Genome, error) {
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
		return nil, fmt.Errorf("genome: mmap reference %s: %w", path, err)
	}

	g, err := parseGenome(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	g.mapping = data
	return g, nil
}

// Close releases the memory mapping backing a genome returned by
// LoadReference. It is a
// no-op for genomes built with New.
func (g *Genome) Close() error {
	if g.mapping == nil {
		return nil
	}
	m := g.mapping
	g.mapping = nil
	return unix.Munmap(m)
}

func parseGenome(data []byte) (*Genome, error) {
	if len(data) < len(genomeMagic)+4 || string(data[:len(genomeMagic)]) != genomeMagic {
		return nil, fmt.Errorf("genome: not a valid packed reference file")
	}
	pos := len(genomeMagic)
	nPieces := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	pos += 4

	pieces := make([]Piece, nPieces)
	for i := range pieces {
		nameLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		pos += 4
		name := string(data[pos : pos+nameLen])
		pos += nameLen
		length := int64(binary.LittleEndian.Uint64(data[pos : pos+8]))
		pos += 8
		start := int64(0)
		if i > 0 {
			start = pieces[i-1].end()
		}
		pieces[i] = Piece{Name: name, Start: start, Length: length}
	}

	total := pieces[len(pieces)-1].end()
	bases := data[pos : pos+int(total)]
	g := New(pieces, bases)
	return g, nil
}
