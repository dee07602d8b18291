// Package bnt holds the 2-bit nucleotide encoding tables shared by the
// scanner and the build pipeline.
package bnt

const (
	NumBitsInBase   = 2
	NumBaseInByte   = 4
	NumBaseInUint64 = 32
	BaseMask        = 0x3
	// InvalidBase marks any character outside ACGT/acgt.
	InvalidBase = 4
)

// Base2Bnt maps an input byte to its 2-bit code, InvalidBase for N/IUPAC/etc.
var Base2Bnt [256]byte

// BntRev is the complement of a 2-bit base.
var BntRev = [4]byte{3, 2, 1, 0}

// Bnt2Base maps a 2-bit code back to the uppercase character.
var Bnt2Base = [4]byte{'A', 'C', 'G', 'T'}

func init() {
	for i := range Base2Bnt {
		Base2Bnt[i] = InvalidBase
	}
	Base2Bnt['A'], Base2Bnt['a'] = 0, 0
	Base2Bnt['C'], Base2Bnt['c'] = 1, 1
	Base2Bnt['G'], Base2Bnt['g'] = 2, 2
	Base2Bnt['T'], Base2Bnt['t'] = 3, 3
}
