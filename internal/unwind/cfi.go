package unwind

import (
	"encoding/binary"
	"fmt"

	"github.com/chaosstudygroup/dkrun/internal/dkerr"
)

// cieIDMarker is the sentinel CIE_id value (all-ones, 32-bit DWARF) that
// distinguishes a .debug_frame entry as a CIE rather than an FDE.
const cieIDMarker = 0xffffffff

// cie is a parsed Common Information Entry: the template every FDE
// referencing it extends with its own instruction stream.
type cie struct {
	codeAlignment uint64
	dataAlignment int64
	returnReg     uint8
	instructions  []byte
}

// fde is a parsed Frame Description Entry: the CFI program covering one
// contiguous range of code addresses.
type fde struct {
	cie          *cie
	startAddr    uint32
	endAddr      uint32
	instructions []byte
}

// table is the set of FDEs parsed from an image's .debug_frame section,
// ready for lookup by PC.
type table struct {
	fdes []*fde
}

// parseDebugFrame parses the entirety of a .debug_frame section. Only
// 32-bit DWARF, CIE version 1, with no augmentation string is supported --
// the only form a Cortex-M image built with a standard embedded toolchain
// produces.
func parseDebugFrame(data []byte) (*table, error) {
	cies := make(map[uint32]*cie)
	var fdes []*fde

	off := uint32(0)
	for off < uint32(len(data)) {
		entryStart := off
		if off+4 > uint32(len(data)) {
			break
		}
		length := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		if length == 0 {
			break // terminator entry
		}
		if off+length > uint32(len(data)) {
			return nil, fmt.Errorf("%w: .debug_frame entry at 0x%x overruns section", dkerr.ErrElfParse, entryStart)
		}
		body := data[off : off+length]
		off += length

		if len(body) < 4 {
			return nil, fmt.Errorf("%w: .debug_frame entry at 0x%x too short", dkerr.ErrElfParse, entryStart)
		}
		id := binary.LittleEndian.Uint32(body[0:4])

		if id == cieIDMarker {
			c, err := parseCIE(body[4:])
			if err != nil {
				return nil, fmt.Errorf("%w: CIE at 0x%x: %v", dkerr.ErrElfParse, entryStart, err)
			}
			cies[entryStart] = c
			continue
		}

		c, ok := cies[id]
		if !ok {
			return nil, fmt.Errorf("%w: FDE at 0x%x references unknown CIE at 0x%x", dkerr.ErrElfParse, entryStart, id)
		}
		f, err := parseFDE(body[4:], c)
		if err != nil {
			return nil, fmt.Errorf("%w: FDE at 0x%x: %v", dkerr.ErrElfParse, entryStart, err)
		}
		fdes = append(fdes, f)
	}

	return &table{fdes: fdes}, nil
}

func parseCIE(b []byte) (*cie, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("truncated CIE")
	}
	version := b[0]
	b = b[1:]
	if version != 1 {
		return nil, fmt.Errorf("unsupported CIE version %d", version)
	}

	// Augmentation string: a NUL-terminated string. Only the empty string
	// is supported; anything else describes extensions this unwinder
	// doesn't implement.
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	if i >= len(b) {
		return nil, fmt.Errorf("unterminated augmentation string")
	}
	if i != 0 {
		return nil, fmt.Errorf("%w: non-empty CIE augmentation string", dkerr.ErrUnsupportedCfiRule)
	}
	b = b[i+1:]

	codeAlign, n := decodeULEB128(b)
	b = b[n:]
	dataAlign, n := decodeSLEB128(b)
	b = b[n:]
	if len(b) < 1 {
		return nil, fmt.Errorf("truncated CIE (return address register)")
	}
	retReg := b[0]
	b = b[1:]

	return &cie{
		codeAlignment: codeAlign,
		dataAlignment: dataAlign,
		returnReg:     retReg,
		instructions:  b,
	}, nil
}

func parseFDE(b []byte, c *cie) (*fde, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("truncated FDE")
	}
	start := binary.LittleEndian.Uint32(b[0:4])
	rangeLen := binary.LittleEndian.Uint32(b[4:8])
	return &fde{
		cie:          c,
		startAddr:    start,
		endAddr:      start + rangeLen,
		instructions: b[8:],
	}, nil
}

// find returns the FDE covering pc, if any.
func (t *table) find(pc uint32) *fde {
	for _, f := range t.fdes {
		if pc >= f.startAddr && pc < f.endAddr {
			return f
		}
	}
	return nil
}
