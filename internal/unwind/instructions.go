package unwind

import (
	"encoding/binary"
	"fmt"

	"github.com/chaosstudygroup/dkrun/internal/dkerr"
)

// ruleKind distinguishes the handful of register rules this unwinder
// implements from everything DWARF allows, per the spec's fixed subset.
type ruleKind int

const (
	ruleUndefined ruleKind = iota // register cannot be recovered for this frame
	ruleOffset                    // register is stored at CFA+offset
)

// regRule is the recovery rule for one callee-saved register at a given
// program location.
type regRule struct {
	kind   ruleKind
	offset int64
}

// cfaRule is always register+offset in the subset this unwinder supports;
// DWARF expression CFA rules surface as dkerr.ErrUnsupportedCfiRule.
type cfaRule struct {
	register uint8
	offset   int64
}

// row is the CFI table row in effect at a particular PC: how to recover the
// CFA and every register this unwinder tracks.
type row struct {
	cfa  cfaRule
	regs map[uint8]regRule
}

func newRow() *row {
	return &row{regs: make(map[uint8]regRule)}
}

func (r *row) clone() *row {
	regs := make(map[uint8]regRule, len(r.regs))
	for k, v := range r.regs {
		regs[k] = v
	}
	return &row{cfa: r.cfa, regs: regs}
}

// DWARF extended (primary opcode 0) call frame instructions this unwinder
// recognizes enough to either apply or explicitly reject.
const (
	dwCfaNop              = 0x00
	dwCfaSetLoc           = 0x01
	dwCfaAdvanceLoc1      = 0x02
	dwCfaAdvanceLoc2      = 0x03
	dwCfaAdvanceLoc4      = 0x04
	dwCfaOffsetExtended   = 0x05
	dwCfaRestoreExtended  = 0x06
	dwCfaUndefined        = 0x07
	dwCfaSameValue        = 0x08
	dwCfaRegister         = 0x09
	dwCfaRememberState    = 0x0a
	dwCfaRestoreState     = 0x0b
	dwCfaDefCfa           = 0x0c
	dwCfaDefCfaRegister   = 0x0d
	dwCfaDefCfaOffset     = 0x0e
	dwCfaDefCfaExpression = 0x0f
	dwCfaExpression       = 0x10
	dwCfaOffsetExtendedSf = 0x11
	dwCfaDefCfaSf         = 0x12
	dwCfaDefCfaOffsetSf   = 0x13
	dwCfaValOffset        = 0x14
	dwCfaValOffsetSf      = 0x15
	dwCfaValExpression    = 0x16
)

// high two bits of a packed opcode byte select the three "small operand"
// forms that carry their operand in the low six bits.
const (
	opAdvanceLoc = 0x40
	opOffset     = 0x80
	opRestore    = 0xc0
	opMask       = 0xc0
	operandMask  = 0x3f
)

// rowAt replays a CIE's initial instructions followed by an FDE's
// instructions and returns the row in effect at pc. pc must fall within
// [f.startAddr, f.endAddr).
func rowAt(f *fde, pc uint32, trace func(opcode byte)) (*row, error) {
	cur := newRow()
	var stack []*row

	apply := func(prog []byte, loc *uint32) error {
		for len(prog) > 0 {
			if *loc > pc {
				return nil
			}
			opcode := prog[0]
			prog = prog[1:]
			if trace != nil {
				trace(opcode)
			}

			switch opcode & opMask {
			case opAdvanceLoc:
				*loc += uint32(opcode&operandMask) * uint32(f.cie.codeAlignment)
				continue
			case opOffset:
				reg := opcode & operandMask
				v, n := decodeULEB128(prog)
				prog = prog[n:]
				cur.regs[reg] = regRule{kind: ruleOffset, offset: int64(v) * f.cie.dataAlignment}
				continue
			case opRestore:
				reg := opcode & operandMask
				delete(cur.regs, reg)
				continue
			}

			switch opcode {
			case dwCfaNop:
			case dwCfaSetLoc:
				if len(prog) < 4 {
					return fmt.Errorf("truncated DW_CFA_set_loc")
				}
				*loc = binary.LittleEndian.Uint32(prog[0:4])
				prog = prog[4:]
			case dwCfaAdvanceLoc1:
				if len(prog) < 1 {
					return fmt.Errorf("truncated DW_CFA_advance_loc1")
				}
				*loc += uint32(prog[0]) * uint32(f.cie.codeAlignment)
				prog = prog[1:]
			case dwCfaAdvanceLoc2:
				if len(prog) < 2 {
					return fmt.Errorf("truncated DW_CFA_advance_loc2")
				}
				*loc += uint32(binary.LittleEndian.Uint16(prog[0:2])) * uint32(f.cie.codeAlignment)
				prog = prog[2:]
			case dwCfaAdvanceLoc4:
				if len(prog) < 4 {
					return fmt.Errorf("truncated DW_CFA_advance_loc4")
				}
				*loc += binary.LittleEndian.Uint32(prog[0:4]) * uint32(f.cie.codeAlignment)
				prog = prog[4:]
			case dwCfaOffsetExtended:
				reg, n := decodeULEB128(prog)
				prog = prog[n:]
				v, n := decodeULEB128(prog)
				prog = prog[n:]
				cur.regs[uint8(reg)] = regRule{kind: ruleOffset, offset: int64(v) * f.cie.dataAlignment}
			case dwCfaOffsetExtendedSf:
				reg, n := decodeULEB128(prog)
				prog = prog[n:]
				v, n := decodeSLEB128(prog)
				prog = prog[n:]
				cur.regs[uint8(reg)] = regRule{kind: ruleOffset, offset: v * f.cie.dataAlignment}
			case dwCfaRestoreExtended:
				reg, n := decodeULEB128(prog)
				prog = prog[n:]
				delete(cur.regs, uint8(reg))
			case dwCfaUndefined:
				reg, n := decodeULEB128(prog)
				prog = prog[n:]
				cur.regs[uint8(reg)] = regRule{kind: ruleUndefined}
			case dwCfaSameValue:
				reg, n := decodeULEB128(prog)
				prog = prog[n:]
				delete(cur.regs, uint8(reg))
			case dwCfaRegister:
				_, n := decodeULEB128(prog)
				prog = prog[n:]
				_, n = decodeULEB128(prog)
				prog = prog[n:]
				return fmt.Errorf("%w: DW_CFA_register", dkerr.ErrUnsupportedCfiRule)
			case dwCfaRememberState:
				stack = append(stack, cur.clone())
			case dwCfaRestoreState:
				if len(stack) == 0 {
					return fmt.Errorf("DW_CFA_restore_state with empty stack")
				}
				cur = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			case dwCfaDefCfa:
				reg, n := decodeULEB128(prog)
				prog = prog[n:]
				v, n := decodeULEB128(prog)
				prog = prog[n:]
				cur.cfa = cfaRule{register: uint8(reg), offset: int64(v)}
			case dwCfaDefCfaSf:
				reg, n := decodeULEB128(prog)
				prog = prog[n:]
				v, n := decodeSLEB128(prog)
				prog = prog[n:]
				cur.cfa = cfaRule{register: uint8(reg), offset: v * f.cie.dataAlignment}
			case dwCfaDefCfaRegister:
				reg, n := decodeULEB128(prog)
				prog = prog[n:]
				cur.cfa.register = uint8(reg)
			case dwCfaDefCfaOffset:
				v, n := decodeULEB128(prog)
				prog = prog[n:]
				cur.cfa.offset = int64(v)
			case dwCfaDefCfaOffsetSf:
				v, n := decodeSLEB128(prog)
				prog = prog[n:]
				cur.cfa.offset = v * f.cie.dataAlignment
			case dwCfaDefCfaExpression, dwCfaExpression, dwCfaValOffset, dwCfaValOffsetSf, dwCfaValExpression:
				return fmt.Errorf("%w: opcode 0x%02x", dkerr.ErrUnsupportedCfiRule, opcode)
			default:
				return fmt.Errorf("%w: opcode 0x%02x", dkerr.ErrUnsupportedCfiRule, opcode)
			}
		}
		return nil
	}

	loc := f.startAddr
	if err := apply(f.cie.instructions, &loc); err != nil {
		return nil, err
	}
	loc = f.startAddr
	if err := apply(f.instructions, &loc); err != nil {
		return nil, err
	}

	return cur, nil
}
