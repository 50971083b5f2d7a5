// Package unwind reconstructs a symbolic stack backtrace for a halted
// Cortex-M core from its DWARF .debug_frame call-frame information.
package unwind

import (
	"context"
	"fmt"
	"io"

	"github.com/chaosstudygroup/dkrun/internal/dkerr"
	"github.com/chaosstudygroup/dkrun/internal/image"
	"github.com/chaosstudygroup/dkrun/internal/log"
	"github.com/chaosstudygroup/dkrun/internal/probe"
	"go.uber.org/zap"
)

// lrEndOfUnwind is the sentinel LR value (the bottom of the call stack) --
// never a valid return address, since it's only ever written as the initial
// LR of a RAM-loaded image.
const lrEndOfUnwind = 0xffffffff

// exceptionReturnFloor is the smallest LR value ARMv7-M's exception-return
// encoding uses. An LR at or above this is not a code address at all: it's
// one of the EXC_RETURN values the architecture writes into LR on exception
// entry.
const exceptionReturnFloor = 0xfffffff0

// stackAlignBit is XPSR bit 9 (STKALIGN), set when the exception entry
// padded the stack by one word to restore 8-byte alignment.
const stackAlignBit = 1 << 9

const regLR = 14
const regSP = 13

// Backtrace prints a symbolic stack trace for a halted core to out, in the
// exact format dkrun's stdout contract requires:
//
//	stack backtrace:
//	   0: 0x08000418 - reset_handler
//	      <exception entry>
//	   1: 0x0800041a - HardFault
//
// verbose enables a per-instruction trace of the CFI rows being derived,
// written through log.L at debug level; it never touches out.
func Backtrace(ctx context.Context, sess probe.Session, img *image.Image, out io.Writer, verbose bool) error {
	cfi, err := parseDebugFrame(img.DebugFrame)
	if err != nil {
		return err
	}

	pc, err := sess.ReadCoreReg(ctx, probe.R15PC)
	if err != nil {
		return fmt.Errorf("%w: reading PC: %v", dkerr.ErrProbeIO, err)
	}
	lr, err := sess.ReadCoreReg(ctx, regLR)
	if err != nil {
		return fmt.Errorf("%w: reading LR: %v", dkerr.ErrProbeIO, err)
	}
	sp, err := sess.ReadCoreReg(ctx, regSP)
	if err != nil {
		return fmt.Errorf("%w: reading SP: %v", dkerr.ErrProbeIO, err)
	}

	cache := newRegisterCache(ctx, sess)
	cache.set(regLR, lr)
	cache.set(regSP, sp)

	fmt.Fprintln(out, "stack backtrace:")

	frame := 0
	for {
		name := img.Names.Lookup(pc &^ 1)
		fmt.Fprintf(out, "%4d: %#010x - %s\n", frame, pc, name)

		f := cfi.find(pc &^ 1)
		if f == nil {
			return nil
		}

		var trace func(byte)
		if verbose && log.L != nil {
			fr := frame
			trace = func(opcode byte) {
				log.L.Debug("cfi instruction", zap.Int("frame", fr), zap.Uint8("opcode", opcode))
			}
		}

		r, err := rowAt(f, pc&^1, trace)
		if err != nil {
			return err
		}

		// Apply this frame's CFA and register rules before asking any
		// question about what comes next: every later test (sentinel,
		// corruption, exception-return, Thumb bit) and the next frame's
		// PC all come from the registers as THIS row leaves them, never
		// from the values that were live on entry to the frame.
		cfaVal, err := cache.get(r.cfa.register)
		if err != nil {
			return fmt.Errorf("%w: reading CFA base register r%d: %v", dkerr.ErrProbeIO, r.cfa.register, err)
		}
		cfaVal = uint32(int64(cfaVal) + r.cfa.offset)
		cfaChanged := cfaVal != sp
		cache.set(regSP, cfaVal)

		for reg, rule := range r.regs {
			switch rule.kind {
			case ruleOffset:
				addr := uint32(int64(cfaVal) + rule.offset)
				v, err := sess.ReadWord(ctx, addr)
				if err != nil {
					return fmt.Errorf("%w: recovering r%d at 0x%08x: %v", dkerr.ErrProbeIO, reg, addr, err)
				}
				cache.set(reg, v)
			case ruleUndefined:
				delete(cache.values, reg)
			}
		}

		newLR, ok := cache.values[regLR]
		if !ok {
			// No rule recovered LR for this frame, and none survived from
			// an earlier one: there is nothing more to unwind to.
			return nil
		}

		if newLR == lrEndOfUnwind {
			return nil
		}

		if !cfaChanged && newLR == pc {
			fmt.Fprintln(out, "error: the stack appears to be corrupted beyond this point")
			return nil
		}

		frame++

		if newLR >= exceptionReturnFloor {
			stacked, err := readExceptionFrame(ctx, sess, cfaVal)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "      <exception entry>")

			newSP := cfaVal + 32
			if stacked.xpsr&stackAlignBit != 0 {
				newSP += 4
			}
			pc = stacked.pc
			sp = newSP
			cache.set(regLR, stacked.lr)
			cache.set(regSP, newSP)
			continue
		}

		if newLR&1 == 0 {
			return fmt.Errorf("%w: return address 0x%08x at frame %d", dkerr.ErrThumbBitMissing, newLR, frame-1)
		}
		pc = newLR &^ 1
		sp = cfaVal
	}
}

// exceptionFrame is the 8-word block the architecture pushes automatically
// on exception entry.
type exceptionFrame struct {
	r0, r1, r2, r3, r12 uint32
	lr, pc, xpsr        uint32
}

func readExceptionFrame(ctx context.Context, sess probe.Session, sp uint32) (exceptionFrame, error) {
	buf := make([]byte, 32)
	if err := sess.ReadBlock(ctx, sp, buf); err != nil {
		return exceptionFrame{}, fmt.Errorf("%w: reading exception stack frame at 0x%08x: %v", dkerr.ErrProbeIO, sp, err)
	}
	word := func(i int) uint32 {
		return uint32(buf[i]) | uint32(buf[i+1])<<8 | uint32(buf[i+2])<<16 | uint32(buf[i+3])<<24
	}
	return exceptionFrame{
		r0: word(0), r1: word(4), r2: word(8), r3: word(12), r12: word(16),
		lr: word(20), pc: word(24), xpsr: word(28),
	}, nil
}
