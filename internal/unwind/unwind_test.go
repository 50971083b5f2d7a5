package unwind

import (
	"bytes"
	"context"
	"testing"

	"github.com/chaosstudygroup/dkrun/internal/image"
	"github.com/chaosstudygroup/dkrun/internal/probe"
)

// fakeSession is a minimal in-memory probe.Session for exercising Backtrace
// without real hardware.
type fakeSession struct {
	coreRegs map[int]uint32
	mem      map[uint32]uint32
}

func (f *fakeSession) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	return f.mem[addr], nil
}
func (f *fakeSession) WriteWord(ctx context.Context, addr, value uint32) error {
	f.mem[addr] = value
	return nil
}
func (f *fakeSession) ReadBlock(ctx context.Context, addr uint32, buf []byte) error {
	for i := 0; i < len(buf); i += 4 {
		v := f.mem[addr+uint32(i)]
		buf[i], buf[i+1], buf[i+2], buf[i+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	return nil
}
func (f *fakeSession) WriteBlock(ctx context.Context, addr uint32, buf []byte) error {
	for i := 0; i < len(buf); i += 4 {
		f.mem[addr+uint32(i)] = uint32(buf[i]) | uint32(buf[i+1])<<8 | uint32(buf[i+2])<<16 | uint32(buf[i+3])<<24
	}
	return nil
}
func (f *fakeSession) ReadCoreReg(ctx context.Context, n int) (uint32, error) { return f.coreRegs[n], nil }
func (f *fakeSession) WriteCoreReg(ctx context.Context, n int, value uint32) error {
	f.coreRegs[n] = value
	return nil
}
func (f *fakeSession) Halt(ctx context.Context) error         { return nil }
func (f *fakeSession) Run(ctx context.Context) error          { return nil }
func (f *fakeSession) Reset(ctx context.Context) error        { return nil }
func (f *fakeSession) ResetAndHalt(ctx context.Context) error { return nil }
func (f *fakeSession) Halted(ctx context.Context) (bool, error) {
	return true, nil
}
func (f *fakeSession) FlashElf(ctx context.Context, path string, format probe.FlashFormat) error {
	return nil
}
func (f *fakeSession) Close() error { return nil }

func TestBacktraceTwoFrames(t *testing.T) {
	sess := &fakeSession{
		coreRegs: map[int]uint32{
			probe.R15PC: 0x1000,
			regLR:       0x9999, // live on halt, irrelevant: frame0's CFI row overrides it
			regSP:       0x20001000,
		},
		mem: map[uint32]uint32{
			// frame0's row: CFA = SP+8 = 0x20001008, LR recovered from CFA-4.
			// This is frame0's return address into frame1 (thumb bit set).
			0x20001004: 0x3001,
		},
	}

	img := &image.Image{
		DebugFrame: buildDebugFrame(),
		Names: image.RangeNames{
			{Low: 0x1000, High: 0x1020, Name: "frame0"},
			{Low: 0x3000, High: 0x3020, Name: "frame1"},
		},
	}

	var out bytes.Buffer
	if err := Backtrace(context.Background(), sess, img, &out, false); err != nil {
		t.Fatalf("Backtrace: %v", err)
	}

	want := "stack backtrace:\n" +
		"   0: 0x00001000 - frame0\n" +
		"   1: 0x00003000 - frame1\n"
	if out.String() != want {
		t.Errorf("Backtrace output =\n%s\nwant\n%s", out.String(), want)
	}
}

// buildExceptionEntryDebugFrame covers [0x1000, 0x1004) with a CFA rule of
// r13+0 and no rule for r14: the shape of the very first instruction of a
// function, before any prologue push, so the live LR read off the core on
// halt (the EXC_RETURN value) survives into the register cache unchanged.
func buildExceptionEntryDebugFrame() []byte {
	cieBody := []byte{
		0x01,             // version
		0x00,             // empty augmentation string
		0x01,             // code_alignment_factor = 1
		0x7c,             // data_alignment_factor = -4 (SLEB128)
		0x0e,             // return_address_register = r14
		0x00, 0x00, 0x00, // pad to a multiple of 4
	}
	fdeInsns := []byte{
		0x0c, 0x0d, 0x00, // DW_CFA_def_cfa r13, 0
		0x00, // pad (DW_CFA_nop)
	}

	var b []byte
	b = append(b, leU32(uint32(4+len(cieBody)))...)
	b = append(b, leU32(0xffffffff)...)
	b = append(b, cieBody...)
	b = append(b, leU32(uint32(4+4+4+len(fdeInsns)))...)
	b = append(b, leU32(0)...)
	b = append(b, leU32(0x1000)...)
	b = append(b, leU32(0x4)...)
	b = append(b, fdeInsns...)
	return b
}

func TestBacktraceExceptionEntry(t *testing.T) {
	sess := &fakeSession{
		coreRegs: map[int]uint32{
			probe.R15PC: 0x1000,
			regLR:       0xfffffff1, // exception return, untouched by frame0's row
			regSP:       0x20002000,
		},
		mem: map[uint32]uint32{},
	}
	// 8-word stacked exception frame at SP (== CFA, since frame0's rule is
	// r13+0 and nothing has been pushed at the function's first instruction).
	stacked := []uint32{0, 0, 0, 0, 0, 0xffffffff, 0x1004, 0}
	for i, v := range stacked {
		sess.mem[0x20002000+uint32(i*4)] = v
	}

	img := &image.Image{
		DebugFrame: buildExceptionEntryDebugFrame(),
		Names: image.RangeNames{
			{Low: 0x1000, High: 0x1004, Name: "HardFault"},
			{Low: 0x1004, High: 0x2000, Name: "reset_handler"},
		},
	}

	var out bytes.Buffer
	if err := Backtrace(context.Background(), sess, img, &out, false); err != nil {
		t.Fatalf("Backtrace: %v", err)
	}

	want := "stack backtrace:\n" +
		"   0: 0x00001000 - HardFault\n" +
		"      <exception entry>\n" +
		"   1: 0x00001004 - reset_handler\n"
	if out.String() != want {
		t.Errorf("Backtrace output =\n%s\nwant\n%s", out.String(), want)
	}
}
