package loader

import (
	"context"
	"testing"

	"github.com/chaosstudygroup/dkrun/internal/image"
	"github.com/chaosstudygroup/dkrun/internal/probe"
)

// fakeSession is a minimal in-memory probe.Session for exercising Launch
// without real hardware.
type fakeSession struct {
	mem         map[uint32]uint32
	coreRegs    map[int]uint32
	resetCalled bool
	runCalled   bool
	flashedPath string
}

func newFakeSession() *fakeSession {
	return &fakeSession{mem: map[uint32]uint32{}, coreRegs: map[int]uint32{}}
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
func (f *fakeSession) Halt(ctx context.Context) error  { return nil }
func (f *fakeSession) Run(ctx context.Context) error   { f.runCalled = true; return nil }
func (f *fakeSession) Reset(ctx context.Context) error { f.resetCalled = true; return nil }
func (f *fakeSession) ResetAndHalt(ctx context.Context) error { return nil }
func (f *fakeSession) Halted(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeSession) FlashElf(ctx context.Context, path string, format probe.FlashFormat) error {
	f.flashedPath = path
	return nil
}
func (f *fakeSession) Close() error { return nil }

func TestLaunchRAMWritesDataAtPhysAddr(t *testing.T) {
	sess := newFakeSession()
	img := &image.Image{
		Vector: image.Section{Name: ".vector_table", Addr: 0x20000000, Data: []byte{0, 0x10, 0, 0x20, 1, 0x10, 0, 0x20}},
		Text:   image.Section{Name: ".text", Addr: 0x20000100, Data: []byte{0, 1, 2, 3}},
		Data: &image.DataSection{
			Section:  image.Section{Name: ".data", Addr: 0x20004000, Data: []byte{0xde, 0xad, 0xbe, 0xef}},
			PhysAddr: 0x00008000,
		},
		Reset: image.ResetVector{InitialSP: 0x20001000, InitialPC: 0x20000101},
	}

	if err := Launch(context.Background(), sess, img, "unused.elf"); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	// The .data initializer must land at the physical (load) address, not
	// the virtual (runtime) one: the target's own startup code is what
	// copies it from phys to virt.
	if got := sess.mem[img.Data.PhysAddr]; got != 0xefbeadde {
		t.Errorf(".data at phys 0x%x = 0x%08x, want 0xefbeadde", img.Data.PhysAddr, got)
	}
	if _, wrote := sess.mem[img.Data.Addr]; wrote {
		t.Errorf(".data virtual address 0x%x was written directly; it should be left for firmware startup to populate", img.Data.Addr)
	}

	if sess.coreRegs[probe.R14LR] != lrEndOfUnwind {
		t.Errorf("LR = 0x%x, want sentinel 0x%x", sess.coreRegs[probe.R14LR], lrEndOfUnwind)
	}
	if sess.coreRegs[probe.R13SP] != img.Reset.InitialSP {
		t.Errorf("SP = 0x%x, want 0x%x", sess.coreRegs[probe.R13SP], img.Reset.InitialSP)
	}
	if sess.coreRegs[probe.R15PC] != img.Reset.InitialPC {
		t.Errorf("PC = 0x%x, want 0x%x", sess.coreRegs[probe.R15PC], img.Reset.InitialPC)
	}
	if sess.mem[addrVTOR] != img.Vector.Addr {
		t.Errorf("VTOR = 0x%x, want 0x%x", sess.mem[addrVTOR], img.Vector.Addr)
	}
	if !sess.runCalled {
		t.Error("expected Run to be called for a RAM-loaded image")
	}
	if sess.resetCalled {
		t.Error("did not expect an explicit Reset on the RAM-load path")
	}
}

func TestLaunchFlashDelegatesAndResets(t *testing.T) {
	sess := newFakeSession()
	img := &image.Image{
		Vector: image.Section{Name: ".vector_table", Addr: 0x00000000, Data: []byte{0, 0x10, 0, 0x20, 1, 0, 0, 0}},
		Text:   image.Section{Name: ".text", Addr: 0x00000100, Data: []byte{0, 1, 2, 3}},
		Reset:  image.ResetVector{InitialSP: 0x20001000, InitialPC: 1},
	}

	if err := Launch(context.Background(), sess, img, "firmware.elf"); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if sess.flashedPath != "firmware.elf" {
		t.Errorf("flashed path = %q, want %q", sess.flashedPath, "firmware.elf")
	}
	if !sess.resetCalled {
		t.Error("expected an explicit Reset after flashing")
	}
	if sess.runCalled {
		t.Error("flash-load strategy must not call Run directly; reset lets the boot sequence start it")
	}
	if _, wrote := sess.coreRegs[probe.R15PC]; wrote {
		t.Error("flash-load strategy must not write PC directly")
	}
}
