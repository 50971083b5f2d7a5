// Package probe defines dkrun's contract with a debug probe: the external
// collaborator that actually talks to silicon. dkrun drives a probe through
// this interface; it never depends on a specific transport beyond the
// HID-backed implementation in this package.
package probe

import "context"

// Core-register indices, per the ARMv7-M core register file.
const (
	R13SP = 13 // stack pointer
	R14LR = 14 // link register
	R15PC = 15 // program counter
)

// FlashFormat names the image format a probe's flashing facility accepts.
type FlashFormat int

// ElfFormat is the only format dkrun ever asks a probe to flash.
const ElfFormat FlashFormat = 0

// Session is an attached connection to a single core on a single chip.
// All methods are safe to call only from the single goroutine that owns the
// session: dkrun never shares a Session across goroutines, so no locking is
// required on either side of this interface.
type Session interface {
	// ReadWord reads one 32-bit word from target memory.
	ReadWord(ctx context.Context, addr uint32) (uint32, error)
	// WriteWord writes one 32-bit word to target memory.
	WriteWord(ctx context.Context, addr, value uint32) error
	// ReadBlock reads len(buf) bytes (a multiple of 4) from target memory.
	ReadBlock(ctx context.Context, addr uint32, buf []byte) error
	// WriteBlock writes buf (a multiple of 4 bytes) to target memory.
	WriteBlock(ctx context.Context, addr uint32, buf []byte) error

	// ReadCoreReg reads one core register (R0-R15, see the Rn constants).
	ReadCoreReg(ctx context.Context, n int) (uint32, error)
	// WriteCoreReg writes one core register.
	WriteCoreReg(ctx context.Context, n int, value uint32) error

	// Halt halts the core.
	Halt(ctx context.Context) error
	// Run resumes the core.
	Run(ctx context.Context) error
	// Reset pulses the core's reset line without halting.
	Reset(ctx context.Context) error
	// ResetAndHalt resets the core and leaves it halted, ready for register
	// and memory setup.
	ResetAndHalt(ctx context.Context) error
	// Halted reports whether the core is currently halted.
	Halted(ctx context.Context) (bool, error)

	// FlashElf programs the given ELF image via the probe's flashing
	// facility. Used for the flash-load strategy only; RAM-loaded images
	// never call this.
	FlashElf(ctx context.Context, path string, format FlashFormat) error

	// Close releases the session.
	Close() error
}

// Probe enumerates and attaches to debug probes. dkrun uses exactly one
// probe for exactly one preconfigured chip.
type Probe interface {
	// AttachChip attaches to the named chip (e.g. "nRF52840_xxAA").
	AttachChip(ctx context.Context, chip string) error
	// AttachCore attaches to one core on the chip already attached via
	// AttachChip, returning a Session for it.
	AttachCore(ctx context.Context, core int) (Session, error)
}
