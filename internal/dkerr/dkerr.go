// Package dkerr defines the sentinel error taxonomy shared across dkrun's
// subsystems. Callers wrap these with fmt.Errorf("...: %w", err) so the
// underlying sentinel remains reachable via errors.Is.
package dkerr

import "errors"

var (
	// ErrUsage signals a malformed invocation (wrong argument count, bad flag).
	ErrUsage = errors.New("usage error")

	// ErrElfParse signals a malformed ELF container.
	ErrElfParse = errors.New("elf parse error")

	// ErrUnalignedSection signals a loadable section whose size or address
	// is not a multiple of 4 bytes.
	ErrUnalignedSection = errors.New("section is not 4-byte aligned")

	// ErrMissingSection signals a required section is absent from the ELF.
	ErrMissingSection = errors.New("required section missing")

	// ErrMissingDataPhysAddr signals .data has no PT_LOAD segment recording
	// its physical (flash) load address.
	ErrMissingDataPhysAddr = errors.New("no program header supplies a physical address for .data")

	// ErrNoProbe signals no debug probe could be found/attached.
	ErrNoProbe = errors.New("no debug probe available")

	// ErrProbeIO signals a read/write transaction with the probe failed.
	ErrProbeIO = errors.New("probe i/o error")

	// ErrMissingTracingAddress signals the image has no _SEGGER_RTT symbol.
	ErrMissingTracingAddress = errors.New("image has no tracing (RTT) symbol")

	// ErrMissingTracingChannel signals the RTT control block could not be
	// located in target memory, or has no up-channel 0.
	ErrMissingTracingChannel = errors.New("tracing channel not found on target")

	// ErrThumbBitMissing signals a return address was expected to carry the
	// Thumb bit (bit 0 set) but didn't.
	ErrThumbBitMissing = errors.New("return address is missing the thumb bit")

	// ErrUnsupportedCfiRule signals a CFA or register rule this unwinder
	// does not implement (DWARF expressions, non-offset register rules).
	ErrUnsupportedCfiRule = errors.New("unsupported call frame instruction")
)
