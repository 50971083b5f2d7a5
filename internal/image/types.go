// Package image builds an in-memory description of a target ELF: the
// sections that need loading, the reset vector, the physical address of
// .data's load image, the symbol table used for backtrace printing, and the
// tracing (RTT) control-block address, if any.
package image

// Section is one loadable chunk of the image, already validated 4-byte
// aligned in both address and size.
type Section struct {
	Name string
	Addr uint32
	Data []byte
}

// DataSection is .data together with the physical (flash) address its
// initial contents must be read from when the section is RAM-loaded
// directly rather than flashed.
type DataSection struct {
	Section
	PhysAddr uint32
}

// ResetVector is the first two words of .vector_table: the initial stack
// pointer and the initial program counter (entry point, Thumb bit set).
type ResetVector struct {
	InitialSP uint32
	InitialPC uint32
}

// SymbolRange names the half-open address range [Low, High) a function
// occupies, keyed to its (already demangled) display name.
type SymbolRange struct {
	Low, High uint32
	Name      string
}

// RangeNames is a table of SymbolRange sorted by Low, suitable for
// binary-search lookup of "which function contains this PC".
type RangeNames []SymbolRange

// Lookup returns the display name of the range containing pc, or "<unknown>"
// if pc falls outside every known range.
func (r RangeNames) Lookup(pc uint32) string {
	lo, hi := 0, len(r)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case pc < r[mid].Low:
			hi = mid
		case pc >= r[mid].High:
			lo = mid + 1
		default:
			return r[mid].Name
		}
	}
	return "<unknown>"
}

// Image is the fully parsed, ready-to-load representation of an ELF.
type Image struct {
	Vector       Section
	Text         Section
	Rodata       *Section
	Data         *DataSection
	Reset        ResetVector
	Names        RangeNames
	TracingAddr  uint32 // 0 if the image carries no _SEGGER_RTT symbol
	HasTracing   bool
	DebugFrame   []byte // raw .debug_frame contents, for internal/unwind
	EntryIsThumb bool
}
