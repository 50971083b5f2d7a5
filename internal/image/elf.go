package image

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/chaosstudygroup/dkrun/internal/dkerr"
)

// loadableSections is the fixed set of sections Build understands, in the
// order they're loaded. .bss and .uninit are intentionally absent: they hold
// no file contents; the firmware's own startup code zeroes .bss, and .uninit
// has no initial value.
var loadableSections = []string{".vector_table", ".text", ".rodata", ".data"}

const requiredSection = ".vector_table"

// tracingSymbol is the control-block symbol SEGGER RTT libraries emit.
const tracingSymbol = "_SEGGER_RTT"

// vtorRAMThreshold is the address at and above which a reset vector points
// into SRAM rather than flash; see internal/loader for the RAM/flash branch
// this constant drives.
const vtorRAMThreshold = 0x20000000

// Build parses the ELF at path and produces the Image the rest of dkrun
// operates on. Every failure here is structural and occurs before any probe
// is touched.
func Build(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dkerr.ErrElfParse, err)
	}
	defer f.Close()

	img := &Image{}

	sections := make(map[string]*elf.Section)
	for _, name := range loadableSections {
		sec := f.Section(name)
		if sec == nil {
			if name == requiredSection {
				return nil, fmt.Errorf("%w: %s", dkerr.ErrMissingSection, name)
			}
			continue
		}
		if sec.Size == 0 {
			continue
		}
		if sec.Addr%4 != 0 || sec.Size%4 != 0 {
			return nil, fmt.Errorf("%w: %s (addr=0x%x size=%d)", dkerr.ErrUnalignedSection, name, sec.Addr, sec.Size)
		}
		sections[name] = sec
	}

	if f.Section(".text") == nil {
		return nil, fmt.Errorf("%w: .text", dkerr.ErrMissingSection)
	}
	if f.Section(".symtab") == nil {
		return nil, fmt.Errorf("%w: .symtab", dkerr.ErrMissingSection)
	}
	debugFrame := f.Section(".debug_frame")
	if debugFrame == nil {
		return nil, fmt.Errorf("%w: .debug_frame", dkerr.ErrMissingSection)
	}

	vector, err := readSection(sections[".vector_table"])
	if err != nil {
		return nil, err
	}
	img.Vector = Section{Name: ".vector_table", Addr: vector.Addr, Data: vector.Data}
	if len(vector.Data) < 8 {
		return nil, fmt.Errorf("%w: .vector_table shorter than two words", dkerr.ErrElfParse)
	}
	img.Reset = ResetVector{
		InitialSP: binary.LittleEndian.Uint32(vector.Data[0:4]),
		InitialPC: binary.LittleEndian.Uint32(vector.Data[4:8]),
	}
	img.EntryIsThumb = img.Reset.InitialPC&1 == 1

	text, err := readSection(sections[".text"])
	if err != nil {
		return nil, err
	}
	img.Text = Section{Name: ".text", Addr: text.Addr, Data: text.Data}

	if sec, ok := sections[".rodata"]; ok {
		rodata, err := readSection(sec)
		if err != nil {
			return nil, err
		}
		img.Rodata = &Section{Name: ".rodata", Addr: rodata.Addr, Data: rodata.Data}
	}

	if sec, ok := sections[".data"]; ok {
		data, err := readSection(sec)
		if err != nil {
			return nil, err
		}
		phys, err := physAddrOf(f, sec.Addr)
		if err != nil {
			return nil, err
		}
		img.Data = &DataSection{
			Section:  Section{Name: ".data", Addr: data.Addr, Data: data.Data},
			PhysAddr: phys,
		}
	}

	df, err := debugFrame.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: reading .debug_frame: %v", dkerr.ErrElfParse, err)
	}
	img.DebugFrame = df

	names, tracingAddr, hasTracing, err := buildSymbolTable(f)
	if err != nil {
		return nil, err
	}
	img.Names = names
	img.TracingAddr = tracingAddr
	img.HasTracing = hasTracing

	return img, nil
}

type rawSection struct {
	Addr uint32
	Data []byte
}

func readSection(sec *elf.Section) (rawSection, error) {
	data, err := sec.Data()
	if err != nil {
		return rawSection{}, fmt.Errorf("%w: reading %s: %v", dkerr.ErrElfParse, sec.Name, err)
	}
	return rawSection{Addr: uint32(sec.Addr), Data: data}, nil
}

// physAddrOf finds the PT_LOAD program header whose virtual address exactly
// matches vaddr and returns its physical address. This is how a RAM-loaded
// image recovers the flash-resident initial contents of .data: an exact
// match only, since a containing-but-not-matching segment would silently
// bind .data to the wrong physical address.
func physAddrOf(f *elf.File, vaddr uint64) (uint32, error) {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr == vaddr {
			return uint32(prog.Paddr), nil
		}
	}
	return 0, dkerr.ErrMissingDataPhysAddr
}

// buildSymbolTable produces the sorted name table used for backtrace symbol
// lookup and locates the RTT tracing control block, if the image has one.
//
// A symbol contributes a SymbolRange iff its section index is .text's and
// its size is non-zero; the range is [value&^1, value&^1+size), not the gap
// to the next symbol, so a PC past the end of a function's declared size
// (but still before the next symbol) correctly misses it.
func buildSymbolTable(f *elf.File) (RangeNames, uint32, bool, error) {
	syms, err := f.Symbols()
	if err != nil {
		return nil, 0, false, fmt.Errorf("%w: reading .symtab: %v", dkerr.ErrElfParse, err)
	}

	textIdx := textSectionIndex(f)

	var names RangeNames
	var tracingAddr uint32
	var hasTracing bool

	for _, sym := range syms {
		if sym.Name == "" {
			continue
		}
		if sym.Name == tracingSymbol {
			tracingAddr = uint32(sym.Value)
			hasTracing = true
			continue
		}
		if int(sym.Section) != textIdx || sym.Size == 0 {
			continue
		}
		low := uint32(sym.Value) &^ 1 // clear the thumb bit
		names = append(names, SymbolRange{Low: low, High: low + uint32(sym.Size), Name: displayName(sym.Name)})
	}

	sort.Slice(names, func(i, j int) bool { return names[i].Low < names[j].Low })

	return names, tracingAddr, hasTracing, nil
}

// textSectionIndex returns .text's index into f.Sections, used to match
// symbol-table entries to the text section the way elf.Symbol.Section does.
func textSectionIndex(f *elf.File) int {
	for i, sec := range f.Sections {
		if sec.Name == ".text" {
			return i
		}
	}
	return -1
}

// VTORIndicatesRAM reports whether a vector-table address lives in SRAM
// (RAM-load strategy) rather than flash (flash-load strategy).
func VTORIndicatesRAM(vtor uint32) bool {
	return vtor >= vtorRAMThreshold
}
