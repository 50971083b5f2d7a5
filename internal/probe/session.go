package probe

import (
	"context"
	"debug/elf"
	"fmt"

	"github.com/chaosstudygroup/dkrun/internal/dkerr"
)

// Cortex-M debug register addresses (always present on ARMv7-M, regardless
// of vendor).
const (
	addrDHCSR = 0xe000edf0 // Debug Halting Control and Status Register
	addrDCRSR = 0xe000edf4 // Debug Core Register Selector Register
	addrDCRDR = 0xe000edf8 // Debug Core Register Data Register
)

const (
	dhcsrDebugEn  = 1 << 0
	dhcsrHalt     = 1 << 1
	dhcsrSBit     = 1 << 17 // S_HALT, read back to test halted state
	dhcsrKey      = 0xa05f0000
)

type hidSession struct {
	probe *HIDProbe
}

func (s *hidSession) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	if err := s.probe.writeAP(apTAR, addr); err != nil {
		return 0, fmt.Errorf("%w: %v", dkerr.ErrProbeIO, err)
	}
	v, err := s.probe.transferRead(reqAPnDP, apDRW)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", dkerr.ErrProbeIO, err)
	}
	return v, nil
}

func (s *hidSession) WriteWord(ctx context.Context, addr, value uint32) error {
	if err := s.probe.writeAP(apTAR, addr); err != nil {
		return fmt.Errorf("%w: %v", dkerr.ErrProbeIO, err)
	}
	if err := s.probe.writeAP(apDRW, value); err != nil {
		return fmt.Errorf("%w: %v", dkerr.ErrProbeIO, err)
	}
	return nil
}

func (s *hidSession) ReadBlock(ctx context.Context, addr uint32, buf []byte) error {
	if len(buf)%4 != 0 {
		return fmt.Errorf("%w: block length %d is not a multiple of 4", dkerr.ErrProbeIO, len(buf))
	}
	for i := 0; i < len(buf); i += 4 {
		v, err := s.ReadWord(ctx, addr+uint32(i))
		if err != nil {
			return err
		}
		buf[i] = byte(v)
		buf[i+1] = byte(v >> 8)
		buf[i+2] = byte(v >> 16)
		buf[i+3] = byte(v >> 24)
	}
	return nil
}

func (s *hidSession) WriteBlock(ctx context.Context, addr uint32, buf []byte) error {
	if len(buf)%4 != 0 {
		return fmt.Errorf("%w: block length %d is not a multiple of 4", dkerr.ErrProbeIO, len(buf))
	}
	for i := 0; i < len(buf); i += 4 {
		v := uint32(buf[i]) | uint32(buf[i+1])<<8 | uint32(buf[i+2])<<16 | uint32(buf[i+3])<<24
		if err := s.WriteWord(ctx, addr+uint32(i), v); err != nil {
			return err
		}
	}
	return nil
}

func (s *hidSession) ReadCoreReg(ctx context.Context, n int) (uint32, error) {
	if err := s.WriteWord(ctx, addrDCRSR, uint32(n)); err != nil {
		return 0, err
	}
	return s.ReadWord(ctx, addrDCRDR)
}

func (s *hidSession) WriteCoreReg(ctx context.Context, n int, value uint32) error {
	if err := s.WriteWord(ctx, addrDCRDR, value); err != nil {
		return err
	}
	return s.WriteWord(ctx, addrDCRSR, uint32(n)|0x10000)
}

func (s *hidSession) Halt(ctx context.Context) error {
	return s.WriteWord(ctx, addrDHCSR, dhcsrKey|dhcsrDebugEn|dhcsrHalt)
}

func (s *hidSession) Run(ctx context.Context) error {
	return s.WriteWord(ctx, addrDHCSR, dhcsrKey|dhcsrDebugEn)
}

func (s *hidSession) Reset(ctx context.Context) error {
	_, err := s.probe.cmd(cmdResetTarget, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", dkerr.ErrProbeIO, err)
	}
	return nil
}

func (s *hidSession) ResetAndHalt(ctx context.Context) error {
	if err := s.WriteWord(ctx, addrDHCSR, dhcsrKey|dhcsrDebugEn|dhcsrHalt); err != nil {
		return err
	}
	return s.Reset(ctx)
}

func (s *hidSession) Halted(ctx context.Context) (bool, error) {
	v, err := s.ReadWord(ctx, addrDHCSR)
	if err != nil {
		return false, err
	}
	return v&dhcsrSBit != 0, nil
}

// FlashElf programs every PT_LOAD segment with file contents of the ELF at
// path by writing those bytes directly to the segment's physical address
// through the AHB-AP. On the nRF52840 this is sufficient for flash: its NVMC
// is memory-mapped and word-writable once the NVMC CONFIG register selects
// write mode, which this routine sets before writing and clears afterward.
func (s *hidSession) FlashElf(ctx context.Context, path string, format FlashFormat) error {
	const nvmcConfig = 0x4001e504
	const nvmcReady = 0x4001e400
	const configWen = 0x01
	const configRen = 0x00

	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", dkerr.ErrElfParse, err)
	}
	defer f.Close()

	if err := s.WriteWord(ctx, nvmcConfig, configWen); err != nil {
		return fmt.Errorf("%w: enabling flash write: %v", dkerr.ErrProbeIO, err)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return fmt.Errorf("%w: reading program header: %v", dkerr.ErrElfParse, err)
		}
		if len(data)%4 != 0 {
			padded := make([]byte, (len(data)+3)&^3)
			copy(padded, data)
			data = padded
		}
		if err := s.WriteBlock(ctx, uint32(prog.Paddr), data); err != nil {
			return fmt.Errorf("%w: flashing segment at 0x%x: %v", dkerr.ErrProbeIO, prog.Paddr, err)
		}
		for {
			ready, err := s.ReadWord(ctx, nvmcReady)
			if err != nil {
				return fmt.Errorf("%w: %v", dkerr.ErrProbeIO, err)
			}
			if ready != 0 {
				break
			}
		}
	}

	return s.WriteWord(ctx, nvmcConfig, configRen)
}

func (s *hidSession) Close() error {
	return nil
}
