// Package loader implements the two strategies for getting an Image onto
// the target and running: writing it directly into SRAM, or handing it to
// the probe's flashing facility.
package loader

import (
	"context"
	"fmt"

	"github.com/chaosstudygroup/dkrun/internal/image"
	"github.com/chaosstudygroup/dkrun/internal/log"
	"github.com/chaosstudygroup/dkrun/internal/probe"
)

// lrEndOfUnwind is the sentinel link-register value the unwinder uses to
// recognize the bottom of the call stack: a RAM-loaded image's reset frame
// has nothing to return to, so LR starts out poisoned with it.
const lrEndOfUnwind = 0xffffffff

const addrVTOR = 0xe000ed08

// Launch writes img onto the target through sess and starts it running,
// choosing the RAM or flash strategy from the vector table's address.
func Launch(ctx context.Context, sess probe.Session, img *image.Image, elfPath string) error {
	if err := sess.ResetAndHalt(ctx); err != nil {
		return fmt.Errorf("reset and halt: %w", err)
	}

	if image.VTORIndicatesRAM(img.Vector.Addr) {
		return launchRAM(ctx, sess, img)
	}
	return launchFlash(ctx, sess, img, elfPath)
}

func launchRAM(ctx context.Context, sess probe.Session, img *image.Image) error {
	log.L.Debug("loading image into RAM", log.Addr(img.Vector.Addr))

	if err := writeSection(ctx, sess, img.Vector); err != nil {
		return err
	}
	if err := writeSection(ctx, sess, img.Text); err != nil {
		return err
	}
	if img.Rodata != nil {
		if err := writeSection(ctx, sess, *img.Rodata); err != nil {
			return err
		}
	}
	if img.Data != nil {
		// .data's initializer goes to its physical (load) address, not its
		// virtual (runtime) one: the target's own startup code copies it
		// from phys to virt, and writing to virt directly would just get
		// overwritten by that copy.
		if err := sess.WriteBlock(ctx, img.Data.PhysAddr, img.Data.Data); err != nil {
			return fmt.Errorf("writing .data to 0x%x: %w", img.Data.PhysAddr, err)
		}
	}

	if err := sess.WriteCoreReg(ctx, probe.R14LR, lrEndOfUnwind); err != nil {
		return fmt.Errorf("setting LR: %w", err)
	}
	if err := sess.WriteCoreReg(ctx, probe.R13SP, img.Reset.InitialSP); err != nil {
		return fmt.Errorf("setting SP: %w", err)
	}
	if err := sess.WriteCoreReg(ctx, probe.R15PC, img.Reset.InitialPC); err != nil {
		return fmt.Errorf("setting PC: %w", err)
	}
	if err := sess.WriteWord(ctx, addrVTOR, img.Vector.Addr); err != nil {
		return fmt.Errorf("setting VTOR: %w", err)
	}

	return sess.Run(ctx)
}

func launchFlash(ctx context.Context, sess probe.Session, img *image.Image, elfPath string) error {
	log.L.Debug("flashing image", log.Addr(img.Vector.Addr))

	if err := sess.FlashElf(ctx, elfPath, probe.ElfFormat); err != nil {
		return fmt.Errorf("flashing image: %w", err)
	}
	// The part's own boot sequence already loads SP/PC from the vector
	// table it was just flashed with; the explicit reset here is still
	// issued so the core restarts from that vector table and runs, rather
	// than continuing from wherever it happened to be mid-flash.
	return sess.Reset(ctx)
}

func writeSection(ctx context.Context, sess probe.Session, sec image.Section) error {
	if err := sess.WriteBlock(ctx, sec.Addr, sec.Data); err != nil {
		return fmt.Errorf("writing %s to 0x%x: %w", sec.Name, sec.Addr, err)
	}
	return nil
}
