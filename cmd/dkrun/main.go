// Command dkrun loads an ELF onto a single preconfigured nRF52840 target,
// runs it, streams its RTT trace output to stdout, and prints a symbolic
// stack backtrace once the target halts or the operator interrupts it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaosstudygroup/dkrun/internal/dkerr"
	"github.com/chaosstudygroup/dkrun/internal/image"
	"github.com/chaosstudygroup/dkrun/internal/loader"
	"github.com/chaosstudygroup/dkrun/internal/log"
	"github.com/chaosstudygroup/dkrun/internal/monitor"
	"github.com/chaosstudygroup/dkrun/internal/probe"
	"github.com/chaosstudygroup/dkrun/internal/rtt"
	"github.com/chaosstudygroup/dkrun/internal/unwind"
)

// targetChip is the one chip this build of dkrun knows how to drive.
// Multi-target support is explicitly out of scope.
const targetChip = "nRF52840_xxAA"

var verbose bool

func main() {
	root := &cobra.Command{
		Use:           "dkrun <elf>",
		Short:         "Load, run, and trace firmware on a single nRF52840 target",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging and CFI derivation tracing")

	root.AddCommand(&cobra.Command{
		Use:   "info <elf>",
		Short: "Print image metadata without touching a probe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return info(args[0])
		},
	})

	if err := root.Execute(); err != nil {
		log.Init(verbose)
		log.L.Error(err.Error())
		os.Exit(1)
	}
}

func run(elfPath string) error {
	log.Init(verbose)
	ctx := context.Background()

	img, err := image.Build(elfPath)
	if err != nil {
		return fmt.Errorf("building image: %w", err)
	}

	p, err := probe.OpenHIDProbe()
	if err != nil {
		return fmt.Errorf("opening probe: %w", err)
	}
	defer p.Close()

	if err := p.AttachChip(ctx, targetChip); err != nil {
		return fmt.Errorf("attaching to %s: %w", targetChip, err)
	}
	sess, err := p.AttachCore(ctx, 0)
	if err != nil {
		return fmt.Errorf("attaching core: %w", err)
	}
	defer sess.Close()

	if err := loader.Launch(ctx, sess, img, elfPath); err != nil {
		return fmt.Errorf("launching image: %w", err)
	}

	if !img.HasTracing {
		return fmt.Errorf("attaching to tracing channel: %w", dkerr.ErrMissingTracingAddress)
	}
	channel, err := rtt.Open(ctx, sess, img.TracingAddr)
	if err != nil {
		return fmt.Errorf("attaching to tracing channel: %w", err)
	}

	if _, err := monitor.Run(ctx, sess, channel, os.Stdout); err != nil {
		return fmt.Errorf("monitoring target: %w", err)
	}

	if err := unwind.Backtrace(ctx, sess, img, os.Stdout, verbose); err != nil {
		return fmt.Errorf("unwinding stack: %w", err)
	}
	return nil
}

func info(elfPath string) error {
	img, err := image.Build(elfPath)
	if err != nil {
		return fmt.Errorf("building image: %w", err)
	}

	fmt.Printf("reset vector:   sp=%#010x pc=%#010x\n", img.Reset.InitialSP, img.Reset.InitialPC)
	fmt.Printf("vector table:   %#010x (%d bytes)\n", img.Vector.Addr, len(img.Vector.Data))
	fmt.Printf(".text:          %#010x (%d bytes)\n", img.Text.Addr, len(img.Text.Data))
	if img.Rodata != nil {
		fmt.Printf(".rodata:        %#010x (%d bytes)\n", img.Rodata.Addr, len(img.Rodata.Data))
	}
	if img.Data != nil {
		fmt.Printf(".data:          %#010x (%d bytes), phys=%#010x\n", img.Data.Addr, len(img.Data.Data), img.Data.PhysAddr)
	}
	fmt.Printf("symbols:        %d\n", len(img.Names))
	if img.HasTracing {
		fmt.Printf("tracing:        %#010x\n", img.TracingAddr)
	} else {
		fmt.Println("tracing:        none")
	}
	if image.VTORIndicatesRAM(img.Vector.Addr) {
		fmt.Println("load strategy:  RAM")
	} else {
		fmt.Println("load strategy:  flash")
	}
	return nil
}
