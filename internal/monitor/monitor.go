// Package monitor streams a target's RTT output to a writer until the
// target halts on its own or the operator interrupts with Ctrl-C.
package monitor

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/chaosstudygroup/dkrun/internal/probe"
	"github.com/chaosstudygroup/dkrun/internal/rtt"
)

// Reason names why Run stopped polling.
type Reason int

const (
	// Halted means the core reported halted on two consecutive polls.
	Halted Reason = iota
	// Interrupted means the operator sent Ctrl-C.
	Interrupted
)

// Run drains channel into out until the core halts (observed on two
// consecutive polls, to avoid mistaking a single transient halt -- e.g. a
// breakpoint step -- for termination) or the operator interrupts. It halts
// the core itself before returning when stopped by Ctrl-C.
func Run(ctx context.Context, sess probe.Session, channel *rtt.Channel, out io.Writer) (Reason, error) {
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)
	defer signal.Stop(interrupted)

	var stop atomic.Bool
	go func() {
		<-interrupted
		stop.Store(true)
	}()

	consecutiveHalts := 0
	for {
		if stop.Load() {
			if err := sess.Halt(ctx); err != nil {
				return Interrupted, err
			}
			return Interrupted, nil
		}

		chunk, err := channel.Read(ctx)
		if err != nil {
			return Halted, err
		}
		if len(chunk) > 0 {
			if _, err := out.Write(chunk); err != nil {
				return Halted, err
			}
			consecutiveHalts = 0
			continue
		}

		halted, err := sess.Halted(ctx)
		if err != nil {
			return Halted, err
		}
		if halted {
			consecutiveHalts++
			if consecutiveHalts >= 2 {
				return Halted, nil
			}
			continue
		}
		consecutiveHalts = 0
	}
}
