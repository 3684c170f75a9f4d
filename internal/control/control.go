// Package control implements the six nfqueue-lb subcommands
// (create, show, clean, activate, deactivate, run) against the shared
// region, independent of any CLI framework so it can be exercised
// directly by tests — the same split the teacher draws between
// health_monitor's interface and its cobra-free constructor.
package control

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	ilog "github.com/sxweetlollipop2912/nfqueue-lb/x/log"

	"github.com/sxweetlollipop2912/nfqueue-lb/internal/packet"
	"github.com/sxweetlollipop2912/nfqueue-lb/internal/queue"
	"github.com/sxweetlollipop2912/nfqueue-lb/internal/shmem"
	"github.com/sxweetlollipop2912/nfqueue-lb/internal/sharedstate"
)

var logger = ilog.Logger.With().Str("component", "control").Logger()

// CreateOptions mirrors the create subcommand's flags: -i OWN, -o
// OFFSET, and the optional positional M [N].
type CreateOptions struct {
	OwnFwmark int32
	FwOffset  int32
	M         uint32
	N         uint32
}

// Create allocates and initializes the shared region. requestedM/N of 0
// fall back to sharedstate.DefaultM/DefaultN, matching spec.md's
// "Default (M,N) = (997, 10)".
func Create(opts CreateOptions) error {
	m := opts.M
	if m == 0 {
		m = sharedstate.DefaultM
	}
	n := opts.N
	if n == 0 {
		n = sharedstate.DefaultN
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sh, err := sharedstate.New(opts.OwnFwmark, opts.FwOffset, m, n, rng)
	if err != nil {
		return fmt.Errorf("control: create: %w", err)
	}

	region, err := shmem.Create(sharedstate.MemName(), sharedstate.Size())
	if err != nil {
		return fmt.Errorf("control: create: %w", err)
	}
	defer shmem.Unmap(region)

	if err := sharedstate.WriteInto(region, sh); err != nil {
		return fmt.Errorf("control: create: %w", err)
	}

	logger.Info().
		Uint32("m", sh.Magd.M).
		Uint32("n", sh.Magd.N).
		Int32("own_fwmark", sh.OwnFwmark).
		Int32("fw_offset", sh.FwOffset).
		Msg("created shared region")
	return nil
}

// Show maps the region read-only and returns a presentational snapshot.
func Show() (sharedstate.View, error) {
	region, err := shmem.OpenReadOnly(sharedstate.MemName(), sharedstate.Size())
	if err != nil {
		return sharedstate.View{}, fmt.Errorf("control: show: %w", err)
	}
	defer shmem.Unmap(region)

	sh, err := sharedstate.Decode(region)
	if err != nil {
		return sharedstate.View{}, fmt.Errorf("control: show: %w", err)
	}
	return sharedstate.NewView(sh), nil
}

// Clean destroys the shared region.
func Clean() error {
	if err := shmem.Unlink(sharedstate.MemName()); err != nil {
		return fmt.Errorf("control: clean: %w", err)
	}
	logger.Info().Msg("destroyed shared region")
	return nil
}

// Activate marks the given mark-space ids active.
func Activate(ids ...int) error {
	return mutate(func(sh *sharedstate.SharedData) {
		sharedstate.Activate(sh, ids...)
	})
}

// Deactivate marks the given mark-space ids inactive.
func Deactivate(ids ...int) error {
	return mutate(func(sh *sharedstate.SharedData) {
		sharedstate.Deactivate(sh, ids...)
	})
}

func mutate(fn func(sh *sharedstate.SharedData)) error {
	region, err := shmem.OpenReadWrite(sharedstate.MemName(), sharedstate.Size())
	if err != nil {
		return fmt.Errorf("control: mutate: %w", err)
	}
	defer shmem.Unmap(region)

	sh, err := sharedstate.Decode(region)
	if err != nil {
		return fmt.Errorf("control: mutate: %w", err)
	}

	fn(sh)

	if err := sharedstate.WriteInto(region, sh); err != nil {
		return fmt.Errorf("control: mutate: %w", err)
	}
	return nil
}

// RunOptions mirrors the run subcommand's flags: -q QUEUE, -p, -m MODE.
type RunOptions struct {
	QueueNum      uint32
	PortExtension bool
	Mode          sharedstate.Mode
}

// Run maps the region read-only and drives q's packet loop until ctx is
// canceled or q.Recv reports the queue closed. Every packet produces a
// verdict; classification never fails upward (spec.md §7).
//
// sh overlays the mapped region directly (sharedstate.Overlay, not
// Decode): mark, built once, closes over that pointer, so every packet
// indexes the live mapping and observes activate/deactivate writes a
// separate control process makes through its own read-write mapping of
// the same region — including the ones internal/healthmonitor's Drive
// issues automatically. A Decode-once snapshot would freeze the
// classifier's view at startup and make activate/deactivate a no-op for
// this running process.
func Run(ctx context.Context, q queue.Queue, opts RunOptions) error {
	region, err := shmem.OpenReadOnly(sharedstate.MemName(), sharedstate.Size())
	if err != nil {
		return fmt.Errorf("control: run: %w", err)
	}
	defer shmem.Unmap(region)

	sh, err := sharedstate.Overlay(region)
	if err != nil {
		return fmt.Errorf("control: run: %w", err)
	}

	mode := opts.Mode
	if mode == "" {
		mode = sharedstate.ModeMaglev
	}
	mark := sharedstate.MarkFunc(sh, mode)

	runLogger := logger.With().
		Uint32("queue", opts.QueueNum).
		Str("mode", string(mode)).
		Logger()
	runLogger.Info().Msg("starting packet loop")

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = q.Close()
		close(done)
	}()

	for {
		p, ok := q.Recv()
		if !ok {
			<-done
			return nil
		}

		verdictMark := packet.Classify(p.Protocol, p.Payload, opts.PortExtension, mark)
		if err := q.Answer(queue.Verdict{ID: p.ID, Mark: verdictMark}); err != nil {
			return fmt.Errorf("control: run: queue answer: %w", err)
		}
	}
}

// SetLogLevel adjusts the control package's logger, mirroring the
// teacher's WithLogLevel option shape.
func SetLogLevel(level zerolog.Level) {
	logger = logger.Level(level)
}
