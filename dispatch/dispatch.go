// Package dispatch selects and runs exactly one of netbench's three
// engines for the lifetime of the process, per the CLI subcommand chosen at
// startup.
package dispatch

import (
	"context"
	"fmt"

	"github.com/m-lab/netbench/ioringengine"
	"github.com/m-lab/netbench/stats"
	"github.com/m-lab/netbench/syscallengine"
)

// Mode names the engine a run of netbench drives.
type Mode int

const (
	// SyscallSendRecv drives syscallengine.Run (the "syscall-sendrecv" CLI mode).
	SyscallSendRecv Mode = iota
	// SyscallEcho drives syscallengine.RunEcho (the "syscall-echo" CLI mode).
	SyscallEcho
	// IOUringEcho drives ioringengine.Run (the "io-uring-echo" CLI mode).
	IOUringEcho
)

func (m Mode) String() string {
	switch m {
	case SyscallSendRecv:
		return "syscall-sendrecv"
	case SyscallEcho:
		return "syscall-echo"
	case IOUringEcho:
		return "io-uring-echo"
	default:
		return "unknown"
	}
}

// Run dispatches to exactly one engine, blocking until ctx is cancelled or
// the engine returns a fatal error. Exactly one of syscallCfg/ioringCfg is
// read, matching mode.
func Run(ctx context.Context, mode Mode, syscallCfg syscallengine.Config, ioringCfg ioringengine.Config, agg *stats.Aggregator) error {
	switch mode {
	case SyscallSendRecv:
		return syscallengine.Run(ctx, syscallCfg, agg)
	case SyscallEcho:
		return syscallengine.RunEcho(ctx, syscallCfg, agg)
	case IOUringEcho:
		return ioringengine.Run(ctx, ioringCfg, agg)
	default:
		return fmt.Errorf("dispatch: unknown mode %v", mode)
	}
}
