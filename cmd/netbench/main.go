// Command netbench drives one of three UDP packet-rate benchmarking engines
// against a remote (or loopback) peer: a plain-syscall sender/receiver pair,
// a plain-syscall echo server, or an io_uring based echo server, reporting
// packet rate and round-trip latency through a CSV file and/or Prometheus.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/netbench/dispatch"
	"github.com/m-lab/netbench/ioringengine"
	"github.com/m-lab/netbench/packetgen"
	"github.com/m-lab/netbench/sockutil"
	"github.com/m-lab/netbench/stats"
	"github.com/m-lab/netbench/syscallengine"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: netbench <subcommand> <server_addr> [flags]")
	fmt.Fprintln(os.Stderr, "Subcommands:")
	fmt.Fprintln(os.Stderr, "  syscall-sendrecv <server_addr> [--batch-size N] [--nb-sockets N]")
	fmt.Fprintln(os.Stderr, "  syscall-echo     <server_addr> [--nb-sockets N] [--mtu N]")
	fmt.Fprintln(os.Stderr, "  io-uring-echo    <server_addr> [--nb-sockets N] [--mtu N] [--ring-size N] [--kernel-poll-timeout N] [--nb-recv N]")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	mode := os.Args[1]
	serverAddr := os.Args[2]

	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	packetSize := fs.Int("packet-size", 1024, "Size in bytes of every packet on the wire, including the 16-byte header.")
	seed := fs.Uint64("seed", 42, "Seed for the deterministic payload generator/verifier.")
	verifyPayload := fs.Bool("verify-payload", false, "Generate and verify a deterministic payload past the packet header.")
	statsFile := fs.String("stats-file", "", "Path to write the per-step CSV stats file. Empty disables CSV output.")
	statsIntervalMs := fs.Uint64("stats-interval-ms", 1000, "Width in milliseconds of each aggregator step.")
	statsEvictIntervalSecs := fs.Uint64("stats-evict-interval-secs", 60, "How many seconds of steps to retain before eviction.")
	statsEvictThresholdSecs := fs.Uint64("stats-evict-threshold-secs", 5, "How many trailing seconds of steps to always keep in the window.")
	promAddr := fs.String("prom", ":9090", "Prometheus metrics export address and port.")

	var batchSize, nbSockets, mtu, ringSize, nbRecv *int
	var kernelPollTimeoutMs *int

	switch mode {
	case "syscall-sendrecv":
		batchSize = fs.Int("batch-size", 1, "Number of packets per sendmmsg call. 1 uses plain send.")
		nbSockets = fs.Int("nb-sockets", 1, "Number of concurrent connected sockets.")
	case "syscall-echo":
		nbSockets = fs.Int("nb-sockets", 1, "Number of sockets sharing the listen address via SO_REUSEPORT.")
		mtu = fs.Int("mtu", 1500, "Largest datagram the echo server will read.")
	case "io-uring-echo":
		nbSockets = fs.Int("nb-sockets", 1, "Number of rings, each with its own bound socket.")
		mtu = fs.Int("mtu", 1500, "Largest datagram any ring will read.")
		ringSize = fs.Int("ring-size", 256, "Submission/completion queue depth per ring. Must be a power of two.")
		kernelPollTimeoutMs = fs.Int("kernel-poll-timeout", 0, "Idle timeout in milliseconds for SQPOLL. 0 disables kernel-side polling.")
		nbRecv = fs.Int("nb-recv", 128, "Number of pre-posted receive submissions per ring.")
	default:
		usage()
	}

	rtx.Must(fs.Parse(os.Args[3:]), "Could not parse flags")
	flagx.ArgsFromEnv(fs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("netbench: received shutdown signal, draining workers")
		cancel()
	}()

	promSrv := prometheusx.MustStartPrometheus(*promAddr)
	defer promSrv.Shutdown(ctx)

	var sink stats.Sink
	if *statsFile != "" {
		csvFile, err := stats.NewCSVFile(*statsFile)
		rtx.Must(err, "Could not create stats file %q", *statsFile)
		defer csvFile.Close()
		sink = stats.NewCSVSink(csvFile)
	}
	maxSteps := int(*statsEvictIntervalSecs*1000/(*statsIntervalMs)) + 1
	agg := stats.NewAggregator(*statsIntervalMs, maxSteps, *statsEvictThresholdSecs*1000, sink)

	var verifier interface {
		NextPacket(index, sendTime uint64, dst []byte)
		VerifyRecvPacket(buf []byte) bool
	}
	if *verifyPayload {
		verifier = packetgen.NewGenerator(*packetSize, *seed)
	}

	start := time.Now()

	switch mode {
	case "syscall-sendrecv":
		dest, err := sockutil.Resolve(serverAddr)
		rtx.Must(err, "Could not resolve %q", serverAddr)
		cfg := syscallengine.Config{
			Dest:          dest,
			PacketSize:    *packetSize,
			BatchSize:     *batchSize,
			NumSockets:    *nbSockets,
			Seed:          *seed,
			Start:         start,
			VerifyPayload: *verifyPayload,
			Verifier:      verifier,
		}
		rtx.Must(dispatch.Run(ctx, dispatch.SyscallSendRecv, cfg, ioringengine.Config{}, agg), "syscall-sendrecv engine failed")
	case "syscall-echo":
		listen, err := sockutil.Resolve(serverAddr)
		rtx.Must(err, "Could not resolve %q", serverAddr)
		cfg := syscallengine.Config{
			Dest:       listen,
			PacketSize: *packetSize,
			MTU:        *mtu,
			NumSockets: *nbSockets,
			Seed:       *seed,
			Start:      start,
		}
		rtx.Must(dispatch.Run(ctx, dispatch.SyscallEcho, cfg, ioringengine.Config{}, agg), "syscall-echo engine failed")
	case "io-uring-echo":
		listen, err := sockutil.Resolve(serverAddr)
		rtx.Must(err, "Could not resolve %q", serverAddr)
		cfg := ioringengine.Config{
			Listen:           listen,
			MTU:              *mtu,
			NumSockets:       *nbSockets,
			RingSize:         uint32(*ringSize),
			NbRecv:           *nbRecv,
			KernelPollIdleMs: uint32(*kernelPollTimeoutMs),
			Start:            start,
		}
		rtx.Must(dispatch.Run(ctx, dispatch.IOUringEcho, syscallengine.Config{}, cfg, agg), "io-uring-echo engine failed")
	}

	log.Printf("netbench: %s finished after %s", mode, time.Since(start).Round(time.Second))
}
