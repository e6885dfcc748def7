// Package syscallengine implements the plain-syscall send/recv and echo
// engines: each worker owns its own socket (rather than sharing one socket
// across goroutines) so that concurrent senders use distinct local ports,
// mirroring real-world multi-flow traffic and avoiding a single socket's
// send buffer becoming a shared bottleneck (see https://lwn.net/Articles/542629/).
package syscallengine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/m-lab/netbench/metrics"
	"github.com/m-lab/netbench/neterrors"
	"github.com/m-lab/netbench/pkt"
	"github.com/m-lab/netbench/sockutil"
	"github.com/m-lab/netbench/stats"
)

// sendFlags matches the original's SEND_FLAGS: MSG_CONFIRM tells the kernel
// the forward path is working (skipping a redundant neighbour-reachability
// probe), and MSG_NOSIGNAL keeps UDP sends from ever raising SIGPIPE.
const sendFlags = unix.MSG_CONFIRM | unix.MSG_NOSIGNAL

// Config holds everything syscallengine.Run and syscallengine.RunEcho need.
// Not every field applies to both: BatchSize only matters to Run, MTU only
// to RunEcho.
type Config struct {
	Dest          sockutil.Endpoint
	PacketSize    int
	MTU           int
	BatchSize     int
	NumSockets    int
	Seed          uint64
	Start         time.Time
	VerifyPayload bool
	Verifier      interface {
		NextPacket(index, sendTime uint64, dst []byte)
		VerifyRecvPacket(buf []byte) bool
	}
}

// Run implements the syscall-sendrecv mode: NumSockets connected sockets,
// each driven by a transmitter goroutine and a receiver goroutine, sharing
// one global atomic send-index counter across all of them.
func Run(ctx context.Context, cfg Config, agg *stats.Aggregator) error {
	var txNextIndex uint64

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var errOnce sync.Once
	var runErr error
	fail := func(err error) {
		errOnce.Do(func() {
			runErr = err
			cancel()
		})
	}

	for tid := 0; tid < cfg.NumSockets; tid++ {
		fd, err := sockutil.CreateConnected(cfg.Dest)
		if err != nil {
			return err
		}
		port, _ := sockutil.LocalPort(fd)
		log.Printf("syscall-sendrecv: worker %d sending from local port %d", tid, port)

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := transmit(ctx, fd, cfg, agg, &txNextIndex); err != nil {
				fail(err)
			}
		}()
		go func() {
			defer wg.Done()
			receive(ctx, fd, cfg, agg)
		}()
	}
	wg.Wait()
	return runErr
}

// transmit runs one worker's send loop until ctx is cancelled, or returns
// early with a *neterrors.PacketTooLarge if the kernel rejects the
// configured packet size outright.
func transmit(ctx context.Context, fd int, cfg Config, agg *stats.Aggregator, txNextIndex *uint64) error {
	if cfg.BatchSize <= 1 {
		return transmitSingle(ctx, fd, cfg, agg, txNextIndex)
	}
	return transmitBatch(ctx, fd, cfg, agg, txNextIndex)
}

// transmitSingle uses the plain `send` syscall, one packet per call.
func transmitSingle(ctx context.Context, fd int, cfg Config, agg *stats.Aggregator, txNextIndex *uint64) error {
	buf := make([]byte, cfg.PacketSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		index := atomic.AddUint64(txNextIndex, 1) - 1
		t := stats.GetTimeValue(cfg.Start)
		if cfg.VerifyPayload && cfg.Verifier != nil {
			cfg.Verifier.NextPacket(index, t, buf)
		} else {
			pkt.WritePacket(cfg.Seed, index, t, buf)
		}
		if err := unix.Send(fd, buf, sendFlags); err != nil {
			if err == unix.EMSGSIZE {
				return &neterrors.PacketTooLarge{}
			}
			metrics.SendErrorsTotal.WithLabelValues("send").Inc()
			continue
		}
		metrics.TxPacketsTotal.WithLabelValues("syscall").Inc()
		agg.AccessStep(t, func(s *stats.Step) { stats.AddTx(s, 1) })
	}
}

// transmitBatch builds cfg.BatchSize mmsghdr records over a preallocated
// contiguous buffer and issues sendmmsg, looping to cover any partial
// progress the kernel reports.
func transmitBatch(ctx context.Context, fd int, cfg Config, agg *stats.Aggregator, txNextIndex *uint64) error {
	batch := cfg.BatchSize
	pktBuf := make([]byte, cfg.PacketSize*batch)
	iovecs := make([]unix.Iovec, batch)
	msgs := make([]mmsghdr, batch)

	for i := 0; i < batch; i++ {
		iovecs[i].Base = &pktBuf[i*cfg.PacketSize]
		iovecs[i].SetLen(cfg.PacketSize)
		msgs[i].Hdr.Iov = &iovecs[i]
		msgs[i].Hdr.SetIovlen(1)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		t := stats.GetTimeValue(cfg.Start)
		start := atomic.AddUint64(txNextIndex, uint64(batch)) - uint64(batch)
		for i := 0; i < batch; i++ {
			slice := pktBuf[i*cfg.PacketSize : (i+1)*cfg.PacketSize]
			if cfg.VerifyPayload && cfg.Verifier != nil {
				cfg.Verifier.NextPacket(start+uint64(i), t, slice)
			} else {
				pkt.WritePacket(cfg.Seed, start+uint64(i), t, slice)
			}
		}

		sent, err := sendmmsg(fd, msgs)
		if err != nil {
			if err == unix.EMSGSIZE {
				return &neterrors.PacketTooLarge{}
			}
			metrics.SendErrorsTotal.WithLabelValues("sendmmsg").Inc()
			continue
		}
		metrics.TxPacketsTotal.WithLabelValues("syscall").Add(float64(sent))
		agg.AccessStep(t, func(s *stats.Step) { stats.AddTx(s, uint64(sent)) })
	}
}

// receive runs one worker's recv loop until ctx is cancelled: recv with
// MSG_TRUNC (so an oversize datagram is reported at its true length rather
// than silently truncated into looking valid), discard anything that is not
// exactly packet_size bytes or fails to parse or carries a send_time after
// recv_time, and otherwise attribute the round trip to both the receive
// step and the step the packet was sent in.
func receive(ctx context.Context, fd int, cfg Config, agg *stats.Aggregator) {
	recvBuf := make([]byte, cfg.PacketSize+4)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := unix.Recv(fd, recvBuf, unix.MSG_TRUNC)
		if err != nil {
			continue
		}
		recvTime := stats.GetTimeValue(cfg.Start)
		if n != cfg.PacketSize {
			continue
		}
		metrics.RxPacketsTotal.WithLabelValues("syscall").Inc()
		if cfg.VerifyPayload && cfg.Verifier != nil {
			if !cfg.Verifier.VerifyRecvPacket(recvBuf[:n]) {
				continue
			}
		}
		h, err := pkt.ParsePacket(cfg.Seed, recvBuf[:n])
		if err != nil {
			continue
		}
		if h.SendTime > recvTime {
			// See the clock-skew Open Question: kept as a silent discard,
			// not clipped to zero.
			continue
		}
		latency := recvTime - h.SendTime
		metrics.LatencyHistogram.Observe(float64(latency))
		agg.AccessStep(recvTime, func(s *stats.Step) { stats.AddRx(s, 1) })
		agg.AccessStep(h.SendTime, func(s *stats.Step) {
			stats.AddRxSentHere(s, latency)
		})
	}
}

// RunEcho implements the syscall-echo mode: NumSockets sockets all bound to
// the same listen address via SO_REUSEPORT, each echoing every datagram
// back to its captured source address.
func RunEcho(ctx context.Context, cfg Config, agg *stats.Aggregator) error {
	var wg sync.WaitGroup
	for tid := 0; tid < cfg.NumSockets; tid++ {
		fd, err := sockutil.CreateBound(cfg.Dest)
		if err != nil {
			return err
		}
		log.Printf("syscall-echo: worker %d listening", tid)
		wg.Add(1)
		go func() {
			defer wg.Done()
			echoLoop(ctx, fd, cfg, agg)
		}()
	}
	wg.Wait()
	return nil
}

func echoLoop(ctx context.Context, fd int, cfg Config, agg *stats.Aggregator) {
	buf := make([]byte, cfg.MTU)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			continue
		}
		recvTime := stats.GetTimeValue(cfg.Start)
		sendErr := unix.Sendto(fd, buf[:n], sendFlags, from)
		metrics.RxPacketsTotal.WithLabelValues("syscall-echo").Inc()
		if sendErr == nil {
			metrics.TxPacketsTotal.WithLabelValues("syscall-echo").Inc()
		} else if sendErr != unix.EMSGSIZE {
			metrics.SendErrorsTotal.WithLabelValues("sendto").Inc()
		}
		agg.AccessStep(recvTime, func(s *stats.Step) {
			stats.AddRx(s, 1)
			if sendErr == nil {
				stats.AddTx(s, 1)
			}
		})
	}
}
