// Package ioringengine implements the io_uring based echo engine: one ring
// per socket, a pool of pre-posted receive submissions cycling through a
// RecvInProgress/SendInProgress state machine, serviced by a single
// user-mode goroutine round-robining across every ring.
//
// Every submission's user_data carries the slot index; since a slot is only
// ever in exactly one of the two states at a time, the completion handler
// can always tell what operation just finished without consulting anything
// beyond the ring's own completion queue entry.
package ioringengine

import (
	"context"
	"log"
	"strconv"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/m-lab/netbench/internal/ioring"
	"github.com/m-lab/netbench/metrics"
	"github.com/m-lab/netbench/neterrors"
	"github.com/m-lab/netbench/sockutil"
	"github.com/m-lab/netbench/stats"
)

// slotState tracks what operation a ring slot currently has in flight.
type slotState int

const (
	recvInProgress slotState = iota
	sendInProgress
)

// ring is the subset of *ioring.Ring this package drives; tests substitute
// a fake implementing this interface instead of a real ring backed by
// syscalls.
type ring interface {
	GetSQE() *ioring.SQE
	Submit() (int, error)
	PeekCQE() (*ioring.CQE, bool)
	CQESeen()
	SQNeedWakeup() bool
	SQSpaceLeft() int
}

// Config configures the io_uring echo engine.
type Config struct {
	Listen           sockutil.Endpoint
	MTU              int
	NumSockets       int
	RingSize         uint32
	NbRecv           int
	KernelPollIdleMs uint32
	Start            time.Time
}

// socketRing owns one ring, its socket, and all per-slot state for that
// ring.
type socketRing struct {
	label string
	fd    int
	r     ring
	mtu   int

	msghdrs []unix.Msghdr
	iovecs  []unix.Iovec
	addrs   []unix.RawSockaddrAny
	pktBuf  []byte
	states  []slotState

	nbActiveRecv int32
	nbRecv       int
	ringCapacity int

	start time.Time
	agg   *stats.Aggregator
}

// Run implements the io-uring-echo CLI mode: creates cfg.NumSockets rings,
// each bound to cfg.Listen via SO_REUSEPORT, pre-posts cfg.NbRecv receive
// submissions on each, then services every ring round-robin from a single
// goroutine until ctx is cancelled.
func Run(ctx context.Context, cfg Config, agg *stats.Aggregator) error {
	sockets := make([]*socketRing, 0, cfg.NumSockets)
	for i := 0; i < cfg.NumSockets; i++ {
		fd, err := sockutil.CreateBound(cfg.Listen)
		if err != nil {
			return err
		}
		realRing, err := ioring.NewRing(ioring.Config{Entries: cfg.RingSize, SQPollIdleMs: cfg.KernelPollIdleMs})
		if err != nil {
			return err
		}
		if err := realRing.RegisterFiles([]int32{int32(fd)}); err != nil {
			return err
		}
		sr := newSocketRing(i, fd, realRing, cfg.MTU, cfg.NbRecv, int(cfg.RingSize), cfg.Start, agg)
		for idx := 0; idx < cfg.NbRecv; idx++ {
			if err := sr.pushRecv(idx); err != nil {
				return err
			}
		}
		if _, err := sr.r.Submit(); err != nil {
			return err
		}
		sockets = append(sockets, sr)
		go sr.watchActiveRecv(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		for _, sr := range sockets {
			if err := sr.checkCQ(); err != nil {
				log.Printf("io-uring-echo: ring %s: %v", sr.label, err)
			}
		}
	}
}

func newSocketRing(index, fd int, r ring, mtu, nbRecv, ringCapacity int, start time.Time, agg *stats.Aggregator) *socketRing {
	return &socketRing{
		label:        labelFor(index),
		fd:           fd,
		r:            r,
		mtu:          mtu,
		nbRecv:       nbRecv,
		ringCapacity: ringCapacity,
		msghdrs:      make([]unix.Msghdr, nbRecv),
		iovecs:       make([]unix.Iovec, nbRecv),
		addrs:        make([]unix.RawSockaddrAny, nbRecv),
		pktBuf:       make([]byte, nbRecv*mtu),
		states:       make([]slotState, nbRecv),
		start:        start,
		agg:          agg,
	}
}

func labelFor(index int) string { return "ring-" + strconv.Itoa(index) }

// pushRecv (re)submits an IORING_OP_RECVMSG for slot idx, reusing that
// slot's buffers.
func (sr *socketRing) pushRecv(idx int) error {
	sr.iovecs[idx].Base = &sr.pktBuf[idx*sr.mtu]
	sr.iovecs[idx].SetLen(sr.mtu)
	sr.msghdrs[idx].Name = (*byte)(unsafe.Pointer(&sr.addrs[idx]))
	sr.msghdrs[idx].Namelen = uint32(unsafe.Sizeof(sr.addrs[idx]))
	sr.msghdrs[idx].Iov = &sr.iovecs[idx]
	sr.msghdrs[idx].SetIovlen(1)
	sr.msghdrs[idx].Control = nil
	sr.msghdrs[idx].Controllen = 0

	sqe := sr.r.GetSQE()
	if sqe == nil {
		metrics.RingFullTotal.WithLabelValues("recvmsg").Inc()
		return &neterrors.RingFull{Kind: "recvmsg", Slot: idx, Capacity: sr.ringCapacity}
	}
	sqe.Opcode = ioring.OpRecvMsg
	sqe.Fd = 0
	sqe.Flags = ioring.SQEFixedFile
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&sr.msghdrs[idx])))
	sqe.UserData = uint64(idx)

	sr.states[idx] = recvInProgress
	atomic.AddInt32(&sr.nbActiveRecv, 1)
	return nil
}

// pushSend submits an IORING_OP_SENDMSG for slot idx, echoing length bytes
// back to the source address captured by the preceding recv.
func (sr *socketRing) pushSend(idx int, length int) error {
	sr.iovecs[idx].SetLen(length)

	sqe := sr.r.GetSQE()
	if sqe == nil {
		metrics.RingFullTotal.WithLabelValues("sendmsg").Inc()
		return &neterrors.RingFull{Kind: "sendmsg", Slot: idx, Capacity: sr.ringCapacity}
	}
	sqe.Opcode = ioring.OpSendMsg
	sqe.Fd = 0
	sqe.Flags = ioring.SQEFixedFile
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&sr.msghdrs[idx])))
	sqe.UserData = uint64(idx)

	sr.states[idx] = sendInProgress
	atomic.AddInt32(&sr.nbActiveRecv, -1)
	return nil
}

// checkCQ drains every completion currently available and advances each
// slot's state machine, then re-submits.
func (sr *socketRing) checkCQ() error {
	for {
		cqe, ok := sr.r.PeekCQE()
		if !ok {
			break
		}
		idx := int(cqe.UserData)
		res := cqe.Res
		state := sr.states[idx]
		sr.r.CQESeen()

		switch state {
		case recvInProgress:
			if res <= 0 {
				atomic.AddInt32(&sr.nbActiveRecv, -1)
				if err := sr.pushRecv(idx); err != nil {
					return err
				}
				continue
			}
			recvTime := stats.GetTimeValue(sr.start)
			metrics.RxPacketsTotal.WithLabelValues("io-uring").Inc()
			sr.agg.AccessStep(recvTime, func(s *stats.Step) { stats.AddRx(s, 1) })
			if err := sr.pushSend(idx, int(res)); err != nil {
				return err
			}
		case sendInProgress:
			if res > 0 {
				metrics.TxPacketsTotal.WithLabelValues("io-uring").Inc()
				t := stats.GetTimeValue(sr.start)
				sr.agg.AccessStep(t, func(s *stats.Step) { stats.AddTx(s, 1) })
			}
			if err := sr.pushRecv(idx); err != nil {
				return err
			}
		}
	}
	if left := sr.r.SQSpaceLeft(); left == 0 {
		log.Printf("io-uring-echo: %s: submission queue full, next push will report RingFull", sr.label)
	}
	_, err := sr.r.Submit()
	return err
}

// watchActiveRecv logs once per second if the receive pipeline has been
// running dry (fewer than nbRecv-2 recvs outstanding) for 5 consecutive
// seconds, per spec.md §4.5's diagnostic.
func (sr *socketRing) watchActiveRecv(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var badSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			active := atomic.LoadInt32(&sr.nbActiveRecv)
			metrics.ActiveRecvGauge.WithLabelValues(sr.label).Set(float64(active))
			if int(active)+2 < sr.nbRecv {
				if badSince.IsZero() {
					badSince = now
					continue
				}
				if now.Sub(badSince) >= 5*time.Second {
					log.Printf("io-uring-echo: %s: nb_active_recv=%d below nb_recv-2=%d for %s, receive pipeline running dry",
						sr.label, active, sr.nbRecv-2, now.Sub(badSince).Round(time.Second))
				}
			} else {
				badSince = time.Time{}
			}
		}
	}
}
