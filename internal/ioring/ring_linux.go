//go:build linux

package ioring

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/m-lab/netbench/neterrors"
)

// Ring is one io_uring instance: one submission queue, one completion
// queue, both mmap'd from the kernel, plus the array of SQEs the
// submission queue's index array points into.
//
// A Ring is not safe for concurrent use; ioringengine drives every Ring from
// one goroutine (the single service loop described in spec.md §4.5, which
// round-robins across all rings).
type Ring struct {
	fd int

	sqMmap  []byte
	cqMmap  []byte
	sqeMmap []byte

	sqHeadPtr    *uint32
	sqTailPtr    *uint32
	sqFlagsPtr   *uint32
	sqDroppedPtr *uint32
	sqMask       uint32
	sqEntries    uint32
	sqArray      []uint32
	sqes         []SQE

	cqHeadPtr *uint32
	cqTailPtr *uint32
	cqMask    uint32
	cqEntries uint32
	cqes      []CQE

	sqeTail          uint32 // next local slot to fill, monotonically increasing
	lastSubmittedSeq uint32 // value of sqeTail as of the last successful Submit

	sqPollEnabled bool
}

// Config configures a new ring.
type Config struct {
	// Entries is the submission (and completion) queue depth. Must be a
	// power of two.
	Entries uint32
	// SQPollIdleMs, if nonzero, enables kernel-side submission-queue
	// polling with the given idle timeout in milliseconds, avoiding an
	// io_uring_enter syscall on every submission.
	SQPollIdleMs uint32
}

// NewRing creates and mmaps a new io_uring instance.
func NewRing(cfg Config) (*Ring, error) {
	var params ioUringParams
	params.Flags = setupClamp
	if cfg.SQPollIdleMs != 0 {
		params.Flags |= setupSQPoll
		params.SQThreadIdle = cfg.SQPollIdleMs
	}

	fd, _, errno := unix.Syscall(sysIOURingSetup, uintptr(cfg.Entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, &neterrors.RingError{Op: "io_uring_setup", Err: errno}
	}

	r := &Ring{fd: int(fd), sqPollEnabled: cfg.SQPollIdleMs != 0}
	if err := r.mapRings(&params); err != nil {
		unix.Close(int(fd))
		return nil, err
	}
	return r, nil
}

func (r *Ring) mapRings(params *ioUringParams) error {
	sqRingSize := uint64(params.SQOff.Array) + uint64(params.SQEntries)*4
	cqRingSize := uint64(params.CQOff.CQEs) + uint64(params.CQEntries)*uint64(unsafe.Sizeof(CQE{}))

	singleMmap := params.Features&featSingleMmap != 0
	if singleMmap && cqRingSize > sqRingSize {
		sqRingSize = cqRingSize
	}

	sqMmap, err := unix.Mmap(r.fd, offSQRing, int(sqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return &neterrors.RingError{Op: "mmap(SQ ring)", Err: err}
	}
	r.sqMmap = sqMmap

	var cqMmap []byte
	if singleMmap {
		cqMmap = sqMmap
	} else {
		cqMmap, err = unix.Mmap(r.fd, offCQRing, int(cqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(sqMmap)
			return &neterrors.RingError{Op: "mmap(CQ ring)", Err: err}
		}
	}
	r.cqMmap = cqMmap

	sqeSize := int(unsafe.Sizeof(SQE{}))
	sqeMmap, err := unix.Mmap(r.fd, offSQEs, int(params.SQEntries)*sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		if !singleMmap {
			unix.Munmap(cqMmap)
		}
		unix.Munmap(sqMmap)
		return &neterrors.RingError{Op: "mmap(SQEs)", Err: err}
	}
	r.sqeMmap = sqeMmap

	sqBase := unsafe.Pointer(&sqMmap[0])
	r.sqHeadPtr = (*uint32)(unsafe.Add(sqBase, params.SQOff.Head))
	r.sqTailPtr = (*uint32)(unsafe.Add(sqBase, params.SQOff.Tail))
	r.sqFlagsPtr = (*uint32)(unsafe.Add(sqBase, params.SQOff.Flags))
	r.sqDroppedPtr = (*uint32)(unsafe.Add(sqBase, params.SQOff.Dropped))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, params.SQOff.RingMask))
	r.sqEntries = *(*uint32)(unsafe.Add(sqBase, params.SQOff.RingEntries))
	arrayPtr := (*uint32)(unsafe.Add(sqBase, params.SQOff.Array))
	r.sqArray = unsafe.Slice(arrayPtr, r.sqEntries)

	cqBase := unsafe.Pointer(&cqMmap[0])
	r.cqHeadPtr = (*uint32)(unsafe.Add(cqBase, params.CQOff.Head))
	r.cqTailPtr = (*uint32)(unsafe.Add(cqBase, params.CQOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, params.CQOff.RingMask))
	r.cqEntries = *(*uint32)(unsafe.Add(cqBase, params.CQOff.RingEntries))
	cqesPtr := (*CQE)(unsafe.Add(cqBase, params.CQOff.CQEs))
	r.cqes = unsafe.Slice(cqesPtr, r.cqEntries)

	sqesPtr := (*SQE)(unsafe.Pointer(&sqeMmap[0]))
	r.sqes = unsafe.Slice(sqesPtr, params.SQEntries)

	return nil
}

// GetSQE reserves the next free submission slot and returns it zeroed, or
// nil if the submission queue is full (caller should surface
// neterrors.RingFull).
func (r *Ring) GetSQE() *SQE {
	head := atomic.LoadUint32(r.sqHeadPtr)
	if r.sqeTail-head >= r.sqEntries {
		return nil
	}
	idx := r.sqeTail & r.sqMask
	sqe := &r.sqes[idx]
	*sqe = SQE{}
	r.sqArray[idx] = idx
	r.sqeTail++
	return sqe
}

// SQSpaceLeft reports how many more SQEs can be reserved before the
// submission queue is full.
func (r *Ring) SQSpaceLeft() int {
	head := atomic.LoadUint32(r.sqHeadPtr)
	return int(r.sqEntries) - int(r.sqeTail-head)
}

// SQNeedWakeup reports whether the kernel's SQPOLL thread has gone to
// sleep and needs an io_uring_enter wakeup to notice newly queued SQEs.
// Only meaningful when the ring was created with SQPollIdleMs != 0.
func (r *Ring) SQNeedWakeup() bool {
	return atomic.LoadUint32(r.sqFlagsPtr)&sqNeedWakeup != 0
}

// Submit publishes every SQE reserved since the last Submit/SubmitAndWait
// call to the kernel. With SQPOLL enabled, this skips the io_uring_enter
// syscall entirely unless the kernel poll thread has gone idle and needs a
// wakeup; without SQPOLL, it always calls io_uring_enter to hand the new
// entries to the kernel. Returns the number of entries the kernel accepted.
func (r *Ring) Submit() (int, error) {
	return r.enter(0, 0)
}

// SubmitAndWait is like Submit but additionally blocks (via
// IORING_ENTER_GETEVENTS) until at least waitNr completions are available.
func (r *Ring) SubmitAndWait(waitNr uint32) (int, error) {
	return r.enter(waitNr, enterGetEvents)
}

func (r *Ring) enter(waitNr uint32, extraFlags uint32) (int, error) {
	toSubmit := r.sqeTail - r.lastSubmittedSeq
	atomic.StoreUint32(r.sqTailPtr, r.sqeTail)

	flags := extraFlags
	skipEnter := r.sqPollEnabled && toSubmit > 0 && !r.SQNeedWakeup()
	if r.sqPollEnabled && r.SQNeedWakeup() {
		flags |= enterSQWakeup
	}
	if toSubmit == 0 && waitNr == 0 {
		return 0, nil
	}
	if skipEnter && waitNr == 0 {
		r.lastSubmittedSeq = r.sqeTail
		return int(toSubmit), nil
	}

	n, _, errno := unix.Syscall6(sysIOURingEnter, uintptr(r.fd), uintptr(toSubmit), uintptr(waitNr), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, &neterrors.RingError{Op: "io_uring_enter", Err: errno}
	}
	r.lastSubmittedSeq = r.sqeTail
	return int(n), nil
}

// PeekCQE returns the oldest unconsumed completion, if any, without
// removing it from the queue. Callers must call CQESeen once they are done
// with the entry.
func (r *Ring) PeekCQE() (*CQE, bool) {
	head := atomic.LoadUint32(r.cqHeadPtr)
	tail := atomic.LoadUint32(r.cqTailPtr)
	if head == tail {
		return nil, false
	}
	return &r.cqes[head&r.cqMask], true
}

// CQESeen marks the oldest completion (the one last returned by PeekCQE) as
// consumed, freeing its slot for reuse by the kernel.
func (r *Ring) CQESeen() {
	head := atomic.LoadUint32(r.cqHeadPtr)
	atomic.StoreUint32(r.cqHeadPtr, head+1)
}

// RegisterFiles registers fds as the ring's fixed-file table. SQEs that set
// SQEFixedFile address files by index into this table rather than by raw
// fd, letting the kernel skip an fget/fput pair per operation.
func (r *Ring) RegisterFiles(fds []int32) error {
	_, _, errno := unix.Syscall6(sysIOURingRegister, uintptr(r.fd), uintptr(registerFiles),
		uintptr(unsafe.Pointer(&fds[0])), uintptr(len(fds)), 0, 0)
	if errno != 0 {
		return &neterrors.RingError{Op: "io_uring_register(FILES)", Err: errno}
	}
	return nil
}

// Close unmaps all ring memory and closes the ring fd.
func (r *Ring) Close() error {
	unix.Munmap(r.sqeMmap)
	if &r.cqMmap[0] != &r.sqMmap[0] {
		unix.Munmap(r.cqMmap)
	}
	unix.Munmap(r.sqMmap)
	return unix.Close(r.fd)
}
