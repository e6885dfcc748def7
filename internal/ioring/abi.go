// Package ioring is a from-scratch, pure-Go (no cgo) binding to the Linux
// io_uring interface: io_uring_setup/io_uring_enter/io_uring_register raw
// syscalls plus the mmap'd submission/completion-queue regions the kernel
// shares with userspace. It exposes just enough of the liburing-style
// surface (GetSQE/Submit/SubmitAndWait/PeekCQE/CQESeen/SQSpaceLeft/
// SQNeedWakeup/RegisterFiles) for a single-ring-per-socket echo loop to
// drive RECVMSG/SENDMSG submissions; it is not a general-purpose io_uring
// library.
package ioring

// Syscall numbers for the three io_uring entry points. These are stable
// across the generic Linux syscall table (amd64, arm64) since io_uring was
// added after the architectures converged on a shared numbering scheme.
const (
	sysIOURingSetup    = 425
	sysIOURingEnter    = 426
	sysIOURingRegister = 427
)

// mmap offsets used as the "offset" argument to mmap(2) on the ring fd, per
// <linux/io_uring.h>.
const (
	offSQRing = 0x0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000
)

// io_uring_setup/io_uring_params flags.
const (
	setupSQPoll = 1 << 1 // IORING_SETUP_SQPOLL
	setupClamp  = 1 << 4 // IORING_SETUP_CLAMP
)

// io_uring_params.features bits.
const (
	featSingleMmap = 1 << 0 // IORING_FEAT_SINGLE_MMAP
)

// io_uring_enter flags.
const (
	enterGetEvents = 1 << 0 // IORING_ENTER_GETEVENTS
	enterSQWakeup  = 1 << 1 // IORING_ENTER_SQ_WAKEUP
)

// sq_ring flags, read from the mmap'd SQ ring's "flags" word.
const (
	sqNeedWakeup = 1 << 0 // IORING_SQ_NEED_WAKEUP
)

// io_uring_register opcodes.
const (
	registerFiles = 2 // IORING_REGISTER_FILES
)

// SQE opcodes this package's callers are expected to use. Only the two
// message-based opcodes the echo engine needs are named here.
const (
	OpRecvMsg = 10 // IORING_OP_RECVMSG
	OpSendMsg = 9  // IORING_OP_SENDMSG
)

// SQE flags bits.
const (
	// SQEFixedFile tells the kernel that SQE.Fd is an index into the
	// ring's registered file table (see RegisterFiles), not a raw fd.
	SQEFixedFile = 1 << 0 // IOSQE_FIXED_FILE
)

// SQE is the 64-byte submission queue entry, laid out to match
// struct io_uring_sqe from the kernel's uapi/linux/io_uring.h.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpcodeFlags uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	_           [2]uint64
}

// CQE is the 16-byte completion queue entry, matching struct io_uring_cqe.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// sqRingOffsets matches struct io_sqring_offsets.
type sqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

// cqRingOffsets matches struct io_cqring_offsets.
type cqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	CQEs        uint32
	Flags       uint32
	Resv1       uint32
	Resv2       uint64
}

// ioUringParams matches struct io_uring_params, the in/out argument to
// io_uring_setup(2).
type ioUringParams struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WQFd         uint32
	Resv         [3]uint32
	SQOff        sqRingOffsets
	CQOff        cqRingOffsets
}
