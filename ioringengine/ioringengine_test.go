package ioringengine

import (
	"testing"
	"time"

	"github.com/m-lab/netbench/internal/ioring"
	"github.com/m-lab/netbench/neterrors"
	"github.com/m-lab/netbench/stats"
)

// fakeRing is an in-memory stand-in for *ioring.Ring: a small fixed-size
// submission/completion queue pair that lets the slot state machine be
// exercised without any real io_uring syscalls.
type fakeRing struct {
	capacity   int
	inFlight   int
	completion []ioring.CQE
	submitted  []*ioring.SQE
	pending    []ioring.SQE
}

func newFakeRing(capacity int) *fakeRing {
	return &fakeRing{capacity: capacity}
}

func (f *fakeRing) GetSQE() *ioring.SQE {
	if f.inFlight >= f.capacity {
		return nil
	}
	f.inFlight++
	f.pending = append(f.pending, ioring.SQE{})
	return &f.pending[len(f.pending)-1]
}

func (f *fakeRing) Submit() (int, error) {
	// Every submitted SQE completes immediately with a synthetic positive
	// result, as if the kernel serviced it instantly.
	for _, sqe := range f.pending {
		f.completion = append(f.completion, ioring.CQE{UserData: sqe.UserData, Res: 16})
	}
	n := len(f.pending)
	f.pending = nil
	return n, nil
}

func (f *fakeRing) PeekCQE() (*ioring.CQE, bool) {
	if len(f.completion) == 0 {
		return nil, false
	}
	return &f.completion[0], true
}

func (f *fakeRing) CQESeen() {
	f.completion = f.completion[1:]
	f.inFlight--
}

func (f *fakeRing) SQNeedWakeup() bool { return false }

func (f *fakeRing) SQSpaceLeft() int { return f.capacity - f.inFlight }

func TestSlotStateMachineRecvThenSend(t *testing.T) {
	const nbRecv = 4
	const ringCapacity = nbRecv * 2
	fr := newFakeRing(ringCapacity)
	agg := stats.NewAggregator(100, 1000, 100, nil)
	sr := newSocketRing(0, -1, fr, 64, nbRecv, ringCapacity, time.Now(), agg)

	for i := 0; i < nbRecv; i++ {
		if err := sr.pushRecv(i); err != nil {
			t.Fatalf("pushRecv(%d): %v", i, err)
		}
	}
	for _, s := range sr.states {
		if s != recvInProgress {
			t.Fatalf("expected all slots RecvInProgress, got %v", sr.states)
		}
	}

	if _, err := fr.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := sr.checkCQ(); err != nil {
		t.Fatalf("checkCQ: %v", err)
	}
	for _, s := range sr.states {
		if s != sendInProgress {
			t.Fatalf("expected all slots SendInProgress after a successful recv, got %v", sr.states)
		}
	}

	if err := sr.checkCQ(); err != nil {
		t.Fatalf("checkCQ (drain sends): %v", err)
	}
	for _, s := range sr.states {
		if s != recvInProgress {
			t.Fatalf("expected all slots back to RecvInProgress after send completion, got %v", sr.states)
		}
	}
	if got := sr.nbActiveRecv; got != nbRecv {
		t.Fatalf("nbActiveRecv = %d, want %d", got, nbRecv)
	}
}

func TestPushRecvReturnsRingFullWhenQueueExhausted(t *testing.T) {
	// ring-size and nb-recv are independently configured and normally
	// differ; use distinct values here so a RingFull that wrongly reports
	// nb-recv instead of the ring's actual capacity would be caught.
	const ringCapacity = 1
	const nbRecv = 2
	fr := newFakeRing(ringCapacity)
	agg := stats.NewAggregator(100, 1000, 100, nil)
	sr := newSocketRing(0, -1, fr, 64, nbRecv, ringCapacity, time.Now(), agg)

	if err := sr.pushRecv(0); err != nil {
		t.Fatalf("pushRecv(0): %v", err)
	}
	err := sr.pushRecv(1)
	if err == nil {
		t.Fatal("expected RingFull once the fake ring's capacity is exhausted")
	}
	full, ok := err.(*neterrors.RingFull)
	if !ok {
		t.Fatalf("expected *neterrors.RingFull, got %T", err)
	}
	if full.Capacity != ringCapacity {
		t.Fatalf("RingFull.Capacity = %d, want the ring's capacity %d (not nb-recv %d)", full.Capacity, ringCapacity, nbRecv)
	}
}

func TestFailedRecvIsRetriedNotEchoed(t *testing.T) {
	fr := newFakeRing(4)
	agg := stats.NewAggregator(100, 1000, 100, nil)
	sr := newSocketRing(0, -1, fr, 64, 1, 4, time.Now(), agg)

	if err := sr.pushRecv(0); err != nil {
		t.Fatalf("pushRecv: %v", err)
	}
	// Simulate a failed recv completion (res <= 0) instead of letting
	// Submit() synthesize a successful one.
	fr.pending = nil
	fr.completion = append(fr.completion, ioring.CQE{UserData: 0, Res: -1})
	fr.inFlight = 1

	if err := sr.checkCQ(); err != nil {
		t.Fatalf("checkCQ: %v", err)
	}
	if sr.states[0] != recvInProgress {
		t.Fatalf("a failed recv must be retried as another recv, got state %v", sr.states[0])
	}
}
