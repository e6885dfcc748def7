// Package packetgen implements the optional deterministic-payload
// generator/verifier used by modes that want a data-integrity check in
// addition to a rate measurement (spec.md §4.6). It is not on the hot path
// of the default benchmarking engines, which only care about the 16-byte
// header; it is wired in as an opt-in VerifyPayload mode.
package packetgen

import (
	"math/rand"

	"github.com/m-lab/netbench/pkt"
)

// Cycle is the number of distinct packets kept in the deterministic payload
// cycle buffer before indices wrap around and reuse earlier payload bytes.
const Cycle = 102400

// Generator emits packets whose payload (everything past the 16-byte
// header) is deterministic pseudo-random data seeded from a configured
// seed, and can verify that a received packet's payload matches what would
// have been sent for its header's index.
type Generator struct {
	packetSize int
	seed       uint64
	cycleBuf   []byte
}

// NewGenerator allocates the Cycle*packetSize payload cycle buffer and
// fills it with bytes from a seeded PRNG. packetSize must be at least
// pkt.HeaderSize.
//
// math/rand (seeded, non-cryptographic) is the right tool here, not
// crypto/rand: the whole point is that two processes given the same seed
// reproduce byte-for-byte identical cycle buffers so the receiver can
// recompute -- not observe -- what the sender transmitted.
func NewGenerator(packetSize int, seed uint64) *Generator {
	if packetSize < pkt.HeaderSize {
		panic("packetgen: packetSize must be >= pkt.HeaderSize")
	}
	g := &Generator{
		packetSize: packetSize,
		seed:       seed,
		cycleBuf:   make([]byte, Cycle*packetSize),
	}
	if packetSize > pkt.HeaderSize {
		r := rand.New(rand.NewSource(int64(seed)))
		r.Read(g.cycleBuf)
	}
	return g
}

// NextPacket copies the cycle slice for index into dst, then overwrites the
// first pkt.HeaderSize bytes with the header for (index, sendTime). dst
// must have length packetSize.
func (g *Generator) NextPacket(index, sendTime uint64, dst []byte) {
	if len(dst) != g.packetSize {
		panic("packetgen: dst has wrong length")
	}
	off := int(index%Cycle) * g.packetSize
	copy(dst, g.cycleBuf[off:off+g.packetSize])
	pkt.WritePacket(g.seed, index, sendTime, dst)
}

// VerifyRecvPacket recomputes the expected cycle slice for the packet's
// header index and reports whether the payload past the header matches.
// It returns false (rather than erroring) for any malformed or wrong-length
// packet, matching the discard-on-any-anomaly posture of the rest of the
// receive path.
func (g *Generator) VerifyRecvPacket(buf []byte) bool {
	if len(buf) != g.packetSize {
		return false
	}
	h, err := pkt.ParsePacket(g.seed, buf)
	if err != nil {
		return false
	}
	off := int(h.Index%Cycle) * g.packetSize
	expected := g.cycleBuf[off+pkt.HeaderSize : off+g.packetSize]
	got := buf[pkt.HeaderSize:]
	for i := range expected {
		if expected[i] != got[i] {
			return false
		}
	}
	return true
}
