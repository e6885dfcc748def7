package syscallengine

import (
	"context"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/m-lab/netbench/neterrors"
	"github.com/m-lab/netbench/pkt"
	"github.com/m-lab/netbench/sockutil"
	"github.com/m-lab/netbench/stats"
)

// loopbackEndpoint returns an Endpoint for 127.0.0.1 port 0 (so binding it
// picks an ephemeral port), for tests that need a real destination without
// depending on DNS.
func loopbackEndpoint(t *testing.T) sockutil.Endpoint {
	t.Helper()
	ep, err := sockutil.Resolve("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return ep
}

func dialLoopback(t *testing.T, port uint16) (int, int) {
	t.Helper()
	ep, err := sockutil.Resolve("127.0.0.1:" + strconv.Itoa(int(port)))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fd, err := sockutil.CreateConnected(ep)
	if err != nil {
		t.Fatalf("CreateConnected: %v", err)
	}
	return fd, int(port)
}

func TestTransmitSinglePacketRoundTrip(t *testing.T) {
	listenFD, err := sockutil.CreateBound(loopbackEndpoint(t))
	if err != nil {
		t.Fatalf("CreateBound: %v", err)
	}
	defer unix.Close(listenFD)
	port, err := sockutil.LocalPort(listenFD)
	if err != nil {
		t.Fatalf("LocalPort: %v", err)
	}
	sendFD, _ := dialLoopback(t, port)
	defer unix.Close(sendFD)

	cfg := Config{PacketSize: 32, Seed: 1, Start: time.Now()}
	buf := make([]byte, cfg.PacketSize)
	tm := stats.GetTimeValue(cfg.Start)
	pkt.WritePacket(cfg.Seed, 7, tm, buf)
	if err := unix.Send(sendFD, buf, sendFlags); err != nil {
		t.Fatalf("send: %v", err)
	}

	recvBuf := make([]byte, cfg.PacketSize+4)
	n, err := unix.Recv(listenFD, recvBuf, unix.MSG_TRUNC)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if n != cfg.PacketSize {
		t.Fatalf("recv size = %d, want %d", n, cfg.PacketSize)
	}
	h, err := pkt.ParsePacket(cfg.Seed, recvBuf[:n])
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if h.Index != 7 {
		t.Fatalf("header index = %d, want 7", h.Index)
	}
}

func TestSendmmsgSendsAllRecords(t *testing.T) {
	listenFD, err := sockutil.CreateBound(loopbackEndpoint(t))
	if err != nil {
		t.Fatalf("CreateBound: %v", err)
	}
	defer unix.Close(listenFD)
	port, err := sockutil.LocalPort(listenFD)
	if err != nil {
		t.Fatalf("LocalPort: %v", err)
	}
	sendFD, _ := dialLoopback(t, port)
	defer unix.Close(sendFD)

	const batch = 4
	const packetSize = 16
	pktBuf := make([]byte, packetSize*batch)
	iovecs := make([]unix.Iovec, batch)
	msgs := make([]mmsghdr, batch)
	for i := 0; i < batch; i++ {
		iovecs[i].Base = &pktBuf[i*packetSize]
		iovecs[i].SetLen(packetSize)
		msgs[i].Hdr.Iov = &iovecs[i]
		msgs[i].Hdr.SetIovlen(1)
		pkt.WritePacket(1, uint64(i), 0, pktBuf[i*packetSize:(i+1)*packetSize])
	}

	sent, err := sendmmsg(sendFD, msgs)
	if err != nil {
		t.Fatalf("sendmmsg: %v", err)
	}
	if sent != batch {
		t.Fatalf("sendmmsg sent %d, want %d", sent, batch)
	}

	recvBuf := make([]byte, packetSize+4)
	seen := map[uint64]bool{}
	for i := 0; i < batch; i++ {
		n, err := unix.Recv(listenFD, recvBuf, unix.MSG_TRUNC)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		h, err := pkt.ParsePacket(1, recvBuf[:n])
		if err != nil {
			t.Fatalf("ParsePacket: %v", err)
		}
		seen[h.Index] = true
	}
	if len(seen) != batch {
		t.Fatalf("saw %d distinct indices, want %d", len(seen), batch)
	}
}

func TestTransmitSingleAbortsWorkerOnEMSGSIZE(t *testing.T) {
	dest := loopbackEndpoint(t)
	sendFD, err := sockutil.CreateConnected(dest)
	if err != nil {
		t.Fatalf("CreateConnected: %v", err)
	}
	defer unix.Close(sendFD)

	// A UDP datagram can never exceed 65507 bytes of payload; a configured
	// packet size past that always fails every send with EMSGSIZE.
	cfg := Config{PacketSize: 65536, Seed: 1, Start: time.Now()}
	var txNextIndex uint64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg := stats.NewAggregator(100, 100, 100, nil)

	err = transmitSingle(ctx, sendFD, cfg, agg, &txNextIndex)
	if err == nil {
		t.Fatal("expected transmitSingle to abort with an error on EMSGSIZE")
	}
	if _, ok := err.(*neterrors.PacketTooLarge); !ok {
		t.Fatalf("expected *neterrors.PacketTooLarge, got %T: %v", err, err)
	}
}

func TestEchoLoopRoundTrip(t *testing.T) {
	serverEP := loopbackEndpoint(t)
	serverFD, err := sockutil.CreateBound(serverEP)
	if err != nil {
		t.Fatalf("CreateBound: %v", err)
	}
	defer unix.Close(serverFD)
	port, err := sockutil.LocalPort(serverFD)
	if err != nil {
		t.Fatalf("LocalPort: %v", err)
	}

	clientFD, _ := dialLoopback(t, port)
	defer unix.Close(clientFD)

	ctx, cancel := context.WithCancel(context.Background())
	agg := stats.NewAggregator(100, 100, 100, nil)
	cfg := Config{MTU: 64, Start: time.Now()}
	go echoLoop(ctx, serverFD, cfg, agg)
	defer cancel()

	msg := []byte("ping")
	if err := unix.Send(clientFD, msg, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	recvBuf := make([]byte, cfg.MTU)
	n, err := unix.Recv(clientFD, recvBuf, 0)
	if err != nil {
		t.Fatalf("recv echo: %v", err)
	}
	if string(recvBuf[:n]) != "ping" {
		t.Fatalf("echoed payload = %q, want %q", recvBuf[:n], "ping")
	}
}
