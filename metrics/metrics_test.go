package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/m-lab/netbench/metrics"
)

func TestTxPacketsTotalIncrements(t *testing.T) {
	before := testutil.ToFloat64(metrics.TxPacketsTotal.WithLabelValues("syscall"))
	metrics.TxPacketsTotal.WithLabelValues("syscall").Inc()
	after := testutil.ToFloat64(metrics.TxPacketsTotal.WithLabelValues("syscall"))
	if after != before+1 {
		t.Fatalf("TxPacketsTotal: got %v, want %v", after, before+1)
	}
}

func TestRingFullTotalLabelsByKind(t *testing.T) {
	metrics.RingFullTotal.WithLabelValues("recvmsg").Inc()
	metrics.RingFullTotal.WithLabelValues("sendmsg").Inc()
	if got := testutil.ToFloat64(metrics.RingFullTotal.WithLabelValues("recvmsg")); got < 1 {
		t.Fatalf("RingFullTotal{recvmsg} = %v, want >= 1", got)
	}
	if got := testutil.ToFloat64(metrics.RingFullTotal.WithLabelValues("sendmsg")); got < 1 {
		t.Fatalf("RingFullTotal{sendmsg} = %v, want >= 1", got)
	}
}

func TestActiveRecvGaugeSetsByRing(t *testing.T) {
	metrics.ActiveRecvGauge.WithLabelValues("ring-0").Set(7)
	if got := testutil.ToFloat64(metrics.ActiveRecvGauge.WithLabelValues("ring-0")); got != 7 {
		t.Fatalf("ActiveRecvGauge{ring-0} = %v, want 7", got)
	}
}
