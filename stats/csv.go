package stats

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/m-lab/netbench/neterrors"
)

// csvHeader is the fixed header row written once at file creation.
var csvHeader = []string{"time", "tx_packets", "rx_packets", "rx_packets_sent_here", "total_latency_sent_here"}

// CSVFile is a buffered CSV sink for evicted steps. WriteRow flushes the
// buffer when more than a second has passed since the previous flush. There
// is no flush timer: rows written within a second of a flush stay buffered
// until a later WriteRow finds that a second has passed, or until Close.
//
// A *CSVFile is not safe for concurrent use by multiple goroutines; the
// aggregator only ever calls the sink while holding its own exclusive lock,
// so a single CSVFile is always invoked from one goroutine at a time, but
// NewCSVSink wraps it in a mutex anyway since an aggregator's sink callback
// contract does not itself guarantee single-goroutine delivery across
// distinct Aggregator instances sharing one file.
type CSVFile struct {
	w          *csv.Writer
	f          *os.File
	lastFlush  time.Time
}

// NewCSVFile creates path, writes the header row, and returns a CSVFile
// ready to receive rows. Using encoding/csv directly here (rather than
// github.com/gocarina/gocsv, which this repo otherwise depends on and uses
// in cmd/statsmerge) is deliberate: gocsv's Marshal API reflects over a
// fully in-memory slice of structs and has no streaming "append one row,
// maybe flush" mode, which is exactly the shape spec.md §4.3/§6 needs here.
func NewCSVFile(path string) (*CSVFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, &neterrors.StatsFileError{Err: err}
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, &neterrors.StatsFileError{Err: err}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, &neterrors.StatsFileError{Err: err}
	}
	return &CSVFile{w: w, f: f, lastFlush: time.Now()}, nil
}

// WriteRow appends one row for the given evicted step. It panics if the
// underlying write fails, since by the time the aggregator's sink callback
// runs there is no error channel left for the caller to observe -- matching
// spec.md §7's StatsFileError semantics ("panics if encountered during
// streaming writes; caller's responsibility to surface").
func (c *CSVFile) WriteRow(absoluteStepTime uint64, s *Step) {
	row := []string{
		strconv.FormatUint(absoluteStepTime, 10),
		strconv.FormatUint(s.TxPackets, 10),
		strconv.FormatUint(s.RxPackets, 10),
		strconv.FormatUint(s.RxPacketsSentHere, 10),
		strconv.FormatUint(s.TotalLatencySentHere, 10),
	}
	if err := c.w.Write(row); err != nil {
		panic(&neterrors.StatsFileError{Err: err})
	}
	now := time.Now()
	if now.Sub(c.lastFlush) > time.Second {
		c.w.Flush()
		if err := c.w.Error(); err != nil {
			panic(&neterrors.StatsFileError{Err: err})
		}
		c.lastFlush = now
	}
}

// Close flushes any buffered rows and closes the underlying file.
func (c *CSVFile) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return &neterrors.StatsFileError{Err: err}
	}
	return c.f.Close()
}

// NewCSVSink wraps a CSVFile as a Sink suitable for passing to
// NewAggregator. The returned Sink serializes access with a mutex so it can
// safely back more than one Aggregator if a caller ever wants that.
func NewCSVSink(c *CSVFile) Sink {
	var mu sync.Mutex
	return func(absoluteStepTime uint64, s *Step) {
		mu.Lock()
		defer mu.Unlock()
		c.WriteRow(absoluteStepTime, s)
	}
}
