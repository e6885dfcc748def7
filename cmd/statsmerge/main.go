// Command statsmerge loads one or more CSV stats files produced by a
// netbench run's --stats-file and re-marshals a single, time-sorted CSV
// to stdout, for comparing multiple runs side by side.
package main

import (
	"log"
	"os"
	"sort"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// row mirrors the header stats.CSVFile writes:
// time,tx_packets,rx_packets,rx_packets_sent_here,total_latency_sent_here
type row struct {
	Time                 uint64 `csv:"time"`
	TxPackets            uint64 `csv:"tx_packets"`
	RxPackets            uint64 `csv:"rx_packets"`
	RxPacketsSentHere    uint64 `csv:"rx_packets_sent_here"`
	TotalLatencySentHere uint64 `csv:"total_latency_sent_here"`
	// Source records which input file this row came from, so rows from
	// distinct runs with overlapping step times can still be told apart.
	Source string `csv:"source"`
}

func readRows(path string) ([]*row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []*row
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return nil, err
	}
	for _, r := range rows {
		r.Source = path
	}
	return rows, nil
}

func mergeAndSort(paths []string) ([]*row, error) {
	var merged []*row
	for _, path := range paths {
		rows, err := readRows(path)
		if err != nil {
			return nil, err
		}
		merged = append(merged, rows...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Time < merged[j].Time })
	return merged, nil
}

func main() {
	paths := os.Args[1:]
	if len(paths) == 0 {
		log.Fatal("Usage: statsmerge <stats-file.csv> [stats-file.csv ...]")
	}

	merged, err := mergeAndSort(paths)
	rtx.Must(err, "Could not read and merge %d stats files", len(paths))

	rtx.Must(gocsv.Marshal(merged, os.Stdout), "Could not marshal merged CSV to stdout")

	log.Printf("statsmerge: merged %d rows from %d files", len(merged), len(paths))
}
