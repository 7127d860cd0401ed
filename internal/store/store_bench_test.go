package store

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"
)

func BenchmarkJournaledWrite(b *testing.B) {
	b.ReportAllocs()
	m, err := OpenJournaled(b.TempDir() + "/bench.jsonl")
	if err != nil {
		b.Fatalf("open failed: %v", err)
	}
	defer m.Close()
	ctx := context.Background()
	value := []byte("journaled-write-throughput-latency")

	lat := make([]int64, 0, b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		if err := m.Write(ctx, fmt.Sprintf("inbox/bench/m%d", i), value, nil); err != nil {
			b.Fatalf("write failed: %v", err)
		}
		lat = append(lat, time.Since(start).Nanoseconds())
	}
	b.StopTimer()

	if len(lat) == 0 {
		return
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	b.ReportMetric(float64(lat[(len(lat)*99)/100]), "p99-ns/op")
	b.ReportMetric(float64(lat[len(lat)-1]), "max-ns/op")
	b.SetBytes(int64(len(value)))
}
