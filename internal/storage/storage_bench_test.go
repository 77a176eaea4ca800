package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/scottbrown/logcollector/internal/queue"
)

func benchmarkDeliver(b *testing.B, n, size int) {
	m, err := New(b.TempDir(), "bench", Config{})
	if err != nil {
		b.Fatal(err)
	}
	defer m.Close()

	line := []byte(strings.Repeat("x", size))
	batch := make([]queue.Entry, n)
	for i := range batch {
		batch[i] = queue.Entry{Data: line}
	}

	b.SetBytes(int64(n * (size + 1)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := m.Deliver(context.Background(), batch); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDeliver_Small benchmarks a batch of 10 short lines.
func BenchmarkDeliver_Small(b *testing.B) { benchmarkDeliver(b, 10, 100) }

// BenchmarkDeliver_Large benchmarks a batch of 100 lines of 10KB.
func BenchmarkDeliver_Large(b *testing.B) { benchmarkDeliver(b, 100, 10*1024) }
