package storage

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"
)

// benchStorage creates a storage for benchmarks.
func benchStorage(b *testing.B) *Storage {
	b.Helper()

	s, err := New(filepath.Join(b.TempDir(), "db"))
	if err != nil {
		b.Fatalf("failed to create storage: %v", err)
	}

	b.Cleanup(func() { s.Close() })

	return s
}

// makeKey creates a recipient-index style key from an integer.
func makeKey(i int) []byte {
	key := make([]byte, 2+16+8)
	copy(key, "ri")
	binary.BigEndian.PutUint64(key[18:], uint64(i))
	return key
}

// makeValue creates a random value of the given size.
func makeValue(size int) []byte {
	value := make([]byte, size)
	rand.Read(value)
	return value
}

// BenchmarkSet benchmarks sequential Set operations.
func BenchmarkSet(b *testing.B) {
	for _, size := range []int{64, 512, 4096} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			s := benchStorage(b)
			value := makeValue(size)

			b.ResetTimer()
			b.SetBytes(int64(size))

			for i := 0; i < b.N; i++ {
				if err := s.Set(makeKey(i), value); err != nil {
					b.Fatalf("Set failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkBatch benchmarks the store-and-index batches written per deferred message.
func BenchmarkBatch(b *testing.B) {
	s := benchStorage(b)
	value := makeValue(512)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		batch := s.NewBatch()
		batch.Set(makeKey(3*i), value)
		batch.Set(makeKey(3*i+1), nil)
		batch.Delete(makeKey(3*i + 2))

		if err := batch.Commit(); err != nil {
			b.Fatalf("Commit failed: %v", err)
		}
	}
}

// BenchmarkIterateRange benchmarks bounded scans over a populated store.
func BenchmarkIterateRange(b *testing.B) {
	s := benchStorage(b)

	const numEntries = 10_000
	value := makeValue(128)

	for i := 0; i < numEntries; i++ {
		if err := s.Set(makeKey(i), value); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		start := i % (numEntries - 100)
		n := 0

		err := s.IterateRange(makeKey(start), makeKey(start+100), func(_, _ []byte) error {
			n++
			return nil
		})
		if err != nil || n != 100 {
			b.Fatalf("IterateRange = %d, %v", n, err)
		}
	}
}
