// Command emm-bench exercises an encrypted demand-paged memory map end to
// end: it creates a backing file, constructs an EMM over it, drives random
// loads and stores (one in seven a store) across more vpages than fit in
// cache, syncs, and logs the iteration count, elapsed time, and mean time
// per access.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"time"

	"github.com/orizon-lang/emm"
	"github.com/orizon-lang/emm/internal/config"
	"github.com/orizon-lang/emm/internal/telemetry"
)

func main() {
	var (
		sizeMB     = flag.Int("size-mb", 16, "virtual size in MiB")
		pageKB     = flag.Int("page-kb", 4, "cache page size in KiB")
		cacheMB    = flag.Int("cache-mb", 2, "cache size in MiB")
		readAhead  = flag.Int("read-ahead", 2, "read-ahead window R: a read pre-faults up to R-1 following vpages")
		iterations = flag.Int("iterations", 200000, "number of random accesses to perform")
		path       = flag.String("file", "", "backing file path (defaults to a temp file)")
	)
	flag.Parse()

	if err := run(*sizeMB, *pageKB, *cacheMB, *readAhead, *iterations, *path); err != nil {
		fmt.Fprintln(os.Stderr, "emm-bench:", err)
		os.Exit(1)
	}
}

func run(sizeMB, pageKB, cacheMB, readAhead, iterations int, path string) error {
	if path == "" {
		f, err := os.CreateTemp("", "emm-bench-*.bin")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		path = f.Name()
		defer os.Remove(path)
		f.Close()
	}

	size := int64(sizeMB) << 20
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open backing file: %w", err)
	}
	defer file.Close()
	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("truncate backing file: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	cfg := config.Config{
		File:          file,
		Size:          size,
		CachePageSize: pageKB << 10,
		CacheSize:     cacheMB << 20,
		Key:           key,
		AccessMode:    config.ReadWrite,
		ReadAhead:     readAhead,
	}

	log := telemetry.Default()
	m, err := emm.New(cfg, log)
	if err != nil {
		return fmt.Errorf("construct emm: %w", err)
	}
	defer m.Unmap()

	buf := m.Bytes()
	rng := mrand.New(mrand.NewSource(time.Now().UnixNano()))
	start := time.Now()
	for i := 0; i < iterations; i++ {
		off := rng.Intn(len(buf))
		if i%7 == 0 {
			buf[off] = byte(i)
		} else {
			_ = buf[off]
		}
	}
	elapsed := time.Since(start)

	if err := m.SyncAll(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	log.Info(context.Background(), "bench complete",
		"iterations", iterations,
		"elapsed", elapsed,
		"per_op_ns", elapsed.Nanoseconds()/int64(iterations),
	)
	return nil
}
