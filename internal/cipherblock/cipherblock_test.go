package cipherblock

import (
	"bytes"
	"testing"
)

func key32(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestProcessRoundTrip(t *testing.T) {
	blk, err := New(key32(0x11), 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plain := bytes.Repeat([]byte{0xAB}, 4096)
	got := append([]byte(nil), plain...)

	if err := blk.Process(3, 0, got, 4096); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(got, plain) {
		t.Fatal("ciphertext equals plaintext; cipher did not run")
	}

	if err := blk.Process(3, 0, got, 4096); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatal("round trip did not recover the original plaintext")
	}
}

func TestProcessIsDeterministic(t *testing.T) {
	blk, err := New(key32(0x22), 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a := bytes.Repeat([]byte{0x00}, 64)
	b := bytes.Repeat([]byte{0x00}, 64)

	if err := blk.Process(7, 100, a, 4096); err != nil {
		t.Fatal(err)
	}
	if err := blk.Process(7, 100, b, 4096); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("same (key, page, offset) produced different keystreams")
	}
}

func TestProcessDiffersByPageAndOffset(t *testing.T) {
	blk, err := New(key32(0x33), 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	zero := func() []byte { return make([]byte, 16) }

	pageA := zero()
	if err := blk.Process(0, 0, pageA, 4096); err != nil {
		t.Fatal(err)
	}
	pageB := zero()
	if err := blk.Process(1, 0, pageB, 4096); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(pageA, pageB) {
		t.Fatal("different page indices produced the same keystream")
	}

	offA := zero()
	if err := blk.Process(0, 0, offA, 4096); err != nil {
		t.Fatal(err)
	}
	offB := zero()
	if err := blk.Process(0, 16, offB, 4096); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(offA, offB) {
		t.Fatal("different byte offsets produced the same keystream")
	}
}

func TestProcessDifferentKeysDifferentKeystreams(t *testing.T) {
	blkA, err := New(key32(0x44), 4096)
	if err != nil {
		t.Fatal(err)
	}
	blkB, err := New(key32(0x55), 4096)
	if err != nil {
		t.Fatal(err)
	}

	a := make([]byte, 32)
	b := make([]byte, 32)
	if err := blkA.Process(0, 0, a, 4096); err != nil {
		t.Fatal(err)
	}
	if err := blkB.Process(0, 0, b, 4096); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("different keys produced the same keystream")
	}
}

func TestProcessRejectsOutOfBoundsRange(t *testing.T) {
	blk, err := New(key32(0x66), 4096)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 100)
	if err := blk.Process(0, 4050, buf, 4096); err == nil {
		t.Fatal("expected an error for a range exceeding the page length")
	}
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	if _, err := New(make([]byte, 10), 4096); err == nil {
		t.Fatal("expected an error for an invalid AES key length")
	}
}
