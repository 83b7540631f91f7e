package config

import (
	"os"
	"testing"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	f, err := os.CreateTemp("", "config-test-*.bin")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	if err := f.Truncate(1 << 20); err != nil {
		t.Fatal(err)
	}

	return Config{
		File:          f,
		Size:          1 << 20,
		CachePageSize: os.Getpagesize(),
		CacheSize:     os.Getpagesize() * 4,
		Key:           make([]byte, 32),
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	c := validConfig(t)
	if err := c.Validate(); err != nil {
		t.Fatalf("expected a valid config to pass, got %v", err)
	}
}

func TestValidateRejectsMissingFile(t *testing.T) {
	c := validConfig(t)
	c.File = nil
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for a nil file")
	}
}

func TestValidateRejectsNonPositiveSize(t *testing.T) {
	c := validConfig(t)
	c.Size = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for size=0")
	}
}

func TestValidateRejectsNonPowerOfTwoPageSize(t *testing.T) {
	c := validConfig(t)
	c.CachePageSize = os.Getpagesize() + 1
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for a non-power-of-two page size")
	}
}

func TestValidateRejectsCacheSmallerThanPage(t *testing.T) {
	c := validConfig(t)
	c.CacheSize = c.CachePageSize / 2
	if c.CacheSize == 0 {
		c.CacheSize = 1
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error when cache size is smaller than page size")
	}
}

func TestValidateRejectsEncryptionStartOutOfRange(t *testing.T) {
	c := validConfig(t)
	c.EncryptionStartOffset = c.Size
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for encryption start offset == V")
	}
}

func TestValidateRejectsBadKeyLength(t *testing.T) {
	c := validConfig(t)
	c.Key = make([]byte, 10)
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for a 10-byte key")
	}
}

func TestValidateRejectsNegativeReadAhead(t *testing.T) {
	c := validConfig(t)
	c.ReadAhead = -1
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for negative read-ahead")
	}
}

func TestNumVirtualPagesRoundsUp(t *testing.T) {
	c := validConfig(t)
	c.Size = int64(c.CachePageSize)*3 + 1
	if got, want := c.NumVirtualPages(), 4; got != want {
		t.Fatalf("NumVirtualPages() = %d, want %d", got, want)
	}
	if got, want := c.LastPageSize(), int64(1); got != want {
		t.Fatalf("LastPageSize() = %d, want %d", got, want)
	}
}

func TestNumPhysicalPagesFloors(t *testing.T) {
	c := validConfig(t)
	c.CacheSize = c.CachePageSize*2 + c.CachePageSize/2
	if got, want := c.NumPhysicalPages(), 2; got != want {
		t.Fatalf("NumPhysicalPages() = %d, want %d", got, want)
	}
}
