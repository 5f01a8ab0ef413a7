package geocache_test

import (
	"bytes"
	"testing"

	"github.com/g7ctrl/g7ctrld/internal/geocache"
)

func TestAddressCacheExactHit(t *testing.T) {
	t.Parallel()

	c, err := geocache.NewAddressCache(10, 20)
	if err != nil {
		t.Fatalf("NewAddressCache() error: %v", err)
	}

	c.Insert(59.36647, 17.96103, "Sveavagen 1")

	addr, hit := c.Lookup(59.36647, 17.96103)
	if !hit || addr != "Sveavagen 1" {
		t.Errorf("Lookup() = (%q, %v), want (Sveavagen 1, true)", addr, hit)
	}
	if got := c.Stats().Snapshot().Hits; got != 1 {
		t.Errorf("Hits = %d, want 1", got)
	}
}

// TestAddressCacheProximityHit exercises the spec's seed scenario 5.
func TestAddressCacheProximityHit(t *testing.T) {
	t.Parallel()

	c, err := geocache.NewAddressCache(10, 20)
	if err != nil {
		t.Fatalf("NewAddressCache() error: %v", err)
	}

	c.Insert(59.36647, 17.96103, "Sveavagen 1")

	addr, hit := c.Lookup(59.36648, 17.96104)
	if !hit {
		t.Fatal("Lookup() within proximity radius returned a miss")
	}
	if addr != "Sveavagen 1" {
		t.Errorf("Lookup() = %q, want Sveavagen 1", addr)
	}
}

func TestAddressCacheMissOutsideProximity(t *testing.T) {
	t.Parallel()

	c, err := geocache.NewAddressCache(10, 5)
	if err != nil {
		t.Fatalf("NewAddressCache() error: %v", err)
	}

	c.Insert(59.36647, 17.96103, "Sveavagen 1")

	_, hit := c.Lookup(59.40000, 18.00000)
	if hit {
		t.Error("Lookup() far outside proximity radius returned a hit")
	}
	if got := c.Stats().Snapshot().Misses; got != 1 {
		t.Errorf("Misses = %d, want 1", got)
	}
}

func TestAddressCacheEviction(t *testing.T) {
	t.Parallel()

	c, err := geocache.NewAddressCache(2, 0)
	if err != nil {
		t.Fatalf("NewAddressCache() error: %v", err)
	}

	c.Insert(1, 1, "a")
	c.Insert(2, 2, "b")
	c.Insert(3, 3, "c") // evicts "a", the least recently used

	if _, hit := c.Lookup(1, 1); hit {
		t.Error("evicted entry still present")
	}
	if got := c.Stats().Snapshot().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestAddressCachePersistRestore(t *testing.T) {
	t.Parallel()

	c, err := geocache.NewAddressCache(10, 20)
	if err != nil {
		t.Fatalf("NewAddressCache() error: %v", err)
	}

	c.Insert(59.36647, 17.96103, "Sveavagen 1")
	c.Insert(10.0, 10.0, "Null Island Annex")

	var buf bytes.Buffer
	if err := c.Persist(&buf); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	c2, err := geocache.NewAddressCache(10, 20)
	if err != nil {
		t.Fatalf("NewAddressCache() error: %v", err)
	}

	if err := c2.Restore(&buf); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	addr, hit := c2.Lookup(59.36647, 17.96103)
	if !hit || addr != "Sveavagen 1" {
		t.Errorf("after restore: Lookup() = (%q, %v), want (Sveavagen 1, true)", addr, hit)
	}
}
