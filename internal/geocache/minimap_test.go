package geocache_test

import (
	"bytes"
	"testing"

	"github.com/g7ctrl/g7ctrld/internal/geocache"
)

func TestMinimapCacheHitMiss(t *testing.T) {
	t.Parallel()

	c, err := geocache.NewMinimapCache(10)
	if err != nil {
		t.Fatalf("NewMinimapCache() error: %v", err)
	}

	if _, hit := c.Lookup(59.36647, 17.96103, 14, 400, 400); hit {
		t.Error("Lookup() on empty cache returned a hit")
	}

	c.Insert(59.36647, 17.96103, 14, 400, 400, "map_cache/abc.png")

	path, hit := c.Lookup(59.36647, 17.96103, 14, 400, 400)
	if !hit || path != "map_cache/abc.png" {
		t.Errorf("Lookup() = (%q, %v), want (map_cache/abc.png, true)", path, hit)
	}

	// A different zoom is a different key -- exact match only.
	if _, hit := c.Lookup(59.36647, 17.96103, 17, 400, 400); hit {
		t.Error("Lookup() with different zoom returned a hit")
	}
}

func TestMinimapCachePersistRestore(t *testing.T) {
	t.Parallel()

	c, err := geocache.NewMinimapCache(10)
	if err != nil {
		t.Fatalf("NewMinimapCache() error: %v", err)
	}

	c.Insert(59.36647, 17.96103, 14, 400, 400, "map_cache/abc.png")

	var buf bytes.Buffer
	if err := c.Persist(&buf); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	c2, err := geocache.NewMinimapCache(10)
	if err != nil {
		t.Fatalf("NewMinimapCache() error: %v", err)
	}

	if err := c2.Restore(&buf); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	path, hit := c2.Lookup(59.36647, 17.96103, 14, 400, 400)
	if !hit || path != "map_cache/abc.png" {
		t.Errorf("after restore: Lookup() = (%q, %v), want (map_cache/abc.png, true)", path, hit)
	}
}
