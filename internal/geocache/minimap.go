package geocache

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// minimapKey is an exact-match key: a static map tile depends on the
// quantized coordinate plus zoom and pixel dimensions (spec.md Section 3,
// GeoCacheEntry (minimap)).
type minimapKey struct {
	latQ, lonQ int64
	zoom       int
	width      int
	height     int
}

type minimapValue struct {
	path     string
	lastUsed time.Time
}

// MinimapCache maps a (coordinate, zoom, size) tuple to the filesystem
// path of a previously fetched static map tile.
type MinimapCache struct {
	lru   *lru.Cache[minimapKey, *minimapValue]
	stats Stats
}

// NewMinimapCache creates a minimap cache bounded at maxEntries.
func NewMinimapCache(maxEntries int) (*MinimapCache, error) {
	c := &MinimapCache{}

	l, err := lru.NewWithEvict[minimapKey, *minimapValue](maxEntries, func(minimapKey, *minimapValue) {
		c.stats.recordEviction()
	})
	if err != nil {
		return nil, fmt.Errorf("new minimap lru: %w", err)
	}
	c.lru = l

	return c, nil
}

// Lookup returns the cached tile path for the exact (lat, lon, zoom, w, h)
// key, quantizing the coordinate the same way Insert does.
func (c *MinimapCache) Lookup(lat, lon float64, zoom, width, height int) (path string, hit bool) {
	key := minimapKey{latQ: quantize(lat), lonQ: quantize(lon), zoom: zoom, width: width, height: height}

	v, ok := c.lru.Get(key)
	if !ok {
		c.stats.recordMiss()
		return "", false
	}

	c.stats.recordHit()

	return v.path, true
}

// Insert records path as the tile for (lat, lon, zoom, w, h).
func (c *MinimapCache) Insert(lat, lon float64, zoom, width, height int, path string) {
	key := minimapKey{latQ: quantize(lat), lonQ: quantize(lon), zoom: zoom, width: width, height: height}
	c.lru.Add(key, &minimapValue{path: path, lastUsed: time.Now()})
}

// Stats returns the cache's hit/miss/eviction counters.
func (c *MinimapCache) Stats() *Stats { return &c.stats }

// Persist writes the cache in the geoloc_minimapcache.txt format (spec.md
// Section 6): "lat lon zoom w h unix_last_used relative_path".
func (c *MinimapCache) Persist(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, "# g7ctrld minimap cache v1"); err != nil {
		return err
	}

	for _, k := range c.lru.Keys() {
		v, ok := c.lru.Peek(k)
		if !ok {
			continue
		}

		lat := float64(k.latQ) / 1e5
		lon := float64(k.lonQ) / 1e5

		if _, err := fmt.Fprintf(bw, "%f %f %d %d %d %d %s\n",
			lat, lon, k.zoom, k.width, k.height, v.lastUsed.Unix(), v.path); err != nil {
			return fmt.Errorf("write minimap cache entry: %w", err)
		}
	}

	return bw.Flush()
}

// Restore reads a file written by Persist.
func (c *MinimapCache) Restore(r io.Reader) error {
	sc := bufio.NewScanner(r)

	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 7 {
			return fmt.Errorf("geocache: malformed minimap cache line %q", line)
		}

		lat, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return fmt.Errorf("geocache: bad lat in %q: %w", line, err)
		}

		lon, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("geocache: bad lon in %q: %w", line, err)
		}

		zoom, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("geocache: bad zoom in %q: %w", line, err)
		}

		width, err := strconv.Atoi(fields[3])
		if err != nil {
			return fmt.Errorf("geocache: bad width in %q: %w", line, err)
		}

		height, err := strconv.Atoi(fields[4])
		if err != nil {
			return fmt.Errorf("geocache: bad height in %q: %w", line, err)
		}

		unix, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return fmt.Errorf("geocache: bad timestamp in %q: %w", line, err)
		}

		key := minimapKey{latQ: quantize(lat), lonQ: quantize(lon), zoom: zoom, width: width, height: height}
		c.lru.Add(key, &minimapValue{path: fields[6], lastUsed: time.Unix(unix, 0)})
	}

	return sc.Err()
}
