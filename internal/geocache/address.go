package geocache

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	geo "github.com/kellydunn/golang-geo"
)

// addressKey quantizes a coordinate to roughly meter precision so that
// repeated lookups of "the same place" from slightly different GPS fixes
// share one cache entry.
type addressKey struct {
	latQ, lonQ int64
}

func quantize(v float64) int64 {
	return int64(v * 1e5) // ~1.1m of latitude per unit at the equator
}

type addressValue struct {
	lat, lon float64
	address  string
	lastUsed time.Time
}

// AddressCache maps a coordinate to a reverse-geocoded address string,
// with a proximity-match policy: a query within proximityMeters of a
// cached entry counts as a hit (spec.md Section 4.2).
type AddressCache struct {
	lru             *lru.Cache[addressKey, *addressValue]
	proximityMeters float64
	stats           Stats
}

// NewAddressCache creates an address cache bounded at maxEntries, evicting
// least-recently-used entries over capacity.
func NewAddressCache(maxEntries int, proximityMeters float64) (*AddressCache, error) {
	c := &AddressCache{proximityMeters: proximityMeters}

	l, err := lru.NewWithEvict[addressKey, *addressValue](maxEntries, func(addressKey, *addressValue) {
		c.stats.recordEviction()
	})
	if err != nil {
		return nil, fmt.Errorf("new address lru: %w", err)
	}
	c.lru = l

	return c, nil
}

// Lookup returns the cached address for (lat, lon), either an exact-key
// hit or the nearest entry within proximityMeters. The second return value
// reports whether a usable entry was found.
func (c *AddressCache) Lookup(lat, lon float64) (address string, hit bool) {
	key := addressKey{latQ: quantize(lat), lonQ: quantize(lon)}

	if v, ok := c.lru.Get(key); ok {
		c.stats.recordHit()
		return v.address, true
	}

	point := geo.NewPoint(lat, lon)

	var (
		bestKey  addressKey
		bestDist = c.proximityMeters
		bestVal  *addressValue
	)

	for _, k := range c.lru.Keys() {
		v, ok := c.lru.Peek(k)
		if !ok {
			continue
		}

		dist := point.GreatCircleDistance(geo.NewPoint(v.lat, v.lon)) * 1000 // km -> m
		if dist <= bestDist {
			bestDist = dist
			bestKey = k
			bestVal = v
		}
	}

	if bestVal == nil {
		c.stats.recordMiss()
		return "", false
	}

	c.lru.Get(bestKey) // promote LRU order and refresh recency
	c.stats.recordHit()

	return bestVal.address, true
}

// Insert adds or updates the address for (lat, lon), evicting the
// least-recently-used entry if the cache is over capacity.
func (c *AddressCache) Insert(lat, lon float64, address string) {
	key := addressKey{latQ: quantize(lat), lonQ: quantize(lon)}
	c.lru.Add(key, &addressValue{lat: lat, lon: lon, address: address, lastUsed: time.Now()})
}

// Stats returns the cache's hit/miss/eviction counters.
func (c *AddressCache) Stats() *Stats { return &c.stats }

// Persist writes the cache to w in the stable line-oriented format
// documented for geoloc_addrcache.txt (spec.md Section 6): one entry per
// line, "lat lon unix_last_used \"formatted address\"".
func (c *AddressCache) Persist(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, "# g7ctrld address cache v1"); err != nil {
		return err
	}

	for _, k := range c.lru.Keys() {
		v, ok := c.lru.Peek(k)
		if !ok {
			continue
		}

		if _, err := fmt.Fprintf(bw, "%f %f %d %q\n", v.lat, v.lon, v.lastUsed.Unix(), v.address); err != nil {
			return fmt.Errorf("write address cache entry: %w", err)
		}
	}

	return bw.Flush()
}

// Restore reads a file written by Persist. Lines beginning with "#" are
// skipped. Restore does not reinitialize LRU recency order (spec.md
// Section 8, round-trip law).
func (c *AddressCache) Restore(r io.Reader) error {
	sc := bufio.NewScanner(r)

	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, " ", 4)
		if len(parts) != 4 {
			return fmt.Errorf("geocache: malformed address cache line %q", line)
		}

		lat, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return fmt.Errorf("geocache: bad lat in %q: %w", line, err)
		}

		lon, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return fmt.Errorf("geocache: bad lon in %q: %w", line, err)
		}

		unix, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return fmt.Errorf("geocache: bad timestamp in %q: %w", line, err)
		}

		address, err := strconv.Unquote(parts[3])
		if err != nil {
			return fmt.Errorf("geocache: bad address in %q: %w", line, err)
		}

		key := addressKey{latQ: quantize(lat), lonQ: quantize(lon)}
		c.lru.Add(key, &addressValue{lat: lat, lon: lon, address: address, lastUsed: time.Unix(unix, 0)})
	}

	return sc.Err()
}
