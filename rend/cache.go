package rend

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Freshness window defaults (§4.3.1).
const (
	MaxAge  = 24 * time.Hour
	MaxSkew = 90 * time.Minute
)

// CacheEntry is one cached descriptor: the parsed form, the exact bytes
// last accepted on the wire (never re-encoded), and when it was last
// accepted or refreshed.
type CacheEntry struct {
	Parsed   *ServiceDescriptor
	Encoded  EncodedDescriptor
	Received time.Time
}

// Cache maps service ID to the latest accepted descriptor. The zero value
// is not ready to use; construct with NewCache. Per §5, every operation is
// synchronous and bounded-work: Cache holds a single exclusive mutex rather
// than an RWMutex, because Lookup's result must remain valid independent of
// any Store/Clean that runs concurrently with a caller still reading it —
// achieved here by copying the bytes out under the lock rather than handing
// back a pointer into the map (a deliberate divergence from the C
// original's borrowed-pointer contract, recorded in DESIGN.md).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry

	Codec   Codec
	MaxAge  time.Duration
	MaxSkew time.Duration
	Logger  *slog.Logger
	Metrics *Metrics

	now func() time.Time
}

// NewCache creates an empty cache. A nil logger defaults to slog.Default(),
// matching circuit.Create's convention.
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[string]*CacheEntry),
		MaxAge:  MaxAge,
		MaxSkew: MaxSkew,
		Logger:  logger,
	}
}

func (c *Cache) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Cache) maxAge() time.Duration {
	if c.MaxAge == 0 {
		return MaxAge
	}
	return c.MaxAge
}

func (c *Cache) maxSkew() time.Duration {
	if c.MaxSkew == 0 {
		return MaxSkew
	}
	return c.MaxSkew
}

func (c *Cache) keyCodec() KeyCodec {
	if c.Codec.Keys == nil {
		return RSAKeyCodec{}
	}
	return c.Codec.Keys
}

// Lookup validates query as a service ID and returns a copy of the cached
// encoded bytes. A nil slice with a nil error means the query was
// well-formed but nothing is cached for it; ErrInvalidQuery means query
// itself is malformed. See §4.3.2, §8.9.
func (c *Cache) Lookup(query string) ([]byte, error) {
	canon := strings.ToLower(query)
	if !ValidServiceID(canon) {
		return nil, fmt.Errorf("lookup %q: %w", query, ErrInvalidQuery)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[canon]
	if !ok {
		if c.Metrics != nil {
			c.Metrics.Misses.Inc()
		}
		return nil, nil
	}
	if c.Metrics != nil {
		c.Metrics.Hits.Inc()
	}
	out := make([]byte, len(e.Encoded))
	copy(out, e.Encoded)
	return out, nil
}

// Store parses and verifies encoded, then applies the freshness and
// monotonic-update rules of §4.3.3. A non-nil error is always ErrRejected
// (wrapping the underlying codec or freshness failure); "already have a
// newer descriptor" and "byte-identical duplicate" are not errors.
func (c *Cache) Store(encoded []byte) error {
	parsed, err := c.Codec.Parse(encoded)
	if err != nil {
		c.logger().Warn("rejecting malformed service descriptor", "error", err)
		if c.Metrics != nil {
			c.Metrics.Rejected.Inc()
		}
		return fmt.Errorf("store: %w: %v", ErrRejected, err)
	}

	query, err := serviceID(c.keyCodec(), parsed.PublicKey)
	if err != nil {
		c.logger().Warn("rejecting service descriptor: could not compute service id", "error", err)
		if c.Metrics != nil {
			c.Metrics.Rejected.Inc()
		}
		return fmt.Errorf("store: %w: %v", ErrRejected, err)
	}

	now := c.clock()
	ts := time.Unix(parsed.Timestamp, 0)
	if ts.Before(now.Add(-c.maxAge())) {
		c.logger().Warn("service descriptor too old", "service_id", query)
		if c.Metrics != nil {
			c.Metrics.Rejected.Inc()
		}
		return fmt.Errorf("store %s: %w: too old", query, ErrRejected)
	}
	if ts.After(now.Add(c.maxSkew())) {
		c.logger().Warn("service descriptor too far in the future", "service_id", query)
		if c.Metrics != nil {
			c.Metrics.Rejected.Inc()
		}
		return fmt.Errorf("store %s: %w: future-dated", query, ErrRejected)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[query]; ok {
		switch {
		case existing.Parsed.Timestamp > parsed.Timestamp:
			c.logger().Info("already have a newer service descriptor", "service_id", query)
			return nil
		case len(existing.Encoded) == len(encoded) && bytes.Equal(existing.Encoded, encoded):
			existing.Received = now
			c.logger().Info("refreshed duplicate service descriptor", "service_id", query)
			return nil
		case existing.Parsed.Timestamp == parsed.Timestamp:
			// Equal timestamps, different bytes: first-wins (§5 Ordering).
			c.logger().Info("equal-timestamp service descriptor arrived after an existing one, keeping existing", "service_id", query)
			return nil
		}
	}

	cp := make([]byte, len(encoded))
	copy(cp, encoded)
	c.entries[query] = &CacheEntry{
		Parsed:   parsed,
		Encoded:  cp,
		Received: now,
	}
	if c.Metrics != nil {
		c.Metrics.Stored.Inc()
	}
	c.logger().Info("stored service descriptor", "service_id", query, "len", len(encoded))
	return nil
}

// Clean removes every entry whose parsed timestamp has fallen outside the
// freshness window. See §4.3.4.
func (c *Cache) Clean() {
	now := c.clock()
	cutoff := now.Add(-c.maxAge())

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.entries {
		if time.Unix(e.Parsed.Timestamp, 0).Before(cutoff) {
			delete(c.entries, id)
			if c.Metrics != nil {
				c.Metrics.Evicted.Inc()
			}
		}
	}
}

func (c *Cache) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
