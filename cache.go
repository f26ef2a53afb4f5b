package mlxdispatch

import "time"

// CacheEntry mirrors one entry of the on-disk artifact cache. The cache
// itself lives outside this module's scope; the dispatcher only needs the
// lookup hooks below to report aggregate stats and let the
// reconciler/loader consult it.
type CacheEntry struct {
	Hash        string
	Size        int64
	LastAccess  time.Time
	AccessCount int64
	Metadata    map[string]any
}

// CacheStats is the aggregate snapshot GetCacheStats returns.
type CacheStats struct {
	Entries   int
	TotalSize int64
	Hits      int64
	Misses    int64
}

// CacheStore is the external, content-addressed KV the artifact cache
// implements. The dispatcher only ever invokes these hooks; it never
// manages on-disk state itself. Implementations must make
// Lookup/Store/Evict atomic with respect to each other, since a subprocess
// restart can race a concurrent cache write.
type CacheStore interface {
	Lookup(hash string) (CacheEntry, bool, error)
	Store(entry CacheEntry) error
	Evict(hash string) error
	Stats() (CacheStats, error)
}
