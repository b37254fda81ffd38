/*
Package cache defines the lookup surface the core uses to serve stale answers when every upstream is
down, and provides a concrete gcache-backed LRU implementation of it for cmd/edgedns-proxy to wire in
by default. The interface is deliberately minimal — the core never learns how an entry got there, it
only ever asks "is there anything, even expired, for this fingerprint".
*/
package cache

import (
	"time"

	"github.com/markdingo/edgedns/internal/fingerprint"

	"github.com/bluele/gcache"
)

// Entry is a cached response packet with the time it was stored, so callers can tell a fresh hit from
// a stale one if they care to — the core itself treats both the same way (serve it regardless).
type Entry struct {
	Packet  []byte
	Stored  time.Time
	Expires time.Time
}

// Cache is the lookup surface ClientQueryHandler degrades to when every candidate upstream is down.
// It is populated by the response-dispatch path outside this core, which is why there is no Set in
// the interface the handler depends on — only the concrete adapter below exposes one, for whoever
// owns that external path to call.
type Cache interface {
	// Get returns the cached Entry for (fp, customHash), even if expired, or ok=false if nothing
	// has ever been cached for that key.
	Get(fp fingerprint.Fingerprint) (Entry, bool)
}

// LRU is a gcache-backed implementation of Cache. Expired entries are still returned by Get — gcache
// only evicts them opportunistically, which suits the spec's "stale is still useful" semantics
// better than a TTL cache that erases entries the instant they expire.
type LRU struct {
	gc gcache.Cache
}

// NewLRU builds an LRU cache holding at most size entries.
func NewLRU(size int) *LRU {
	return &LRU{gc: gcache.New(size).LRU().Build()}
}

// Get implements Cache.
func (l *LRU) Get(fp fingerprint.Fingerprint) (Entry, bool) {
	v, err := l.gc.Get(fp)
	if err != nil {
		return Entry{}, false
	}

	entry, ok := v.(Entry)

	return entry, ok
}

// Set stores packet for fp with the given ttl, called by the response-dispatch path when a fresh
// upstream answer arrives. Deliberately does not use gcache's own expiry (SetWithExpire would evict
// the entry outright once ttl elapses) — Expires is recorded only for callers that want to
// distinguish fresh from stale; the entry itself survives until LRU capacity pressure evicts it,
// which is what lets Get still serve it after expiry. Not part of the Cache interface the core
// depends on.
func (l *LRU) Set(fp fingerprint.Fingerprint, packet []byte, ttl time.Duration) {
	now := time.Now()
	l.gc.Set(fp, Entry{Packet: packet, Stored: now, Expires: now.Add(ttl)})
}
