package bus

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Dedupe defaults. Chat surfaces redeliver on reconnect; twenty minutes
// covers the longest observed redelivery window with headroom.
const (
	DefaultDedupeTTL  = 20 * time.Minute
	DefaultDedupeSize = 5000
)

// DedupeCache drops redelivered inbound messages. Keys are
// channel-specific message ids; entries expire after the TTL and the
// LRU bound caps memory under redelivery storms.
type DedupeCache struct {
	lru *expirable.LRU[string, struct{}]
}

// NewDedupeCache creates a cache with the given TTL and size; zero values
// take the defaults.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultDedupeSize
	}
	return &DedupeCache{
		lru: expirable.NewLRU[string, struct{}](maxSize, nil, ttl),
	}
}

// IsDuplicate reports whether key was already seen within the TTL window,
// recording it for future checks when it was not.
func (d *DedupeCache) IsDuplicate(key string) bool {
	if _, ok := d.lru.Get(key); ok {
		return true
	}
	d.lru.Add(key, struct{}{})
	return false
}
