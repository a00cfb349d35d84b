package mctext

import (
	"time"

	"github.com/pior/mctext/protocol"
)

// NoTTL represents an infinite TTL (no expiration).
const NoTTL = 0

// Item is a cache entry, as stored or as retrieved.
type Item struct {
	Key   string
	Value []byte

	// Flags is an opaque value stored alongside Value.
	Flags uint32

	// TTL is the lifetime of a stored item. TTLs of 30 days or more are sent
	// as absolute timestamps. Zero means no expiration.
	TTL time.Duration

	// ExpiresAt, when set, takes precedence over TTL.
	ExpiresAt time.Time

	// CAS is the version token returned by Gets and GetsAndTouch, and
	// required by CompareAndSwap.
	CAS uint64
}

func (it Item) exptime(now time.Time) int64 {
	if !it.ExpiresAt.IsZero() {
		return protocol.ExptimeAt(it.ExpiresAt)
	}
	return protocol.Exptime(it.TTL, now)
}

func itemFromBlock(b protocol.Block) Item {
	it := Item{
		Key:   b.Key,
		Value: b.Data,
		Flags: b.Flags,
	}
	if b.HasCAS {
		it.CAS = b.CAS
	}
	return it
}
