package protocol

import "time"

// Exptime converts a TTL to the exptime field of a command. Zero or negative
// TTLs mean "never expire". TTLs shorter than 30 days are sent as relative
// seconds; longer ones are converted to an absolute unix timestamp, since the
// server would read the raw number of seconds as a date in 1970.
func Exptime(ttl time.Duration, now time.Time) int64 {
	if ttl <= 0 {
		return 0
	}

	seconds := int64((ttl + time.Second/2) / time.Second)
	if seconds == 0 {
		seconds = 1
	}
	if seconds < MaxRelativeExpiration {
		return seconds
	}
	return now.Add(ttl).Unix()
}

// ExptimeAt converts an absolute deadline to an exptime. The zero time means
// "never expire".
func ExptimeAt(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
