package pool

import "time"

// Ban suppresses a pool from selection until its TTL lapses. Attached by a
// failed checkout (protocol error) or a failed health check.
type Ban struct {
	Reason   string
	BannedAt time.Time
	TTL      time.Duration
}

// Expired reports whether the ban has lapsed as of now.
func (b Ban) Expired(now time.Time) bool {
	return now.After(b.BannedAt.Add(b.TTL))
}
