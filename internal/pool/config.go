package pool

import "time"

// Config bounds a single pool's size and its various timeouts. All
// durations are time.Duration values; the on-disk config writes them as
// duration strings such as "5s".
type Config struct {
	Min              int
	Max              int
	CheckoutTimeout  time.Duration
	IdleTimeout      time.Duration
	ConnectTimeout   time.Duration
	MaxAge           time.Duration
	HealthcheckEvery time.Duration
	BanTTL           time.Duration
}

// DefaultConfig mirrors the teacher's pool defaults, retuned for a
// sharded transaction-pooling proxy rather than a per-tenant one.
func DefaultConfig() Config {
	return Config{
		Min:              1,
		Max:              10,
		CheckoutTimeout:  5 * time.Second,
		IdleTimeout:      10 * time.Minute,
		ConnectTimeout:   5 * time.Second,
		MaxAge:           1 * time.Hour,
		HealthcheckEvery: 30 * time.Second,
		BanTTL:           60 * time.Second,
	}
}
