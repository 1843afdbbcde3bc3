package gena

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// MinTimeout is the shortest subscription lifetime accepted or requested.
	MinTimeout = 5 * time.Second
	// MaxTimeout is the longest subscription lifetime; it also stands in
	// for Second-infinite.
	MaxTimeout = 24 * time.Hour
	// DefaultTimeout applies when neither side states a timeout.
	DefaultTimeout = MaxTimeout
)

// ClampTimeout bounds d to [MinTimeout, MaxTimeout].
func ClampTimeout(d time.Duration) time.Duration {
	return min(max(d, MinTimeout), MaxTimeout)
}

// ParseTimeout reads a TIMEOUT header value ("Second-N" or
// "Second-infinite"). The result is clamped; ok is false when v is absent
// or malformed.
func ParseTimeout(v string) (d time.Duration, ok bool) {
	v = strings.TrimSpace(v)
	const prefix = "second-"
	if len(v) <= len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return 0, false
	}
	n := v[len(prefix):]
	if strings.EqualFold(n, "infinite") {
		return MaxTimeout, true
	}
	secs, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		return 0, false
	}
	if secs > uint64(MaxTimeout/time.Second) {
		return MaxTimeout, true
	}
	return ClampTimeout(time.Duration(secs) * time.Second), true
}

// FormatTimeout renders d as a TIMEOUT header value.
func FormatTimeout(d time.Duration) string {
	return "Second-" + strconv.FormatInt(int64(d/time.Second), 10)
}

// NextSeq returns the event sequence number after n. It wraps from
// 4294967295 to 1; 0 is only used for the initial event.
func NextSeq(n uint32) uint32 {
	if n == math.MaxUint32 {
		return 1
	}
	return n + 1
}
