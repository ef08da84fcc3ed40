package logging

import (
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"
	"time"
)

var searchIDCounter uint64

// GenerateSearchID returns a unique identifier for a new search, used as the
// search_id argument to the Start control command (spec.md §4.7, §6).
// Format: hex(unix-seconds-32bit)-counter-random, e.g. "6553f200-00000007-a1b2c3d4".
func GenerateSearchID() string {
	ts := time.Now().Unix()
	counter := atomic.AddUint64(&searchIDCounter, 1)

	random := make([]byte, 4)
	if _, err := rand.Read(random); err != nil {
		return formatSearchID(ts, counter, "00000000")
	}
	return formatSearchID(ts, counter, hex.EncodeToString(random))
}

func formatSearchID(ts int64, counter uint64, random string) string {
	tsBytes := []byte{byte(ts >> 24), byte(ts >> 16), byte(ts >> 8), byte(ts)}
	return hex.EncodeToString(tsBytes) + "-" + hex.EncodeToString(counterBytes(counter)) + "-" + random
}

func counterBytes(counter uint64) []byte {
	return []byte{byte(counter >> 24), byte(counter >> 16), byte(counter >> 8), byte(counter)}
}
