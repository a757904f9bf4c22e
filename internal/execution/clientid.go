package execution

import (
	"fmt"
	"math/rand/v2"
	"time"
)

const randSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newClientID returns mm_<epoch_ms>_<rand4>, the client order id format
// used for every place.
func newClientID() string {
	return fmt.Sprintf("mm_%d_%s", time.Now().UnixMilli(), randSuffix(4))
}

// modifyClientID returns the client id used for a cancel-then-replace
// modify, preserving a trace back to the order being amended.
func modifyClientID(oldLocalID string) string {
	return fmt.Sprintf("modify_%s_%d", oldLocalID, time.Now().UnixMilli())
}

func randSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randSuffixAlphabet[rand.IntN(len(randSuffixAlphabet))]
	}
	return string(b)
}
