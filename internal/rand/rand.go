// Package rand generates RPC request ids.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var source = newSource()

type lockedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newSource() *lockedSource {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("rand: cannot seed request ids: " + err.Error())
	}
	//nolint:gosec // request ids only need to be unique per connection
	return &lockedSource{rng: rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(seed[:8]),
		binary.LittleEndian.Uint64(seed[8:]),
	))}
}

// NewRequestID returns a random alphanumeric id of the given length.
func NewRequestID(length int) string {
	buf := make([]byte, length)
	source.mu.Lock()
	for i := range buf {
		buf[i] = charset[source.rng.IntN(len(charset))]
	}
	source.mu.Unlock()
	return string(buf)
}
