package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
)

const (
	bytesInUint64 = 8
	charset       = "0123456789abcdef"
)

var defaultRandBytes = newRandBytes()

func newRandBytes() *randBytes {
	seed := make([]byte, bytesInUint64*2)

	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &randBytes{
		//nolint:gosec // no security required
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

type randBytes struct {
	mut sync.Mutex
	rng *rand.Rand
}

func (rb *randBytes) token(length int) string {
	buf := make([]byte, length)

	rb.mut.Lock()
	for i := range buf {
		buf[i] = charset[rb.rng.IntN(len(charset))]
	}
	rb.mut.Unlock()

	return string(buf)
}

// Token returns a random lowercase hex string of the given length.
func Token(length int) string {
	return defaultRandBytes.token(length)
}

// NextRevision returns the CouchDB-style revision following prev, that is
// "<generation>-<token>" with the generation incremented. An empty or
// malformed prev starts at generation 1.
func NextRevision(prev string, tokenLength int) string {
	gen := 0
	if head, _, ok := strings.Cut(prev, "-"); ok {
		if n, err := strconv.Atoi(head); err == nil {
			gen = n
		}
	}
	return strconv.Itoa(gen+1) + "-" + Token(tokenLength)
}
