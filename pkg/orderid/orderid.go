// Package orderid generates the order ids the ledger sends to the payment
// provider. Ids are ULIDs drawn from monotonic entropy, so every id issued by a
// Generator sorts after the previous one.
package orderid

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator issues strictly increasing order ids.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	prefix  string
	now     func() time.Time
}

// New creates a generator. prefix is prepended verbatim (e.g. "DGT").
func New(prefix string) *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		prefix:  prefix,
		now:     time.Now,
	}
}

// Next returns a new order id.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
	return g.prefix + id.String()
}

// Valid reports whether raw is an id this package could have produced with prefix.
func Valid(prefix, raw string) bool {
	if len(raw) != len(prefix)+ulid.EncodedSize || raw[:len(prefix)] != prefix {
		return false
	}
	_, err := ulid.ParseStrict(raw[len(prefix):])
	return err == nil
}
