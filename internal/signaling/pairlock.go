package signaling

import (
	"hash/fnv"
	"sync"
)

const pairLockStripes = 64

// pairLocks serializes pairing deliveries per unordered username pair, so
// A->B and B->A cannot interleave their two notifications.
//
// A stripe stays held while both notices are written, and each write may take
// up to the handler's WriteTimeout. A stalled peer therefore also delays the
// other pairs sharing its stripe, about 1 in pairLockStripes of them, for at
// most two write timeouts. Pairs on other stripes are unaffected.
type pairLocks struct {
	stripes [pairLockStripes]sync.Mutex
}

func (p *pairLocks) lock(a, b string) func() {
	mu := &p.stripes[stripeFor(a, b)]
	mu.Lock()
	return mu.Unlock
}

// stripeFor maps an unordered pair to its stripe.
func stripeFor(a, b string) int {
	if b < a {
		a, b = b, a
	}
	h := fnv.New32a()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	return int(h.Sum32() % pairLockStripes)
}
