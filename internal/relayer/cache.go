package relayer

import (
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/perp-funding/backend/internal/funding"
)

// sharedCache is the market list both relayer tasks work over. One mutex
// guards it; neither task holds the lock across an await.
type sharedCache struct {
	mu      sync.Mutex
	markets []*marketFundingCache
}

func newSharedCache() *sharedCache {
	return &sharedCache{}
}

// marketFundingCache accumulates per-market funding snapshots between
// on-chain publishes.
type marketFundingCache struct {
	fundingAccount solana.PublicKey
	market         solana.PublicKey
	marketIndex    uint16
	exchange       funding.Exchange

	updateFrequencySecs uint64

	// strict FIFO, bounded by updateFrequencySecs / snapshot interval
	fundingSnapshots []int64

	lastAccountUpdateAt time.Time
}

func (c *marketFundingCache) capacity() int {
	return int(c.updateFrequencySecs / uint64(SnapshotInterval/time.Second))
}

func (c *marketFundingCache) insertFundingRate(rate int64) {
	if len(c.fundingSnapshots) == c.capacity() {
		c.fundingSnapshots = c.fundingSnapshots[1:]
	}
	c.fundingSnapshots = append(c.fundingSnapshots, rate)
}

// averageFundingRate returns the ring mean, and false until the ring is
// full.
func (c *marketFundingCache) averageFundingRate() (int64, bool) {
	capacity := c.capacity()
	if len(c.fundingSnapshots) != capacity {
		return 0, false
	}

	sum := int64(0)
	for _, rate := range c.fundingSnapshots {
		sum += rate
	}
	return sum / int64(capacity), true
}
