package mango

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// bookBuilder assembles a BookSide arena by hand for iterator tests.
type bookBuilder struct {
	side *BookSide
	next NodeHandle
}

func newBook(treeType OrderTreeType) *bookBuilder {
	b := &bookBuilder{side: new(BookSide)}
	b.side.Nodes.OrderTreeType = uint8(treeType)
	return b
}

func (b *bookBuilder) leaf(priceData uint64, seq uint64, quantity int64, timestamp uint64, tif uint16, pegLimit int64) NodeHandle {
	handle := b.next
	b.next++

	node := &b.side.Nodes.Nodes[handle]
	node.Tag = uint8(NodeTagLeafNode)
	d := node.Data[:]
	binary.LittleEndian.PutUint16(d[3:5], tif)
	binary.LittleEndian.PutUint64(d[7:15], seq)
	binary.LittleEndian.PutUint64(d[15:23], priceData)
	binary.LittleEndian.PutUint64(d[55:63], uint64(quantity))
	binary.LittleEndian.PutUint64(d[63:71], timestamp)
	binary.LittleEndian.PutUint64(d[71:79], uint64(pegLimit))
	return handle
}

func (b *bookBuilder) inner(lowChild, highChild NodeHandle) NodeHandle {
	handle := b.next
	b.next++

	node := &b.side.Nodes.Nodes[handle]
	node.Tag = uint8(NodeTagInnerNode)
	d := node.Data[:]
	binary.LittleEndian.PutUint32(d[23:27], lowChild)
	binary.LittleEndian.PutUint32(d[27:31], highChild)
	return handle
}

func (b *bookBuilder) setRoot(tree BookSideOrderTree, handle NodeHandle, leafCount uint32) {
	b.side.Roots[tree] = OrderTreeRoot{MaybeNode: handle, LeafCount: leafCount}
}

// peggedPriceData packs a signed oracle offset into the upper key bits.
func peggedPriceData(offset int64) uint64 {
	return uint64(offset) + (math.MaxUint64/2 + 1)
}

func collect(side *BookSide, nowTs uint64, oraclePriceLots int64) []*BookSideIterItem {
	var out []*BookSideIterItem
	iter := NewBookSideIter(side, nowTs, oraclePriceLots)
	for {
		item, ok := iter.Next()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

func TestAsksYieldAscending(t *testing.T) {
	b := newBook(OrderTreeTypeAsks)
	low := b.leaf(10, 1, 5, 0, 0, -1)
	high := b.leaf(12, 2, 5, 0, 0, -1)
	root := b.inner(low, high)
	b.setRoot(BookSideOrderTreeFixed, root, 2)

	items := collect(b.side, 1000, 10)
	require.Len(t, items, 2)
	require.Equal(t, int64(10), items[0].PriceLots)
	require.Equal(t, int64(12), items[1].PriceLots)
	require.True(t, items[0].IsValid())
}

func TestBidsYieldDescending(t *testing.T) {
	b := newBook(OrderTreeTypeBids)
	low := b.leaf(10, 1, 5, 0, 0, -1)
	high := b.leaf(12, 2, 5, 0, 0, -1)
	root := b.inner(low, high)
	b.setRoot(BookSideOrderTreeFixed, root, 2)

	items := collect(b.side, 1000, 10)
	require.Len(t, items, 2)
	require.Equal(t, int64(12), items[0].PriceLots)
	require.Equal(t, int64(10), items[1].PriceLots)
}

func TestMergedIterationRanksPeggedAgainstFixed(t *testing.T) {
	b := newBook(OrderTreeTypeAsks)
	fixed := b.leaf(10, 1, 5, 0, 0, -1)
	b.setRoot(BookSideOrderTreeFixed, fixed, 1)

	// offset +1 over oracle 8 -> effective price 9, beats the fixed ask at 10
	pegged := b.leaf(peggedPriceData(1), 2, 5, 0, 0, -1)
	b.setRoot(BookSideOrderTreeOraclePegged, pegged, 1)

	items := collect(b.side, 1000, 8)
	require.Len(t, items, 2)
	require.Equal(t, BookSideOrderTreeOraclePegged, items[0].Handle.OrderTree)
	require.Equal(t, int64(9), items[0].PriceLots)
	require.Equal(t, BookSideOrderTreeFixed, items[1].Handle.OrderTree)
	require.Equal(t, int64(10), items[1].PriceLots)
}

func TestOutOfRangePeggedOrdersAreSkipped(t *testing.T) {
	b := newBook(OrderTreeTypeAsks)
	pegged := b.leaf(peggedPriceData(-10), 1, 5, 0, 0, -1)
	b.setRoot(BookSideOrderTreeOraclePegged, pegged, 1)

	// oracle at 5: effective price -5 never appears
	require.Empty(t, collect(b.side, 1000, 5))

	// oracle at 20: effective price 10 is representable again
	items := collect(b.side, 1000, 20)
	require.Len(t, items, 1)
	require.Equal(t, int64(10), items[0].PriceLots)
}

func TestExpiredLeavesAreYieldedInvalid(t *testing.T) {
	b := newBook(OrderTreeTypeAsks)
	expired := b.leaf(10, 1, 5, 100, 10, -1)
	b.setRoot(BookSideOrderTreeFixed, expired, 1)

	items := collect(b.side, 200, 10)
	require.Len(t, items, 1)
	require.Equal(t, OrderStateInvalid, items[0].State)

	items = collect(b.side, 105, 10)
	require.Len(t, items, 1)
	require.True(t, items[0].IsValid())
}

func TestPegLimitCrossedYieldsInvalid(t *testing.T) {
	b := newBook(OrderTreeTypeBids)
	// bid pegged at oracle+2 with a peg limit of 11: at oracle 10 the
	// effective price 12 is better than the limit, so the order is invalid
	pegged := b.leaf(peggedPriceData(2), 1, 5, 0, 0, 11)
	b.setRoot(BookSideOrderTreeOraclePegged, pegged, 1)

	items := collect(b.side, 1000, 10)
	require.Len(t, items, 1)
	require.Equal(t, OrderStateInvalid, items[0].State)

	items = collect(b.side, 1000, 9)
	require.Len(t, items, 1)
	require.True(t, items[0].IsValid())
}

func TestImpactPrice(t *testing.T) {
	b := newBook(OrderTreeTypeAsks)
	low := b.leaf(10, 1, 5, 0, 0, -1)
	high := b.leaf(12, 2, 5, 0, 0, -1)
	root := b.inner(low, high)
	b.setRoot(BookSideOrderTreeFixed, root, 2)

	price, ok := b.side.ImpactPrice(3, 1000, 10)
	require.True(t, ok)
	require.Equal(t, int64(10), price)

	price, ok = b.side.ImpactPrice(8, 1000, 10)
	require.True(t, ok)
	require.Equal(t, int64(12), price)

	_, ok = b.side.ImpactPrice(20, 1000, 10)
	require.False(t, ok)
}

func TestImpactPriceSkipsExpiredDepth(t *testing.T) {
	b := newBook(OrderTreeTypeAsks)
	expired := b.leaf(10, 1, 100, 100, 10, -1)
	live := b.leaf(12, 2, 100, 0, 0, -1)
	root := b.inner(expired, live)
	b.setRoot(BookSideOrderTreeFixed, root, 2)

	price, ok := b.side.ImpactPrice(50, 500, 10)
	require.True(t, ok)
	require.Equal(t, int64(12), price)
}
