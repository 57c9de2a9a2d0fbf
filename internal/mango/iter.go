package mango

import (
	"math"

	bin "github.com/gagliardetto/binary"
)

// OrderTreeIter walks one tree of a book side in price order: low-to-high
// for asks, high-to-low for bids. The stack holds inner nodes whose far
// child still needs visiting.
type OrderTreeIter struct {
	orderTree *OrderTreeNodes
	stack     []*InnerNode
	nextLeaf  *leafRef

	left  int
	right int
}

type leafRef struct {
	handle NodeHandle
	leaf   *LeafNode
}

func NewOrderTreeIter(orderTree *OrderTreeNodes, root *OrderTreeRoot) *OrderTreeIter {
	left, right := 0, 1
	if orderTree.TreeType() == OrderTreeTypeBids {
		left, right = 1, 0
	}

	iter := &OrderTreeIter{
		orderTree: orderTree,
		left:      left,
		right:     right,
	}
	if start, ok := root.Node(); ok {
		iter.nextLeaf = iter.findLeftmostLeaf(start)
	}
	return iter
}

func (it *OrderTreeIter) Side() Side {
	if it.left == 1 {
		return SideBid
	}
	return SideAsk
}

func (it *OrderTreeIter) Peek() (NodeHandle, *LeafNode, bool) {
	if it.nextLeaf == nil {
		return 0, nil, false
	}
	return it.nextLeaf.handle, it.nextLeaf.leaf, true
}

func (it *OrderTreeIter) Next() (NodeHandle, *LeafNode, bool) {
	if it.nextLeaf == nil {
		return 0, nil, false
	}

	current := it.nextLeaf
	if len(it.stack) == 0 {
		it.nextLeaf = nil
	} else {
		inner := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]
		it.nextLeaf = it.findLeftmostLeaf(inner.Children[it.right])
	}

	return current.handle, current.leaf, true
}

func (it *OrderTreeIter) findLeftmostLeaf(start NodeHandle) *leafRef {
	current := start
	for {
		node := it.orderTree.Node(current)
		if node == nil {
			return nil
		}
		switch NodeTag(node.Tag) {
		case NodeTagInnerNode:
			inner := node.Inner()
			it.stack = append(it.stack, inner)
			current = inner.Children[it.left]
		case NodeTagLeafNode:
			return &leafRef{handle: current, leaf: node.Leaf()}
		default:
			return nil
		}
	}
}

type OrderState int

const (
	OrderStateValid OrderState = iota
	OrderStateInvalid
	OrderStateSkipped
)

type BookSideOrderHandle struct {
	Node      NodeHandle
	OrderTree BookSideOrderTree
}

type BookSideIterItem struct {
	Handle    BookSideOrderHandle
	Node      *LeafNode
	PriceLots int64
	State     OrderState
}

func (i *BookSideIterItem) IsValid() bool {
	return i.State == OrderStateValid
}

// OraclePeggedPriceOffset decodes the signed offset packed into a pegged
// order's price data via modular wrap around u64::MAX/2 + 1.
func OraclePeggedPriceOffset(priceData uint64) int64 {
	return int64(priceData - (math.MaxUint64/2 + 1))
}

// oraclePeggedPrice resolves a pegged order against the current oracle.
// Prices escaping [1, i64::MAX) are Skipped; orders past their peg limit are
// Invalid.
func oraclePeggedPrice(oraclePriceLots int64, node *LeafNode, side Side) (OrderState, int64) {
	offset := OraclePeggedPriceOffset(node.PriceData())
	price := saturatingAdd(oraclePriceLots, offset)
	if price >= 1 && price < math.MaxInt64 {
		if node.PegLimit != -1 && side.IsPriceBetter(price, node.PegLimit) {
			return OrderStateInvalid, price
		}
		return OrderStateValid, price
	}
	if price < 1 {
		price = 1
	}
	return OrderStateSkipped, price
}

// keyForFixedPrice rewrites the upper 64 key bits with the effective price
// lots so pegged keys order against fixed keys.
func keyForFixedPrice(key bin.Uint128, priceLots int64) bin.Uint128 {
	var out bin.Uint128
	out.Hi = uint64(priceLots)
	out.Lo = key.Lo
	return out
}

func cmpU128(a, b bin.Uint128) int {
	switch {
	case a.Hi != b.Hi:
		if a.Hi < b.Hi {
			return -1
		}
		return 1
	case a.Lo != b.Lo:
		if a.Lo < b.Lo {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func fixedToItem(handle NodeHandle, node *LeafNode, nowTs uint64) *BookSideIterItem {
	state := OrderStateValid
	if node.IsExpired(nowTs) {
		state = OrderStateInvalid
	}
	return &BookSideIterItem{
		Handle:    BookSideOrderHandle{Node: handle, OrderTree: BookSideOrderTreeFixed},
		Node:      node,
		PriceLots: int64(node.PriceData()),
		State:     state,
	}
}

func peggedToItem(handle NodeHandle, node *LeafNode, priceLots int64, state OrderState, nowTs uint64) *BookSideIterItem {
	if node.IsExpired(nowTs) {
		state = OrderStateInvalid
	}
	return &BookSideIterItem{
		Handle:    BookSideOrderHandle{Node: handle, OrderTree: BookSideOrderTreeOraclePegged},
		Node:      node,
		PriceLots: priceLots,
		State:     state,
	}
}

// rankOrders compares the heads of the fixed and pegged trees and returns
// the one that would match first (or last, when returnWorse is set).
func rankOrders(
	side Side,
	fixed *leafRef,
	oraclePegged *leafRef,
	returnWorse bool,
	nowTs uint64,
	oraclePriceLots int64,
) *BookSideIterItem {
	switch {
	case fixed == nil && oraclePegged == nil:
		return nil
	case oraclePegged == nil:
		return fixedToItem(fixed.handle, fixed.leaf, nowTs)
	case fixed == nil:
		state, priceLots := oraclePeggedPrice(oraclePriceLots, oraclePegged.leaf, side)
		return peggedToItem(oraclePegged.handle, oraclePegged.leaf, priceLots, state, nowTs)
	}

	state, priceLots := oraclePeggedPrice(oraclePriceLots, oraclePegged.leaf, side)
	peggedKey := keyForFixedPrice(oraclePegged.leaf.Key, priceLots)

	cmp := cmpU128(fixed.leaf.Key, peggedKey)
	fixedBetter := cmp > 0
	if side == SideAsk {
		fixedBetter = cmp < 0
	}
	if fixedBetter != returnWorse {
		return fixedToItem(fixed.handle, fixed.leaf, nowTs)
	}
	return peggedToItem(oraclePegged.handle, oraclePegged.leaf, priceLots, state, nowTs)
}

// BookSideIter merges the fixed and oracle-pegged trees of one book side so
// callers can walk the side without caring where an order came from. Orders
// that cannot currently match are skipped; expired or peg-limited orders are
// yielded as Invalid so callers may prune them.
type BookSideIter struct {
	fixedIter        *OrderTreeIter
	oraclePeggedIter *OrderTreeIter
	nowTs            uint64
	oraclePriceLots  int64
}

func NewBookSideIter(bookSide *BookSide, nowTs uint64, oraclePriceLots int64) *BookSideIter {
	return &BookSideIter{
		fixedIter:        NewOrderTreeIter(&bookSide.Nodes, bookSide.Root(BookSideOrderTreeFixed)),
		oraclePeggedIter: NewOrderTreeIter(&bookSide.Nodes, bookSide.Root(BookSideOrderTreeOraclePegged)),
		nowTs:            nowTs,
		oraclePriceLots:  oraclePriceLots,
	}
}

func (it *BookSideIter) Next() (*BookSideIterItem, bool) {
	side := it.fixedIter.Side()

	// Skip pegged orders not representable at the current oracle price,
	// e.g. asks whose offset pulls the price below 1.
	for {
		_, node, ok := it.oraclePeggedIter.Peek()
		if !ok {
			break
		}
		if state, _ := oraclePeggedPrice(it.oraclePriceLots, node, side); state != OrderStateSkipped {
			break
		}
		it.oraclePeggedIter.Next()
	}

	var fixed, pegged *leafRef
	if handle, node, ok := it.fixedIter.Peek(); ok {
		fixed = &leafRef{handle: handle, leaf: node}
	}
	if handle, node, ok := it.oraclePeggedIter.Peek(); ok {
		pegged = &leafRef{handle: handle, leaf: node}
	}

	better := rankOrders(side, fixed, pegged, false, it.nowTs, it.oraclePriceLots)
	if better == nil {
		return nil, false
	}

	if better.Handle.OrderTree == BookSideOrderTreeFixed {
		it.fixedIter.Next()
	} else {
		it.oraclePeggedIter.Next()
	}
	return better, true
}

// ImpactPrice walks valid orders accumulating quantity and returns the price
// in lots at which a hypothetical order of the given size would clear. False
// when the side lacks depth.
func (b *BookSide) ImpactPrice(quantity int64, nowTs uint64, oraclePriceLots int64) (int64, bool) {
	sum := int64(0)
	iter := NewBookSideIter(b, nowTs, oraclePriceLots)
	for {
		item, ok := iter.Next()
		if !ok {
			return 0, false
		}
		if !item.IsValid() {
			continue
		}
		sum += item.Node.Quantity
		if sum >= quantity {
			return item.PriceLots, true
		}
	}
}

func saturatingAdd(a, b int64) int64 {
	c := a + b
	if b > 0 && c < a {
		return math.MaxInt64
	}
	if b < 0 && c > a {
		return math.MinInt64
	}
	return c
}
