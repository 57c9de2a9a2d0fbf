// Package mango models the slice of the Mango v4 perpetuals program the
// funding relayer consumes: perp market parameters, the order-book side
// accounts with their fixed and oracle-pegged trees, and the impact-price
// funding computation.
package mango

import (
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/perp-funding/backend/internal/fixedpoint"
)

var (
	ProgramID = solana.MustPublicKeyFromBase58("4MangoMjqJ2firMokCjjGgoK8d4MXcrgL7XJaL3w6fVg")
	GroupID   = solana.MustPublicKeyFromBase58("78b8f4cGCwmZ9ysPFMWLaLTkkaYnUjwMJYStWe5RTSSX")
)

var ErrUnexpectedAccountData = errors.New("mango: unexpected account data")

const (
	QuoteDecimals = 6

	accountDiscriminatorLen = 8
	nodeDataLen             = 119
	bookNodeCount           = 1024
)

// FixedBytes is the wire form of an I80F48: raw bits, little-endian.
type FixedBytes [16]uint8

func (b FixedBytes) Fixed() fixedpoint.I80F48 {
	return fixedpoint.FromLEBytes(b)
}

type PerpMarket struct {
	Group           solana.PublicKey
	PerpMarketIndex uint16
	BaseDecimals    uint8
	Bids            solana.PublicKey
	Asks            solana.PublicKey
	Oracle          solana.PublicKey
	QuoteLotSize    int64
	BaseLotSize     int64
	MinFunding      FixedBytes
	MaxFunding      FixedBytes
	ImpactQuantity  int64
}

func ParsePerpMarket(data []byte) (*PerpMarket, error) {
	if len(data) < accountDiscriminatorLen {
		return nil, fmt.Errorf("%w: account too short (%d bytes)", ErrUnexpectedAccountData, len(data))
	}

	market := new(PerpMarket)
	decoder := bin.NewBorshDecoder(data[accountDiscriminatorLen:])
	if err := decoder.Decode(market); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedAccountData, err)
	}
	return market, nil
}

// MarketPDA derives the perp market address for a market index within the
// configured group.
func MarketPDA(marketIndex uint16) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{[]byte("PerpMarket"), GroupID.Bytes(), u16LE(marketIndex)},
		ProgramID,
	)
}

func u16LE(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

type Side uint8

const (
	SideBid Side = iota
	SideAsk
)

// IsPriceBetter reports whether lhs would match before rhs on this side.
func (s Side) IsPriceBetter(lhs, rhs int64) bool {
	if s == SideBid {
		return lhs > rhs
	}
	return lhs < rhs
}

type NodeTag uint8

const (
	NodeTagUninitialized NodeTag = iota
	NodeTagInnerNode
	NodeTagLeafNode
	NodeTagFreeNode
	NodeTagLastFreeNode
)

type NodeHandle = uint32

// AnyNode is one 120-byte slot of the order-tree arena: a tag byte followed
// by the variant payload.
type AnyNode struct {
	Tag  uint8
	Data [nodeDataLen]uint8
}

type InnerNode struct {
	PrefixLen           uint32
	Key                 bin.Uint128
	Children            [2]NodeHandle
	ChildEarliestExpiry [2]uint64
}

type LeafNode struct {
	OwnerSlot     uint8
	OrderType     uint8
	TimeInForce   uint16
	Key           bin.Uint128
	Owner         solana.PublicKey
	Quantity      int64
	Timestamp     uint64
	PegLimit      int64
	ClientOrderID uint64
}

// PriceData returns the upper 64 bits of the binary-tree key: the fixed
// price in lots, or the raw oracle-peg offset encoding.
func (l *LeafNode) PriceData() uint64 {
	return l.Key.Hi
}

func (l *LeafNode) IsExpired(nowTs uint64) bool {
	return l.TimeInForce > 0 && nowTs >= l.Timestamp+uint64(l.TimeInForce)
}

// Inner decodes the node as an inner node. Valid only when Tag says so.
func (n *AnyNode) Inner() *InnerNode {
	d := n.Data[:]
	inner := &InnerNode{
		PrefixLen: binary.LittleEndian.Uint32(d[3:7]),
		Key:       readU128(d[7:23]),
	}
	inner.Children[0] = binary.LittleEndian.Uint32(d[23:27])
	inner.Children[1] = binary.LittleEndian.Uint32(d[27:31])
	inner.ChildEarliestExpiry[0] = binary.LittleEndian.Uint64(d[31:39])
	inner.ChildEarliestExpiry[1] = binary.LittleEndian.Uint64(d[39:47])
	return inner
}

// Leaf decodes the node as a leaf. Valid only when Tag says so.
func (n *AnyNode) Leaf() *LeafNode {
	d := n.Data[:]
	leaf := &LeafNode{
		OwnerSlot:   d[0],
		OrderType:   d[1],
		TimeInForce: binary.LittleEndian.Uint16(d[3:5]),
		Key:         readU128(d[7:23]),
	}
	copy(leaf.Owner[:], d[23:55])
	leaf.Quantity = int64(binary.LittleEndian.Uint64(d[55:63]))
	leaf.Timestamp = binary.LittleEndian.Uint64(d[63:71])
	leaf.PegLimit = int64(binary.LittleEndian.Uint64(d[71:79]))
	leaf.ClientOrderID = binary.LittleEndian.Uint64(d[79:87])
	return leaf
}

func readU128(d []byte) bin.Uint128 {
	var out bin.Uint128
	out.Lo = binary.LittleEndian.Uint64(d[0:8])
	out.Hi = binary.LittleEndian.Uint64(d[8:16])
	return out
}

type OrderTreeType uint8

const (
	OrderTreeTypeBids OrderTreeType = iota
	OrderTreeTypeAsks
)

type OrderTreeRoot struct {
	MaybeNode NodeHandle
	LeafCount uint32
}

// Node returns the root handle, or false for an empty tree.
func (r *OrderTreeRoot) Node() (NodeHandle, bool) {
	if r.LeafCount == 0 {
		return 0, false
	}
	return r.MaybeNode, true
}

// OrderTreeNodes is the fixed-capacity arena backing both trees of a book
// side. Handles index into Nodes.
type OrderTreeNodes struct {
	OrderTreeType uint8
	Padding       [3]uint8
	BumpIndex     uint32
	FreeListLen   uint32
	FreeListHead  NodeHandle
	Reserved      [512]uint8
	Nodes         [bookNodeCount]AnyNode
}

func (t *OrderTreeNodes) TreeType() OrderTreeType {
	if t.OrderTreeType == 0 {
		return OrderTreeTypeBids
	}
	return OrderTreeTypeAsks
}

// Node returns the arena slot when it holds a live tree node.
func (t *OrderTreeNodes) Node(handle NodeHandle) *AnyNode {
	if int(handle) >= len(t.Nodes) {
		return nil
	}
	node := &t.Nodes[handle]
	switch NodeTag(node.Tag) {
	case NodeTagInnerNode, NodeTagLeafNode:
		return node
	default:
		return nil
	}
}

type BookSideOrderTree int

const (
	BookSideOrderTreeFixed BookSideOrderTree = iota
	BookSideOrderTreeOraclePegged
)

type BookSide struct {
	Roots         [2]OrderTreeRoot
	ReservedRoots [4]OrderTreeRoot
	Reserved      [256]uint8
	Nodes         OrderTreeNodes
}

func (b *BookSide) Root(component BookSideOrderTree) *OrderTreeRoot {
	return &b.Roots[component]
}

func ParseBookSide(data []byte) (*BookSide, error) {
	if len(data) < accountDiscriminatorLen {
		return nil, fmt.Errorf("%w: account too short (%d bytes)", ErrUnexpectedAccountData, len(data))
	}

	side := new(BookSide)
	decoder := bin.NewBorshDecoder(data[accountDiscriminatorLen:])
	if err := decoder.Decode(side); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedAccountData, err)
	}
	return side, nil
}
