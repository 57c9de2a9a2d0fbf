// Package funding models the on-chain funding oracle program: the per-market
// funding account with its data-point ring and EMA, the processor mutating
// it, the instruction codec, and client-side builders and decoders.
package funding

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

var ProgramID = solana.MustPublicKeyFromBase58("Fnd1yWeU4ajtCbzuDLsZq3cuoUiroJCYRoUi2y6PVZfy")

// Exchange selects the venue a funding account tracks. The discriminant is
// persisted as a single byte and feeds the PDA derivation.
type Exchange uint8

const (
	ExchangeDrift Exchange = iota
	ExchangeMango
)

func (e Exchange) String() string {
	switch e {
	case ExchangeDrift:
		return "drift"
	case ExchangeMango:
		return "mango"
	default:
		return "unknown"
	}
}

const (
	// Byte-exact account geometry. Each data point occupies a 16-byte slot:
	// 1 tag byte, 8 value bytes, 7 bytes padding. The resize arithmetic
	// depends on this slot size.
	FixedSize     = 77
	DataPointSize = 16

	offsetBump          = 0
	offsetID            = 1
	offsetExchange      = 3
	offsetMarketIndex   = 4
	offsetAuthority     = 6
	offsetLastUpdatedTs = 38
	offsetUpdateFreq    = 46
	offsetStaleness     = 54
	offsetPeriodLength  = 62
	offsetPointsCount   = 66
	offsetEmaTag        = 68
	offsetEmaValue      = 69
)

var pdaNamespace = []byte("funding")

// AccountSize returns the full account length for a data-point count.
func AccountSize(dataPointsCount uint16) int {
	return FixedSize + DataPointSize*int(dataPointsCount)
}

// PDA derives the canonical funding account address for the tuple
// (id, market index, exchange).
func PDA(id uint16, marketIndex uint16, exchange Exchange) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{
			pdaNamespace,
			u16LEBytes(id),
			u16LEBytes(marketIndex),
			{byte(exchange)},
		},
		ProgramID,
	)
}

type Config struct {
	UpdateFrequencySecs    uint64
	StalenessThresholdSecs uint64
	// EMA smoothing: (data_point - prev_ema) * 2 / (period + 1) + prev_ema
	PeriodLength    uint32
	DataPointsCount uint16
}

// accountFixed is the deserialized fixed header of a funding account.
type accountFixed struct {
	Bump        uint8
	ID          uint16
	Exchange    Exchange
	MarketIndex uint16
	Authority   solana.PublicKey

	LastUpdatedTs int64
	Config        Config
	// Percentage with 6 decimals, ex: 1000000 = 10.000000%
	FundingEma *int64
}

func decodeFixed(data []byte) (*accountFixed, error) {
	if len(data) < FixedSize {
		return nil, ErrAccountDataTooSmall
	}

	fixed := &accountFixed{
		Bump:        data[offsetBump],
		ID:          binary.LittleEndian.Uint16(data[offsetID:]),
		Exchange:    Exchange(data[offsetExchange]),
		MarketIndex: binary.LittleEndian.Uint16(data[offsetMarketIndex:]),
		LastUpdatedTs: int64(
			binary.LittleEndian.Uint64(data[offsetLastUpdatedTs:]),
		),
		Config: Config{
			UpdateFrequencySecs:    binary.LittleEndian.Uint64(data[offsetUpdateFreq:]),
			StalenessThresholdSecs: binary.LittleEndian.Uint64(data[offsetStaleness:]),
			PeriodLength:           binary.LittleEndian.Uint32(data[offsetPeriodLength:]),
			DataPointsCount:        binary.LittleEndian.Uint16(data[offsetPointsCount:]),
		},
	}
	copy(fixed.Authority[:], data[offsetAuthority:offsetAuthority+32])

	if fixed.Exchange > ExchangeMango {
		return nil, ErrInvalidAccountData
	}
	if data[offsetEmaTag] == 1 {
		ema := int64(binary.LittleEndian.Uint64(data[offsetEmaValue:]))
		fixed.FundingEma = &ema
	}
	return fixed, nil
}

func (f *accountFixed) encode(data []byte) error {
	if len(data) < FixedSize {
		return ErrCodeCouldNotSerializeAccount
	}

	data[offsetBump] = f.Bump
	binary.LittleEndian.PutUint16(data[offsetID:], f.ID)
	data[offsetExchange] = byte(f.Exchange)
	binary.LittleEndian.PutUint16(data[offsetMarketIndex:], f.MarketIndex)
	copy(data[offsetAuthority:offsetAuthority+32], f.Authority[:])
	binary.LittleEndian.PutUint64(data[offsetLastUpdatedTs:], uint64(f.LastUpdatedTs))
	binary.LittleEndian.PutUint64(data[offsetUpdateFreq:], f.Config.UpdateFrequencySecs)
	binary.LittleEndian.PutUint64(data[offsetStaleness:], f.Config.StalenessThresholdSecs)
	binary.LittleEndian.PutUint32(data[offsetPeriodLength:], f.Config.PeriodLength)
	binary.LittleEndian.PutUint16(data[offsetPointsCount:], f.Config.DataPointsCount)

	if f.FundingEma != nil {
		data[offsetEmaTag] = 1
		binary.LittleEndian.PutUint64(data[offsetEmaValue:], uint64(*f.FundingEma))
	} else {
		data[offsetEmaTag] = 0
		binary.LittleEndian.PutUint64(data[offsetEmaValue:], 0)
	}
	return nil
}

// loader pairs the decoded header with the raw data-point region of a live
// account, mirroring the split borrow the program uses on chain.
type loader struct {
	ai      *AccountInfo
	fixed   *accountFixed
	dynamic []byte
}

func load(ai *AccountInfo) (*loader, error) {
	fixed, err := decodeFixed(ai.Data)
	if err != nil {
		return nil, err
	}
	return &loader{ai: ai, fixed: fixed, dynamic: ai.Data[FixedSize:]}, nil
}

// tryLoad performs the full validation every non-initialize operation runs:
// ownership, size, PDA round-trip, and authority.
func tryLoad(ai *AccountInfo, authority solana.PublicKey) (*loader, error) {
	if !ai.IsWritable {
		return nil, ErrCodeAccountsNeedToBeWritable
	}
	if !ai.Owner.Equals(ProgramID) {
		return nil, ErrCodeInvalidAccount
	}
	if len(ai.Data) < FixedSize {
		return nil, ErrAccountDataTooSmall
	}

	l, err := load(ai)
	if err != nil {
		return nil, err
	}

	if len(l.dynamic) != DataPointSize*int(l.fixed.Config.DataPointsCount) {
		return nil, ErrInvalidAccountData
	}

	address, bump, err := PDA(l.fixed.ID, l.fixed.MarketIndex, l.fixed.Exchange)
	if err != nil {
		return nil, ErrInvalidAccountData
	}
	if !ai.Key.Equals(address) || l.fixed.Bump != bump {
		return nil, ErrInvalidAccountData
	}
	if !l.fixed.Authority.Equals(authority) {
		return nil, ErrCodeMissingOrInvalidAuthority
	}
	return l, nil
}

func (l *loader) save() error {
	return l.fixed.encode(l.ai.Data)
}

func (l *loader) loadDataPoint(i int) *int64 {
	slot := l.dynamic[i*DataPointSize : (i+1)*DataPointSize]
	if slot[0] != 1 {
		return nil
	}
	v := int64(binary.LittleEndian.Uint64(slot[1:9]))
	return &v
}

func (l *loader) writeDataPoint(i int, point *int64) {
	slot := l.dynamic[i*DataPointSize : (i+1)*DataPointSize]
	if point == nil {
		slot[0] = 0
		binary.LittleEndian.PutUint64(slot[1:9], 0)
		return
	}
	slot[0] = 1
	binary.LittleEndian.PutUint64(slot[1:9], uint64(*point))
}

// updateEma recomputes the EMA over the full ring. Integer division
// truncates toward zero.
func (l *loader) updateEma() {
	ema := *l.loadDataPoint(0)
	k := int64(l.fixed.Config.PeriodLength) + 1
	n := int(l.fixed.Config.DataPointsCount)

	for i := 1; i < n; i++ {
		point := *l.loadDataPoint(i)
		diff := point - ema
		ema = diff*2/k + ema
	}

	l.fixed.FundingEma = &ema
}

// updateDataPoints appends into the first free slot; on a full ring it
// shifts the window left one slot, writes at the end, and refreshes the EMA.
func (l *loader) updateDataPoints(newPoint int64) {
	count := int(l.fixed.Config.DataPointsCount)

	for i := 0; i < count; i++ {
		if l.loadDataPoint(i) == nil {
			l.writeDataPoint(i, &newPoint)
			return
		}
	}

	copy(l.dynamic[0:], l.dynamic[DataPointSize:count*DataPointSize])
	l.writeDataPoint(count-1, &newPoint)
	l.updateEma()
}

func (l *loader) resetDataPointsAndWriteFirst(point int64) {
	l.fixed.FundingEma = nil
	l.writeDataPoint(0, &point)
	for i := 1; i < int(l.fixed.Config.DataPointsCount); i++ {
		l.writeDataPoint(i, nil)
	}
}

func u16LEBytes(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}
