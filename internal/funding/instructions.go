package funding

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Instruction variants, selected by the first byte of instruction data.
// Payloads are little-endian; optional fields carry a presence byte.
const (
	tagInitializeFundingAccount uint8 = iota
	tagConfigureFundingAccount
	tagConfigureFundingAccountAuthority
	tagUpdateFundingData
	tagCloseFundingAccount
)

type InstructionData interface {
	tag() uint8
	encodePayload(buf []byte) []byte
}

type InitializeFundingAccount struct {
	ID                     uint16
	Exchange               Exchange
	MarketIndex            uint16
	UpdateFrequencySecs    uint64
	StalenessThresholdSecs uint64
	PeriodLength           uint32
	DataPointsCount        uint16
}

func (*InitializeFundingAccount) tag() uint8 { return tagInitializeFundingAccount }

func (ix *InitializeFundingAccount) encodePayload(buf []byte) []byte {
	buf = appendU16(buf, ix.ID)
	buf = append(buf, byte(ix.Exchange))
	buf = appendU16(buf, ix.MarketIndex)
	buf = appendU64(buf, ix.UpdateFrequencySecs)
	buf = appendU64(buf, ix.StalenessThresholdSecs)
	buf = appendU32(buf, ix.PeriodLength)
	return appendU16(buf, ix.DataPointsCount)
}

type ConfigureFundingAccount struct {
	UpdateFrequencySecs    *uint64
	StalenessThresholdSecs *uint64
	PeriodLength           *uint32
	DataPointsCount        *uint16
}

func (*ConfigureFundingAccount) tag() uint8 { return tagConfigureFundingAccount }

func (ix *ConfigureFundingAccount) encodePayload(buf []byte) []byte {
	buf = appendOptU64(buf, ix.UpdateFrequencySecs)
	buf = appendOptU64(buf, ix.StalenessThresholdSecs)
	if ix.PeriodLength == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = appendU32(buf, *ix.PeriodLength)
	}
	if ix.DataPointsCount == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendU16(buf, *ix.DataPointsCount)
}

type ConfigureFundingAccountAuthority struct {
	Authority solana.PublicKey
}

func (*ConfigureFundingAccountAuthority) tag() uint8 { return tagConfigureFundingAccountAuthority }

func (ix *ConfigureFundingAccountAuthority) encodePayload(buf []byte) []byte {
	return append(buf, ix.Authority[:]...)
}

type UpdateFundingData struct {
	DataPoint int64
}

func (*UpdateFundingData) tag() uint8 { return tagUpdateFundingData }

func (ix *UpdateFundingData) encodePayload(buf []byte) []byte {
	return appendU64(buf, uint64(ix.DataPoint))
}

type CloseFundingAccount struct{}

func (*CloseFundingAccount) tag() uint8 { return tagCloseFundingAccount }

func (ix *CloseFundingAccount) encodePayload(buf []byte) []byte { return buf }

// EncodeInstruction serializes a variant into instruction data.
func EncodeInstruction(ix InstructionData) []byte {
	return ix.encodePayload([]byte{ix.tag()})
}

// DecodeInstruction parses instruction data into its variant. Any
// inconsistency maps to ErrInvalidInstructionData.
func DecodeInstruction(data []byte) (InstructionData, error) {
	if len(data) < 1 {
		return nil, ErrInvalidInstructionData
	}
	r := &reader{data: data[1:]}

	switch data[0] {
	case tagInitializeFundingAccount:
		ix := &InitializeFundingAccount{}
		ix.ID = r.u16()
		exchange := r.u8()
		ix.MarketIndex = r.u16()
		ix.UpdateFrequencySecs = r.u64()
		ix.StalenessThresholdSecs = r.u64()
		ix.PeriodLength = r.u32()
		ix.DataPointsCount = r.u16()
		if r.failed || !r.done() || exchange > uint8(ExchangeMango) {
			return nil, ErrInvalidInstructionData
		}
		ix.Exchange = Exchange(exchange)
		return ix, nil

	case tagConfigureFundingAccount:
		ix := &ConfigureFundingAccount{}
		if r.option() {
			v := r.u64()
			ix.UpdateFrequencySecs = &v
		}
		if r.option() {
			v := r.u64()
			ix.StalenessThresholdSecs = &v
		}
		if r.option() {
			v := r.u32()
			ix.PeriodLength = &v
		}
		if r.option() {
			v := r.u16()
			ix.DataPointsCount = &v
		}
		if r.failed || !r.done() {
			return nil, ErrInvalidInstructionData
		}
		return ix, nil

	case tagConfigureFundingAccountAuthority:
		ix := &ConfigureFundingAccountAuthority{}
		copy(ix.Authority[:], r.bytes(32))
		if r.failed || !r.done() {
			return nil, ErrInvalidInstructionData
		}
		return ix, nil

	case tagUpdateFundingData:
		ix := &UpdateFundingData{DataPoint: int64(r.u64())}
		if r.failed || !r.done() {
			return nil, ErrInvalidInstructionData
		}
		return ix, nil

	case tagCloseFundingAccount:
		if !r.done() {
			return nil, ErrInvalidInstructionData
		}
		return &CloseFundingAccount{}, nil

	default:
		return nil, ErrInvalidInstructionData
	}
}

type reader struct {
	data   []byte
	failed bool
}

func (r *reader) take(n int) []byte {
	if r.failed || len(r.data) < n {
		r.failed = true
		return make([]byte, n)
	}
	out := r.data[:n]
	r.data = r.data[n:]
	return out
}

func (r *reader) bytes(n int) []byte { return r.take(n) }

func (r *reader) u8() uint8 { return r.take(1)[0] }

func (r *reader) u16() uint16 { return binary.LittleEndian.Uint16(r.take(2)) }

func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }

func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }

func (r *reader) option() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.failed = true
		return false
	}
}

func (r *reader) done() bool { return !r.failed && len(r.data) == 0 }

func appendU16(buf []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, v)
}

func appendU32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

func appendU64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

func appendOptU64(buf []byte, v *uint64) []byte {
	if v == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendU64(buf, *v)
}
