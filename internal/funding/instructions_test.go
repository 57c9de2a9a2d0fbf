package funding

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestInstructionTagging(t *testing.T) {
	data := EncodeInstruction(&UpdateFundingData{DataPoint: -1})
	require.Equal(t, uint8(3), data[0])
	require.Len(t, data, 9)

	data = EncodeInstruction(&CloseFundingAccount{})
	require.Equal(t, []byte{4}, data)

	data = EncodeInstruction(&InitializeFundingAccount{})
	require.Equal(t, uint8(0), data[0])
	require.Len(t, data, 1+2+1+2+8+8+4+2)
}

func TestDecodeInitialize(t *testing.T) {
	ix := &InitializeFundingAccount{
		ID:                     1,
		Exchange:               ExchangeMango,
		MarketIndex:            2,
		UpdateFrequencySecs:    120,
		StalenessThresholdSecs: 600,
		PeriodLength:           5,
		DataPointsCount:        30,
	}
	decoded, err := DecodeInstruction(EncodeInstruction(ix))
	require.NoError(t, err)
	require.Equal(t, ix, decoded)
}

func TestDecodeConfigureOptions(t *testing.T) {
	count := uint16(20)
	ix := &ConfigureFundingAccount{DataPointsCount: &count}
	decoded, err := DecodeInstruction(EncodeInstruction(ix))
	require.NoError(t, err)
	require.Equal(t, ix, decoded)

	freq := uint64(120)
	period := uint32(7)
	full := &ConfigureFundingAccount{
		UpdateFrequencySecs: &freq,
		PeriodLength:        &period,
	}
	decoded, err = DecodeInstruction(EncodeInstruction(full))
	require.NoError(t, err)
	require.Equal(t, full, decoded)
}

func TestDecodeRejectsMalformedData(t *testing.T) {
	_, err := DecodeInstruction(nil)
	require.ErrorIs(t, err, ErrInvalidInstructionData)

	_, err = DecodeInstruction([]byte{9})
	require.ErrorIs(t, err, ErrInvalidInstructionData)

	// truncated update payload
	_, err = DecodeInstruction([]byte{3, 1, 2})
	require.ErrorIs(t, err, ErrInvalidInstructionData)

	// trailing garbage
	data := EncodeInstruction(&CloseFundingAccount{})
	_, err = DecodeInstruction(append(data, 0))
	require.ErrorIs(t, err, ErrInvalidInstructionData)

	// invalid option presence byte
	_, err = DecodeInstruction([]byte{1, 2})
	require.ErrorIs(t, err, ErrInvalidInstructionData)
}

func TestClientBuildersAccountOrder(t *testing.T) {
	authority := solana.NewWallet().PublicKey()
	account, _, err := PDA(0, 1, ExchangeDrift)
	require.NoError(t, err)

	ix := NewUpdateInstruction(UpdateAccounts{Authority: authority, FundingAccount: account}, 42)
	require.True(t, ix.ProgramID().Equals(ProgramID))

	metas := ix.Accounts()
	require.Len(t, metas, 2)
	require.True(t, metas[0].PublicKey.Equals(authority))
	require.True(t, metas[0].IsSigner)
	require.False(t, metas[0].IsWritable)
	require.True(t, metas[1].PublicKey.Equals(account))
	require.True(t, metas[1].IsWritable)

	payload, err := ix.Data()
	require.NoError(t, err)
	decoded, err := DecodeInstruction(payload)
	require.NoError(t, err)
	require.Equal(t, &UpdateFundingData{DataPoint: 42}, decoded)
}
