package funding

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Account is the client-side view of a funding account fetched over RPC.
type Account struct {
	Bump        uint8
	ID          uint16
	Exchange    Exchange
	MarketIndex uint16
	Authority   solana.PublicKey

	LastUpdatedTs int64
	Config        Config
	// Percentage with 6 decimals, ex: 1000000 = 10.000000%
	FundingEma *int64
	DataPoints []*int64
}

// ParseAccount decodes a full funding account, validating the dynamic region
// length against the configured data-point count.
func ParseAccount(data []byte) (*Account, error) {
	fixed, err := decodeFixed(data)
	if err != nil {
		return nil, err
	}

	dynamic := data[FixedSize:]
	count := int(fixed.Config.DataPointsCount)
	if len(dynamic) != count*DataPointSize {
		return nil, ErrInvalidAccountData
	}

	account := &Account{
		Bump:          fixed.Bump,
		ID:            fixed.ID,
		Exchange:      fixed.Exchange,
		MarketIndex:   fixed.MarketIndex,
		Authority:     fixed.Authority,
		LastUpdatedTs: fixed.LastUpdatedTs,
		Config:        fixed.Config,
		FundingEma:    fixed.FundingEma,
		DataPoints:    make([]*int64, 0, count),
	}

	for i := 0; i < count; i++ {
		slot := dynamic[i*DataPointSize : (i+1)*DataPointSize]
		switch slot[0] {
		case 0:
			account.DataPoints = append(account.DataPoints, nil)
		case 1:
			v := int64(binary.LittleEndian.Uint64(slot[1:9]))
			account.DataPoints = append(account.DataPoints, &v)
		default:
			return nil, ErrInvalidAccountData
		}
	}

	return account, nil
}

// Instruction builders mirror the deployed program's account orders.

type InitializeAccounts struct {
	Authority      solana.PublicKey
	FundingAccount solana.PublicKey
}

func NewInitializeInstruction(accounts InitializeAccounts, ix *InitializeFundingAccount) solana.Instruction {
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Authority, false, true),
		solana.NewAccountMeta(accounts.FundingAccount, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(ProgramID, metas, EncodeInstruction(ix))
}

type ConfigureAccounts struct {
	Authority      solana.PublicKey
	FundingAccount solana.PublicKey
}

func NewConfigureInstruction(accounts ConfigureAccounts, ix *ConfigureFundingAccount) solana.Instruction {
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Authority, false, true),
		solana.NewAccountMeta(accounts.FundingAccount, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(ProgramID, metas, EncodeInstruction(ix))
}

func NewConfigureAuthorityInstruction(accounts ConfigureAccounts, newAuthority solana.PublicKey) solana.Instruction {
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Authority, false, true),
		solana.NewAccountMeta(accounts.FundingAccount, true, false),
	}
	ix := &ConfigureFundingAccountAuthority{Authority: newAuthority}
	return solana.NewInstruction(ProgramID, metas, EncodeInstruction(ix))
}

type UpdateAccounts struct {
	Authority      solana.PublicKey
	FundingAccount solana.PublicKey
}

func NewUpdateInstruction(accounts UpdateAccounts, dataPoint int64) solana.Instruction {
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Authority, false, true),
		solana.NewAccountMeta(accounts.FundingAccount, true, false),
	}
	ix := &UpdateFundingData{DataPoint: dataPoint}
	return solana.NewInstruction(ProgramID, metas, EncodeInstruction(ix))
}

type CloseAccounts struct {
	Authority      solana.PublicKey
	FundingAccount solana.PublicKey
	Receiver       solana.PublicKey
}

func NewCloseInstruction(accounts CloseAccounts) solana.Instruction {
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Authority, true, true),
		solana.NewAccountMeta(accounts.FundingAccount, true, false),
		solana.NewAccountMeta(accounts.Receiver, true, false),
	}
	return solana.NewInstruction(ProgramID, metas, EncodeInstruction(&CloseFundingAccount{}))
}
