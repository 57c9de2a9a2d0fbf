package funding

import (
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
)

// Processor executes funding program instructions against a set of runtime
// accounts, the way the deployed program does on chain.
type Processor struct {
	rent   Rent
	logger *slog.Logger
}

func NewProcessor(rent Rent, logger *slog.Logger) *Processor {
	return &Processor{rent: rent, logger: logger}
}

// ProcessInstruction parses the tagged instruction data and dispatches to
// the matching handler. The variant is logged once before execution.
func (p *Processor) ProcessInstruction(accounts []*AccountInfo, instructionData []byte, clock Clock) error {
	if len(instructionData) < 1 {
		return ErrInvalidInstructionData
	}

	ix, err := DecodeInstruction(instructionData)
	if err != nil {
		return ErrInvalidInstructionData
	}

	switch ix := ix.(type) {
	case *InitializeFundingAccount:
		p.logInstruction("InitializeFundingAccount")
		return p.initializeFundingAccount(accounts, ix)
	case *ConfigureFundingAccount:
		p.logInstruction("ConfigureFundingAccount")
		return p.configureFundingAccount(accounts, ix)
	case *ConfigureFundingAccountAuthority:
		p.logInstruction("ConfigureFundingAccountAuthority")
		return p.configureFundingAccountAuthority(accounts, ix)
	case *UpdateFundingData:
		p.logInstruction("UpdateFundingAccount")
		return p.updateFunding(accounts, ix, clock)
	case *CloseFundingAccount:
		p.logInstruction("CloseFundingAccount")
		return p.closeFundingAccount(accounts)
	default:
		return ErrInvalidInstructionData
	}
}

func (p *Processor) logInstruction(name string) {
	if p.logger != nil {
		p.logger.Info(fmt.Sprintf("funding program: %s", name))
	}
}

func loadSignerAccount(accounts []*AccountInfo, i int) (*AccountInfo, error) {
	if i >= len(accounts) {
		return nil, ErrNotEnoughAccounts
	}
	if !accounts[i].IsSigner {
		return nil, ErrCodeMissingOrInvalidAuthority
	}
	return accounts[i], nil
}

func nextAccount(accounts []*AccountInfo, i int) (*AccountInfo, error) {
	if i >= len(accounts) {
		return nil, ErrNotEnoughAccounts
	}
	return accounts[i], nil
}

func (p *Processor) initializeFundingAccount(accounts []*AccountInfo, ix *InitializeFundingAccount) error {
	signer, err := loadSignerAccount(accounts, 0)
	if err != nil {
		return err
	}
	fundingAI, err := nextAccount(accounts, 1)
	if err != nil {
		return err
	}

	if !fundingAI.IsWritable {
		return ErrCodeAccountsNeedToBeWritable
	}

	address, bump, err := PDA(ix.ID, ix.MarketIndex, ix.Exchange)
	if err != nil {
		return ErrInvalidAccountData
	}
	if !fundingAI.Key.Equals(address) {
		return ErrCodeInvalidAccount
	}

	if ix.DataPointsCount <= 1 {
		return ErrInvalidInstructionData
	}
	if ix.UpdateFrequencySecs >= ix.StalenessThresholdSecs {
		return ErrInvalidInstructionData
	}
	if ix.PeriodLength == 0 {
		return ErrInvalidInstructionData
	}

	size := AccountSize(ix.DataPointsCount)
	lamports := p.rent.MinimumBalance(size)

	// system-create at the PDA: fund from the signer, allocate, assign
	if err := transferLamports(signer, fundingAI, lamports); err != nil {
		return err
	}
	fundingAI.Data = make([]byte, size)
	fundingAI.Assign(ProgramID)

	l, err := load(fundingAI)
	if err != nil {
		return err
	}

	l.fixed.Bump = bump
	l.fixed.ID = ix.ID
	l.fixed.Authority = signer.Key
	l.fixed.MarketIndex = ix.MarketIndex
	l.fixed.Exchange = ix.Exchange
	l.fixed.Config = Config{
		UpdateFrequencySecs:    ix.UpdateFrequencySecs,
		StalenessThresholdSecs: ix.StalenessThresholdSecs,
		PeriodLength:           ix.PeriodLength,
		DataPointsCount:        ix.DataPointsCount,
	}

	return l.save()
}

func (p *Processor) configureFundingAccount(accounts []*AccountInfo, ix *ConfigureFundingAccount) error {
	signer, err := loadSignerAccount(accounts, 0)
	if err != nil {
		return err
	}
	fundingAI, err := nextAccount(accounts, 1)
	if err != nil {
		return err
	}
	l, err := tryLoad(fundingAI, signer.Key)
	if err != nil {
		return err
	}
	config := &l.fixed.Config

	newUpdateFreq := config.UpdateFrequencySecs
	if ix.UpdateFrequencySecs != nil {
		newUpdateFreq = *ix.UpdateFrequencySecs
	}
	newStalenessThreshold := config.StalenessThresholdSecs
	if ix.StalenessThresholdSecs != nil {
		newStalenessThreshold = *ix.StalenessThresholdSecs
	}
	if newUpdateFreq >= newStalenessThreshold {
		return ErrInvalidInstructionData
	}

	if ix.PeriodLength != nil && *ix.PeriodLength == 0 {
		return ErrInvalidInstructionData
	}
	newPeriodLength := config.PeriodLength
	if ix.PeriodLength != nil {
		newPeriodLength = *ix.PeriodLength
	}

	if ix.DataPointsCount == nil {
		config.UpdateFrequencySecs = newUpdateFreq
		config.StalenessThresholdSecs = newStalenessThreshold
		config.PeriodLength = newPeriodLength
		return l.save()
	}

	newCount := *ix.DataPointsCount
	if newCount <= 1 {
		return ErrInvalidInstructionData
	}

	prevCount := config.DataPointsCount
	newSize := AccountSize(newCount)

	newFixed := *l.fixed
	newFixed.FundingEma = nil
	newFixed.Config = Config{
		UpdateFrequencySecs:    newUpdateFreq,
		StalenessThresholdSecs: newStalenessThreshold,
		PeriodLength:           newPeriodLength,
		DataPointsCount:        newCount,
	}

	zeroInit := false
	if newCount < prevCount {
		// Shrink: the window restarts, so the stale timestamp resets and
		// the freed rent is refunded to the authority.
		newFixed.LastUpdatedTs = 0
		zeroInit = true

		newLamports := p.rent.MinimumBalance(newSize)
		remaining := fundingAI.Lamports - newLamports
		if remaining > 0 {
			if !signer.IsWritable {
				return ErrCodeAccountsNeedToBeWritable
			}
			if err := transferLamports(fundingAI, signer, remaining); err != nil {
				return err
			}
		}
	} else {
		newLamports := p.rent.MinimumBalance(newSize)
		if newLamports > fundingAI.Lamports {
			additional := newLamports - fundingAI.Lamports
			if !signer.IsWritable {
				return ErrCodeAccountsNeedToBeWritable
			}
			if err := transferLamports(signer, fundingAI, additional); err != nil {
				return err
			}
		}
	}

	fundingAI.Realloc(newSize)

	l, err = load(fundingAI)
	if err != nil {
		return err
	}
	l.fixed = &newFixed

	if zeroInit {
		for i := range l.dynamic {
			l.dynamic[i] = 0
		}
	}

	return l.save()
}

func (p *Processor) configureFundingAccountAuthority(accounts []*AccountInfo, ix *ConfigureFundingAccountAuthority) error {
	signer, err := loadSignerAccount(accounts, 0)
	if err != nil {
		return err
	}
	fundingAI, err := nextAccount(accounts, 1)
	if err != nil {
		return err
	}
	l, err := tryLoad(fundingAI, signer.Key)
	if err != nil {
		return err
	}

	l.fixed.Authority = ix.Authority
	return l.save()
}

func (p *Processor) updateFunding(accounts []*AccountInfo, ix *UpdateFundingData, clock Clock) error {
	signer, err := loadSignerAccount(accounts, 0)
	if err != nil {
		return err
	}
	fundingAI, err := nextAccount(accounts, 1)
	if err != nil {
		return err
	}
	l, err := tryLoad(fundingAI, signer.Key)
	if err != nil {
		return err
	}

	nowTs := clock.UnixTimestamp

	staleTs := l.fixed.LastUpdatedTs + int64(l.fixed.Config.StalenessThresholdSecs)
	if nowTs > staleTs {
		l.resetDataPointsAndWriteFirst(ix.DataPoint)
		l.fixed.LastUpdatedTs = nowTs
		return l.save()
	}

	updateTs := l.fixed.LastUpdatedTs + int64(l.fixed.Config.UpdateFrequencySecs)
	if nowTs < updateTs {
		return ErrCodeUpdateTooSoon
	}

	l.updateDataPoints(ix.DataPoint)
	l.fixed.LastUpdatedTs = nowTs
	return l.save()
}

func (p *Processor) closeFundingAccount(accounts []*AccountInfo) error {
	signer, err := loadSignerAccount(accounts, 0)
	if err != nil {
		return err
	}
	fundingAI, err := nextAccount(accounts, 1)
	if err != nil {
		return err
	}
	if _, err := tryLoad(fundingAI, signer.Key); err != nil {
		return err
	}
	receiver, err := nextAccount(accounts, 2)
	if err != nil {
		return err
	}

	if !receiver.IsWritable {
		return ErrCodeAccountsNeedToBeWritable
	}
	if receiver.Key.Equals(signer.Key) && !signer.IsWritable {
		return ErrCodeAccountsNeedToBeWritable
	}

	if err := transferLamports(fundingAI, receiver, fundingAI.Lamports); err != nil {
		return err
	}

	fundingAI.Realloc(0)
	fundingAI.Assign(solana.SystemProgramID)
	return nil
}
