package funding

import "github.com/gagliardetto/solana-go"

// AccountInfo is the runtime view of an account the processor mutates:
// address, balance, data, owner, and the signer/writable flags of the
// current instruction.
type AccountInfo struct {
	Key        solana.PublicKey
	Lamports   uint64
	Data       []byte
	Owner      solana.PublicKey
	IsSigner   bool
	IsWritable bool
}

// Realloc resizes the account data in place. Grown bytes are zeroed, which
// the update path relies on: a fresh slot reads as an absent data point.
func (a *AccountInfo) Realloc(size int) {
	if size <= len(a.Data) {
		a.Data = a.Data[:size]
		return
	}
	grown := make([]byte, size)
	copy(grown, a.Data)
	a.Data = grown
}

// Assign transfers account ownership to another program.
func (a *AccountInfo) Assign(owner solana.PublicKey) {
	a.Owner = owner
}

// Clock carries the consensus timestamp an instruction executes at.
type Clock struct {
	UnixTimestamp int64
}

// Rent models the rent sysvar's exemption arithmetic.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionThreshold  uint64
}

const accountStorageOverhead = 128

func DefaultRent() Rent {
	return Rent{LamportsPerByteYear: 3480, ExemptionThreshold: 2}
}

// MinimumBalance returns the rent-exempt balance for an account of the given
// data length.
func (r Rent) MinimumBalance(dataLen int) uint64 {
	return (accountStorageOverhead + uint64(dataLen)) * r.LamportsPerByteYear * r.ExemptionThreshold
}

// transferLamports models a system-program transfer between two accounts in
// the instruction's account set.
func transferLamports(from, to *AccountInfo, amount uint64) error {
	if from.Lamports < amount {
		return ErrInsufficientLamports
	}
	moved := to.Lamports + amount
	if moved < to.Lamports {
		return ErrCodeLamportsOverflow
	}
	from.Lamports -= amount
	to.Lamports = moved
	return nil
}
