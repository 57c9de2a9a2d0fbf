// Package txclient builds, signs, submits, and confirms transactions for the
// relayer: versioned messages with optional address-lookup tables, signed
// once and resubmitted on timeout.
package txclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrUnableToCompile  = errors.New("txclient: unable to compile message")
	ErrMissingSigner    = errors.New("txclient: missing signer")
	ErrMissingSignature = errors.New("txclient: missing signature")
	ErrRPC              = errors.New("txclient: rpc error")
	ErrTransaction      = errors.New("txclient: transaction failed")
)

const (
	pollInterval       = 2 * time.Second
	txValidityDuration = 40 * time.Second
	sendMaxRetries     = 20
)

// RPCClient is the slice of the RPC surface the submitter needs. *rpc.Client
// satisfies it.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusTimeout
)

// Result is the terminal outcome of one submission attempt.
type Result struct {
	Status    Status
	Signature solana.Signature
	Meta      *rpc.TransactionMeta
	TxErr     any
}

type Client struct {
	rpc    RPCClient
	signer solana.PrivateKey
	logger *slog.Logger
}

func New(rpcClient RPCClient, signer solana.PrivateKey, logger *slog.Logger) *Client {
	return &Client{rpc: rpcClient, signer: signer, logger: logger}
}

func (c *Client) Signer() solana.PublicKey {
	return c.signer.PublicKey()
}

// BuildSignedTransaction fetches a fresh blockhash, compiles a v0 message
// with the signer as fee payer and the provided lookup tables, signs, and
// verifies the signature set.
func (c *Client) BuildSignedTransaction(
	ctx context.Context,
	instructions []solana.Instruction,
	addressLookupTables map[solana.PublicKey]solana.PublicKeySlice,
) (*solana.Transaction, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("%w: get latest blockhash: %v", ErrRPC, err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(c.signer.PublicKey()),
		solana.TransactionAddressTables(addressLookupTables),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnableToCompile, err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if c.signer.PublicKey().Equals(key) {
			return &c.signer
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingSigner, err)
	}

	if err := tx.VerifySignatures(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingSignature, err)
	}
	return tx, nil
}

// SendAndConfirm submits the signed transaction and polls for its terminal
// state every two seconds for up to forty. Transient decode failures while
// polling keep the poll alive; other RPC errors propagate.
func (c *Client) SendAndConfirm(ctx context.Context, tx *solana.Transaction) (*Result, error) {
	signature, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight: true,
		MaxRetries:    maxRetriesPtr(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: send transaction: %v", ErrRPC, err)
	}
	c.logger.Info("sent transaction", "signature", signature)

	start := time.Now()
	maxVersion := uint64(0)

	for {
		if time.Since(start) > txValidityDuration {
			return &Result{Status: StatusTimeout, Signature: signature}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}

		result, err := c.rpc.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if err != nil {
			if isRetriablePollError(err) {
				continue
			}
			return nil, fmt.Errorf("%w: get transaction: %v", ErrRPC, err)
		}
		if result == nil || result.Meta == nil {
			return nil, ErrTransaction
		}

		if result.Meta.Err != nil {
			return &Result{Status: StatusError, Signature: signature, Meta: result.Meta, TxErr: result.Meta.Err}, nil
		}
		return &Result{Status: StatusSuccess, Signature: signature, Meta: result.Meta}, nil
	}
}

// ForceSend retries until the transaction lands or fails terminally,
// rebuilding with a fresh blockhash on every even retry.
func (c *Client) ForceSend(
	ctx context.Context,
	instructions []solana.Instruction,
	addressLookupTables map[solana.PublicKey]solana.PublicKeySlice,
) (*Result, error) {
	retries := 0
	tx, err := c.BuildSignedTransaction(ctx, instructions, addressLookupTables)
	if err != nil {
		return nil, err
	}

	for {
		if retries > 0 && retries%2 == 0 {
			tx, err = c.BuildSignedTransaction(ctx, instructions, addressLookupTables)
			if err != nil {
				return nil, err
			}
		}

		result, err := c.SendAndConfirm(ctx, tx)
		if err != nil {
			return nil, err
		}

		switch result.Status {
		case StatusError:
			c.logger.Error("transaction error", "signature", result.Signature, "err", result.TxErr)
			return nil, ErrTransaction
		case StatusSuccess:
			c.logger.Info("transaction success", "signature", result.Signature)
			return result, nil
		case StatusTimeout:
			c.logger.Warn("transaction timeout, resending", "signature", result.Signature)
		}

		retries++
	}
}

// isRetriablePollError matches the transient decode failures the node
// returns while a transaction is still propagating.
func isRetriablePollError(err error) bool {
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func maxRetriesPtr() *uint {
	retries := uint(sendMaxRetries)
	return &retries
}
