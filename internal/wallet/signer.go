package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TransactionArgs is the eth_sendTransaction / eth_estimateGas argument
// object.
type TransactionArgs struct {
	From  *common.Address `json:"from,omitempty"`
	To    *common.Address `json:"to,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}

// Receipt is the subset of a transaction receipt the client uses.
type Receipt struct {
	TxHash      common.Hash    `json:"transactionHash"`
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// Signer is a wallet-bound handle that authorises and submits transactions.
type Signer interface {
	Address(ctx context.Context) (common.Address, error)
	Balance(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, tx TransactionArgs) (uint64, error)
	SendTransaction(ctx context.Context, tx TransactionArgs) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*Receipt, error)
}

// ErrNoSignerAccount is returned when the provider exposes no account.
var ErrNoSignerAccount = errors.New("wallet exposes no signing account")

// DefaultReceiptPollInterval is how often WaitMined asks for the receipt.
const DefaultReceiptPollInterval = 2 * time.Second

type providerSigner struct {
	provider     Provider
	pollInterval time.Duration
}

// NewSigner returns a Signer that forwards to the provider's request surface.
func NewSigner(p Provider) Signer {
	return &providerSigner{provider: p, pollInterval: DefaultReceiptPollInterval}
}

func (s *providerSigner) Address(ctx context.Context) (common.Address, error) {
	raw, err := s.provider.Request(ctx, "eth_accounts")
	if err != nil {
		return common.Address{}, err
	}
	accounts, err := decodeAccounts(raw)
	if err != nil {
		return common.Address{}, err
	}
	if len(accounts) == 0 {
		return common.Address{}, ErrNoSignerAccount
	}
	return accounts[0], nil
}

func (s *providerSigner) Balance(ctx context.Context) (*big.Int, error) {
	addr, err := s.Address(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := s.provider.Request(ctx, "eth_getBalance", addr, "latest")
	if err != nil {
		return nil, err
	}
	var bal hexutil.Big
	if err := json.Unmarshal(raw, &bal); err != nil {
		return nil, fmt.Errorf("decoding balance: %w", err)
	}
	return bal.ToInt(), nil
}

func (s *providerSigner) EstimateGas(ctx context.Context, tx TransactionArgs) (uint64, error) {
	if err := s.fillFrom(ctx, &tx); err != nil {
		return 0, err
	}
	raw, err := s.provider.Request(ctx, "eth_estimateGas", tx)
	if err != nil {
		return 0, err
	}
	var gas hexutil.Uint64
	if err := json.Unmarshal(raw, &gas); err != nil {
		return 0, fmt.Errorf("decoding gas estimate: %w", err)
	}
	return uint64(gas), nil
}

func (s *providerSigner) SendTransaction(ctx context.Context, tx TransactionArgs) (common.Hash, error) {
	if err := s.fillFrom(ctx, &tx); err != nil {
		return common.Hash{}, err
	}
	raw, err := s.provider.Request(ctx, "eth_sendTransaction", tx)
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err := json.Unmarshal(raw, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("decoding transaction hash: %w", err)
	}
	return hash, nil
}

// WaitMined polls eth_getTransactionReceipt until the receipt exists or ctx
// ends.
func (s *providerSigner) WaitMined(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		raw, err := s.provider.Request(ctx, "eth_getTransactionReceipt", hash)
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 && string(raw) != "null" {
			var r Receipt
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, fmt.Errorf("decoding receipt: %w", err)
			}
			return &r, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *providerSigner) fillFrom(ctx context.Context, tx *TransactionArgs) error {
	if tx.From != nil {
		return nil
	}
	addr, err := s.Address(ctx)
	if err != nil {
		return err
	}
	tx.From = &addr
	return nil
}

func decodeAccounts(raw json.RawMessage) ([]common.Address, error) {
	var hexes []string
	if err := json.Unmarshal(raw, &hexes); err != nil {
		return nil, fmt.Errorf("decoding accounts: %w", err)
	}
	out := make([]common.Address, 0, len(hexes))
	for _, h := range hexes {
		if !common.IsHexAddress(h) {
			return nil, fmt.Errorf("invalid account %q", h)
		}
		out = append(out, common.HexToAddress(h))
	}
	return out, nil
}
