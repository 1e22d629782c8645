// Package keywallet is a software wallet holding a single secp256k1 key. It
// implements the wallet.Provider surface so it can stand in for an injected
// wallet.
package keywallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"lottery/internal/wallet"
	"lottery/pkg/chain"
)

// Backend is the node surface the wallet signs and broadcasts through.
// *ethclient.Client satisfies it.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Approver decides whether an account request is granted.
type Approver func(ctx context.Context, account common.Address) (bool, error)

// AutoApprove grants every request.
func AutoApprove(context.Context, common.Address) (bool, error) { return true, nil }

// Dialer opens a Backend for an RPC URL.
type Dialer func(ctx context.Context, rpcURL string) (Backend, error)

func dialEthclient(ctx context.Context, rpcURL string) (Backend, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Option configures a Wallet.
type Option func(*Wallet)

func WithApprover(a Approver) Option {
	return func(w *Wallet) { w.approve = a }
}

func WithDialer(d Dialer) Option {
	return func(w *Wallet) { w.dial = d }
}

// WithKnownChains registers chains the wallet can switch to without an add
// request.
func WithKnownChains(ds ...chain.Descriptor) Option {
	return func(w *Wallet) {
		for _, d := range ds {
			w.chains[d.IDString()] = d
		}
	}
}

// Wallet is a single-key software wallet.
type Wallet struct {
	wallet.Emitter

	key     *ecdsa.PrivateKey
	address common.Address
	approve Approver
	dial    Dialer

	mu       sync.Mutex
	approved bool
	chains   map[string]chain.Descriptor
	current  chain.Descriptor
	backends map[string]Backend
}

// New creates a wallet for key that starts on the given chain.
func New(key *ecdsa.PrivateKey, initial chain.Descriptor, opts ...Option) (*Wallet, error) {
	if key == nil {
		return nil, errors.New("keywallet: nil private key")
	}
	w := &Wallet{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		approve:  AutoApprove,
		dial:     dialEthclient,
		chains:   map[string]chain.Descriptor{initial.IDString(): initial},
		current:  initial,
		backends: make(map[string]Backend),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// LoadKey parses a hex private key with or without 0x prefix.
func LoadKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}

// LoadKeystore decrypts a go-ethereum keystore JSON file.
func LoadKeystore(path, password string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keystore: %w", err)
	}
	k, err := keystore.DecryptKey(data, password)
	if err != nil {
		return nil, fmt.Errorf("decrypting keystore: %w", err)
	}
	return k.PrivateKey, nil
}

// Address returns the wallet's account.
func (w *Wallet) Address() common.Address {
	return w.address
}

// Lock revokes the account grant and notifies subscribers with an empty
// account list.
func (w *Wallet) Lock() {
	w.mu.Lock()
	w.approved = false
	w.mu.Unlock()
	w.Emit(wallet.EventAccountsChanged, []string{})
}

// Close releases every dialed backend and reports disconnect.
func (w *Wallet) Close() {
	w.mu.Lock()
	backends := w.backends
	w.backends = make(map[string]Backend)
	w.mu.Unlock()

	for _, b := range backends {
		b.Close()
	}
	w.Emit(wallet.EventDisconnect, wallet.NewRPCError(wallet.CodeDisconnected, "wallet closed"))
}

func (w *Wallet) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	log.Debug().Str("method", method).Msg("Key wallet request")

	result, err := w.dispatch(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (w *Wallet) dispatch(ctx context.Context, method string, params []any) (any, error) {
	switch method {
	case "eth_requestAccounts":
		return w.requestAccounts(ctx)
	case "eth_accounts":
		return w.accounts(), nil
	case "eth_chainId":
		return w.chainDescriptor().IDHex(), nil
	case "wallet_switchEthereumChain":
		var p chain.SwitchChainParams
		if err := decodeParam(params, 0, &p); err != nil {
			return nil, err
		}
		return nil, w.switchChain(p.ChainID)
	case "wallet_addEthereumChain":
		var p chain.AddChainParams
		if err := decodeParam(params, 0, &p); err != nil {
			return nil, err
		}
		return nil, w.addChain(p)
	case "eth_getBalance":
		return w.balance(ctx, params)
	case "eth_estimateGas":
		var args wallet.TransactionArgs
		if err := decodeParam(params, 0, &args); err != nil {
			return nil, err
		}
		return w.estimateGas(ctx, args)
	case "eth_sendTransaction":
		var args wallet.TransactionArgs
		if err := decodeParam(params, 0, &args); err != nil {
			return nil, err
		}
		return w.sendTransaction(ctx, args)
	case "eth_getTransactionReceipt":
		var hash common.Hash
		if err := decodeParam(params, 0, &hash); err != nil {
			return nil, err
		}
		return w.receipt(ctx, hash)
	default:
		return nil, wallet.NewRPCError(wallet.CodeUnsupported, "method %s not supported", method)
	}
}

func (w *Wallet) requestAccounts(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	approved := w.approved
	w.mu.Unlock()
	if approved {
		return w.accounts(), nil
	}

	ok, err := w.approve(ctx, w.address)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, wallet.NewRPCError(wallet.CodeUserRejected, "User rejected the request.")
	}

	w.mu.Lock()
	w.approved = true
	w.mu.Unlock()
	return w.accounts(), nil
}

func (w *Wallet) accounts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.approved {
		return []string{}
	}
	return []string{w.address.Hex()}
}

func (w *Wallet) chainDescriptor() chain.Descriptor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Wallet) switchChain(id string) error {
	key := chain.NormalizeChainID(id)

	w.mu.Lock()
	d, ok := w.chains[key]
	if !ok {
		w.mu.Unlock()
		return wallet.NewRPCError(wallet.CodeUnknownChain, "Unrecognized chain ID %q", id)
	}
	changed := w.current.ID != d.ID
	w.current = d
	w.mu.Unlock()

	if changed {
		log.Info().Str("chain", d.Name).Int64("chain_id", d.ID).Msg("Key wallet switched chain")
		w.Emit(wallet.EventChainChanged, d.IDHex())
	}
	return nil
}

func (w *Wallet) addChain(p chain.AddChainParams) error {
	d, err := p.Descriptor()
	if err != nil {
		return wallet.NewRPCError(wallet.CodeInternal, "%v", err)
	}
	if d.PrimaryRPC() == "" {
		return wallet.NewRPCError(wallet.CodeInternal, "chain %s has no rpcUrls", p.ChainID)
	}

	w.mu.Lock()
	w.chains[d.IDString()] = d
	w.mu.Unlock()

	return w.switchChain(d.IDString())
}

func (w *Wallet) backend(ctx context.Context) (Backend, chain.Descriptor, error) {
	w.mu.Lock()
	d := w.current
	b, ok := w.backends[d.IDString()]
	w.mu.Unlock()
	if ok {
		return b, d, nil
	}

	b, err := w.dial(ctx, d.PrimaryRPC())
	if err != nil {
		return nil, d, wallet.NewRPCError(wallet.CodeDisconnected, "dialing %s: %v", d.PrimaryRPC(), err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.backends[d.IDString()]; ok {
		b.Close()
		return existing, d, nil
	}
	w.backends[d.IDString()] = b
	return b, d, nil
}

func (w *Wallet) balance(ctx context.Context, params []any) (*hexutil.Big, error) {
	var addr common.Address
	if err := decodeParam(params, 0, &addr); err != nil {
		return nil, err
	}
	b, _, err := w.backend(ctx)
	if err != nil {
		return nil, err
	}
	bal, err := b.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(bal), nil
}

func (w *Wallet) estimateGas(ctx context.Context, args wallet.TransactionArgs) (hexutil.Uint64, error) {
	b, _, err := w.backend(ctx)
	if err != nil {
		return 0, err
	}
	gas, err := b.EstimateGas(ctx, callMsg(w.address, args))
	if err != nil {
		return 0, err
	}
	return hexutil.Uint64(gas), nil
}

func (w *Wallet) sendTransaction(ctx context.Context, args wallet.TransactionArgs) (common.Hash, error) {
	w.mu.Lock()
	approved := w.approved
	w.mu.Unlock()
	if !approved {
		return common.Hash{}, wallet.NewRPCError(wallet.CodeUnauthorized, "account not authorized")
	}
	if args.From != nil && *args.From != w.address {
		return common.Hash{}, wallet.NewRPCError(wallet.CodeUnauthorized, "unknown account %s", args.From.Hex())
	}

	b, d, err := w.backend(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tx, err := w.buildTx(ctx, b, d, args)
	if err != nil {
		return common.Hash{}, err
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(d.ID)), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing transaction: %w", err)
	}
	if err := b.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}

	log.Info().
		Str("tx", signed.Hash().Hex()).
		Uint64("nonce", signed.Nonce()).
		Uint64("gas", signed.Gas()).
		Msg("Key wallet broadcast transaction")
	return signed.Hash(), nil
}

// buildTx fills nonce, gas and fees. Chains reporting a base fee get an
// EIP-1559 transaction with fee cap tip + 2*baseFee, others a legacy one.
func (w *Wallet) buildTx(ctx context.Context, b Backend, d chain.Descriptor, args wallet.TransactionArgs) (*types.Transaction, error) {
	nonce, err := b.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("getting nonce: %w", err)
	}

	var gas uint64
	if args.Gas != nil {
		gas = uint64(*args.Gas)
	} else {
		gas, err = b.EstimateGas(ctx, callMsg(w.address, args))
		if err != nil {
			return nil, err
		}
	}

	value := new(big.Int)
	if args.Value != nil {
		value = args.Value.ToInt()
	}

	head, err := b.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("getting head: %w", err)
	}

	if head.BaseFee != nil {
		tip, err := b.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggesting tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   big.NewInt(d.ID),
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        args.To,
			Value:     value,
			Data:      args.Data,
		}), nil
	}

	gasPrice, err := b.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggesting gas price: %w", err)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       args.To,
		Value:    value,
		Data:     args.Data,
	}), nil
}

func (w *Wallet) receipt(ctx context.Context, hash common.Hash) (*wallet.Receipt, error) {
	b, _, err := w.backend(ctx)
	if err != nil {
		return nil, err
	}
	r, err := b.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wallet.Receipt{
		TxHash:      r.TxHash,
		Status:      hexutil.Uint64(r.Status),
		BlockNumber: (*hexutil.Big)(r.BlockNumber),
		GasUsed:     hexutil.Uint64(r.GasUsed),
	}, nil
}

func callMsg(from common.Address, args wallet.TransactionArgs) ethereum.CallMsg {
	msg := ethereum.CallMsg{
		From: from,
		To:   args.To,
		Data: args.Data,
	}
	if args.Value != nil {
		msg.Value = args.Value.ToInt()
	}
	if args.Gas != nil {
		msg.Gas = uint64(*args.Gas)
	}
	return msg
}

// decodeParam round-trips params[i] through JSON into out, so callers may
// pass typed values or raw JSON.
func decodeParam(params []any, i int, out any) error {
	if i >= len(params) {
		return wallet.NewRPCError(wallet.CodeInternal, "missing parameter %d", i)
	}
	raw, err := json.Marshal(params[i])
	if err != nil {
		return wallet.NewRPCError(wallet.CodeInternal, "encoding parameter %d: %v", i, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return wallet.NewRPCError(wallet.CodeInternal, "decoding parameter %d: %v", i, err)
	}
	return nil
}
