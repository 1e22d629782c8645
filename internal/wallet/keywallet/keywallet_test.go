package keywallet

import (
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"lottery/internal/failure"
	"lottery/internal/wallet"
	"lottery/pkg/chain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeBackend struct {
	mu       sync.Mutex
	baseFee  *big.Int
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	closed   bool
}

func (b *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: b.baseFee}, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(50e9), nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2e9), nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (b *fakeBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func newTestWallet(t *testing.T, backend *fakeBackend, opts ...Option) *Wallet {
	t.Helper()
	key, err := LoadKey("0x" + testKey)
	require.NoError(t, err)

	opts = append([]Option{WithDialer(func(context.Context, string) (Backend, error) { return backend, nil })}, opts...)
	w, err := New(key, chain.MonadTestnet(), opts...)
	require.NoError(t, err)
	return w
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestRequestAccountsNeedsApproval(t *testing.T) {
	w := newTestWallet(t, &fakeBackend{}, WithApprover(func(context.Context, common.Address) (bool, error) {
		return false, nil
	}))
	ctx := context.Background()

	raw, err := w.Request(ctx, "eth_accounts")
	require.NoError(t, err)
	require.Empty(t, decode[[]string](t, raw))

	_, err = w.Request(ctx, "eth_requestAccounts")
	code, ok := wallet.ErrorCode(err)
	require.True(t, ok)
	require.Equal(t, wallet.CodeUserRejected, code)
	require.ErrorIs(t, failure.Classify(err), failure.ErrUserRejected)
}

func TestRequestAccountsApproved(t *testing.T) {
	w := newTestWallet(t, &fakeBackend{})
	ctx := context.Background()

	raw, err := w.Request(ctx, "eth_requestAccounts")
	require.NoError(t, err)
	require.Equal(t, []string{w.Address().Hex()}, decode[[]string](t, raw))

	raw, err = w.Request(ctx, "eth_accounts")
	require.NoError(t, err)
	require.Equal(t, []string{w.Address().Hex()}, decode[[]string](t, raw))

	raw, err = w.Request(ctx, "eth_chainId")
	require.NoError(t, err)
	require.Equal(t, "0x279f", decode[string](t, raw))
}

func TestSwitchUnknownChainThenAdd(t *testing.T) {
	w := newTestWallet(t, &fakeBackend{})
	ctx := context.Background()

	var changes []string
	unsubscribe := w.On(wallet.EventChainChanged, func(payload json.RawMessage) {
		changes = append(changes, decode[string](t, payload))
	})
	defer unsubscribe()

	other := chain.Descriptor{
		ID:       1337,
		Name:     "Local",
		Currency: chain.NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:  []string{"http://127.0.0.1:8545"},
	}

	_, err := w.Request(ctx, "wallet_switchEthereumChain", chain.SwitchChainParams{ChainID: other.IDHex()})
	code, _ := wallet.ErrorCode(err)
	require.Equal(t, wallet.CodeUnknownChain, code)

	_, err = w.Request(ctx, "wallet_addEthereumChain", other.AddChainParams())
	require.NoError(t, err)
	require.Equal(t, []string{"0x539"}, changes)

	_, err = w.Request(ctx, "wallet_switchEthereumChain", chain.SwitchChainParams{ChainID: "0x279f"})
	require.NoError(t, err)
	require.Equal(t, []string{"0x539", "0x279f"}, changes)

	// Switching to the current chain emits nothing.
	_, err = w.Request(ctx, "wallet_switchEthereumChain", chain.SwitchChainParams{ChainID: "10143"})
	require.NoError(t, err)
	require.Len(t, changes, 2)
}

func TestSendTransactionRequiresApproval(t *testing.T) {
	w := newTestWallet(t, &fakeBackend{})
	to := chain.LotteryAddress()

	_, err := w.Request(context.Background(), "eth_sendTransaction", wallet.TransactionArgs{To: &to})
	code, _ := wallet.ErrorCode(err)
	require.Equal(t, wallet.CodeUnauthorized, code)
}

func TestSendTransactionDynamicFee(t *testing.T) {
	backend := &fakeBackend{baseFee: big.NewInt(10e9)}
	w := newTestWallet(t, backend)
	ctx := context.Background()
	_, err := w.Request(ctx, "eth_requestAccounts")
	require.NoError(t, err)

	to := chain.LotteryAddress()
	gas := hexutil.Uint64(120000)
	value := (*hexutil.Big)(big.NewInt(3e16))
	raw, err := w.Request(ctx, "eth_sendTransaction", wallet.TransactionArgs{
		To:    &to,
		Gas:   &gas,
		Value: value,
		Data:  hexutil.Bytes{0xde, 0xad},
	})
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	require.Equal(t, decode[common.Hash](t, raw), tx.Hash())
	require.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, uint64(120000), tx.Gas())
	require.Equal(t, big.NewInt(2e9), tx.GasTipCap())
	require.Equal(t, big.NewInt(22e9), tx.GasFeeCap())
	require.Equal(t, big.NewInt(3e16), tx.Value())
	require.Equal(t, big.NewInt(10143), tx.ChainId())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(10143)), tx)
	require.NoError(t, err)
	require.Equal(t, w.Address(), sender)
}

func TestSendTransactionLegacyWithoutBaseFee(t *testing.T) {
	backend := &fakeBackend{}
	w := newTestWallet(t, backend)
	ctx := context.Background()
	_, err := w.Request(ctx, "eth_requestAccounts")
	require.NoError(t, err)

	to := chain.LotteryAddress()
	_, err = w.Request(ctx, "eth_sendTransaction", wallet.TransactionArgs{To: &to})
	require.NoError(t, err)

	tx := backend.sent[0]
	require.Equal(t, uint8(types.LegacyTxType), tx.Type())
	require.Equal(t, big.NewInt(50e9), tx.GasPrice())
	require.Equal(t, uint64(90000), tx.Gas(), "gas is estimated when not given")
}

func TestReceiptLookup(t *testing.T) {
	hash := common.HexToHash("0x01")
	backend := &fakeBackend{receipts: map[common.Hash]*types.Receipt{
		hash: {TxHash: hash, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(5), GasUsed: 21000},
	}}
	w := newTestWallet(t, backend)
	ctx := context.Background()

	raw, err := w.Request(ctx, "eth_getTransactionReceipt", hash)
	require.NoError(t, err)
	r := decode[wallet.Receipt](t, raw)
	require.True(t, r.Succeeded())
	require.Equal(t, int64(5), r.BlockNumber.ToInt().Int64())

	raw, err = w.Request(ctx, "eth_getTransactionReceipt", common.HexToHash("0x02"))
	require.NoError(t, err)
	require.Equal(t, "null", string(raw))
}

func TestLockClearsAccounts(t *testing.T) {
	w := newTestWallet(t, &fakeBackend{})
	ctx := context.Background()
	_, err := w.Request(ctx, "eth_requestAccounts")
	require.NoError(t, err)

	var got []string
	unsubscribe := w.On(wallet.EventAccountsChanged, func(payload json.RawMessage) {
		got = decode[[]string](t, payload)
	})
	defer unsubscribe()

	w.Lock()
	require.NotNil(t, got)
	require.Empty(t, got)

	raw, err := w.Request(ctx, "eth_accounts")
	require.NoError(t, err)
	require.Empty(t, decode[[]string](t, raw))
}

func TestUnsupportedMethod(t *testing.T) {
	w := newTestWallet(t, &fakeBackend{})
	_, err := w.Request(context.Background(), "eth_sign")
	code, _ := wallet.ErrorCode(err)
	require.Equal(t, wallet.CodeUnsupported, code)
}

func TestConnectorOverKeyWallet(t *testing.T) {
	w := newTestWallet(t, &fakeBackend{})
	c := wallet.NewConnector(w, chain.MonadTestnet(), wallet.WithSwitchDelay(0))
	stop := c.Start(context.Background())
	defer stop()

	require.False(t, c.State().IsConnected, "no grant before the first request")

	addr, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, w.Address().Hex(), addr)
	require.True(t, c.State().IsCorrectNetwork)

	w.Lock()
	require.Equal(t, wallet.State{}, c.State())
}

func TestLoadKeystore(t *testing.T) {
	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)

	blob, err := keystore.EncryptKey(&keystore.Key{
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, "secret", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	loaded, err := LoadKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(loaded.PublicKey))

	_, err = LoadKeystore(path, "wrong")
	require.Error(t, err)
}

func TestLoadKeyRejectsGarbage(t *testing.T) {
	_, err := LoadKey("not-a-key")
	require.Error(t, err)
}
